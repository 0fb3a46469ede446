// Package registry holds the canonical metadata of the stored objects.
package registry

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mdouchement/chunkvault/internal/database"
	"github.com/mdouchement/chunkvault/internal/model"
	"github.com/mdouchement/chunkvault/internal/xerror"
	"github.com/pkg/errors"
)

// A Seal holds the fields recorded when an object is completed.
type Seal struct {
	Filename    string
	ContentType string
	FinalizedBy string
	Length      int64
	ChunkCount  int
	Checksum    string
}

// A SealFunc computes the Seal of an object from its stored chunks, ordered by index.
type SealFunc func(chunks []*model.Chunk) (Seal, error)

// A Registry reads and writes StoredObject records.
type Registry struct {
	database database.Client
}

// New returns a new Registry.
func New(database database.Client) *Registry {
	return &Registry{
		database: database,
	}
}

// CreateOrGet returns the object with the given id, creating it when it does not exist.
// An existing record is returned untouched.
func (r *Registry) CreateOrGet(ctx context.Context, id, filename, contentType string) (*model.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	object, _, err := r.database.CreateObject(&model.StoredObject{
		Base:        model.Base{ID: id},
		Filename:    filename,
		ContentType: contentType,
	})
	return object, errors.Wrap(err, "registry")
}

// Get returns the object with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*model.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	object, err := r.database.FindObject(id)
	if err != nil {
		if r.database.IsNotFound(err) {
			return nil, xerror.New(xerror.NotFound, "object %s not found", id)
		}
		return nil, errors.Wrap(err, "registry")
	}
	return object, nil
}

// MarkComplete flips the completion flag of the object and records the seal computed by fn.
// The chunks given to fn and the completion are one snapshot: no chunk can be replaced in between.
// It returns an AlreadyComplete error alongside the stored object when it is already complete.
func (r *Registry) MarkComplete(ctx context.Context, id string, fn SealFunc) (*model.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	object, err := r.database.CompleteObject(id, func(o *model.StoredObject, chunks []*model.Chunk) error {
		seal, err := fn(chunks)
		if err != nil {
			return err
		}

		o.Filename = seal.Filename
		o.ContentType = seal.ContentType
		o.FinalizedBy = seal.FinalizedBy
		o.FinalizedAt = time.Now().UTC()
		o.DeclaredLength = seal.Length
		o.ChunkCount = seal.ChunkCount
		o.Checksum = seal.Checksum
		return nil
	})

	switch {
	case err == database.ErrAlreadyComplete:
		return object, xerror.New(xerror.AlreadyComplete, "object %s is already complete", id)
	case err != nil && r.database.IsNotFound(err):
		return nil, xerror.New(xerror.NotFound, "object %s not found", id)
	}
	return object, errors.Wrap(err, "registry")
}

// Search returns the single best complete object whose filename contains term, ignoring case.
// An exact filename wins, then the shortest filename, then the oldest object.
func (r *Registry) Search(ctx context.Context, term string) (*model.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	term = strings.TrimSpace(term)
	if term == "" {
		return nil, xerror.New(xerror.NotFound, "no object matches an empty term")
	}

	objects, err := r.database.FindCompleteObjectsByFilename("(?i)" + regexp.QuoteMeta(term))
	if err != nil {
		return nil, errors.Wrap(err, "registry")
	}
	if len(objects) == 0 {
		return nil, xerror.New(xerror.NotFound, "no object matches %q", term)
	}

	sort.SliceStable(objects, func(i, j int) bool {
		a, b := objects[i], objects[j]

		ea, eb := strings.EqualFold(a.Filename, term), strings.EqualFold(b.Filename, term)
		if ea != eb {
			return ea
		}
		if len(a.Filename) != len(b.Filename) {
			return len(a.Filename) < len(b.Filename)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return objects[0], nil
}
