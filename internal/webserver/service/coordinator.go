package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/mdouchement/chunkvault/internal/chunkstore"
	"github.com/mdouchement/chunkvault/internal/model"
	"github.com/mdouchement/chunkvault/internal/registry"
	"github.com/mdouchement/chunkvault/internal/xerror"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

// DefaultContentType is used when an object is finalized without content type.
const DefaultContentType = "application/octet-stream"

var objectIDRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._~-]{0,254}$`)

// ValidObjectID tells whether id can address an object.
func ValidObjectID(id string) bool {
	return objectIDRE.MatchString(id) && !strings.Contains(id, "..")
}

type (
	// An IngestRequest carries one chunk of an object.
	IngestRequest struct {
		ObjectID            string
		Index               int
		ExpectedTotalChunks int
		Payload             io.Reader
		// Checksum is the optional md5 hex digest of the payload.
		Checksum string
	}

	// A ResumeState lists the chunks already received for an object.
	ResumeState struct {
		Exists          bool  `json:"exists"`
		IsComplete      bool  `json:"is_complete"`
		UploadedIndices []int `json:"uploaded_indices"`
		MissingIndices  []int `json:"missing_indices"`
	}

	// A FinalizeRequest seals an object once all its chunks are stored.
	FinalizeRequest struct {
		ObjectID            string
		Filename            string
		ContentType         string
		ExpectedTotalChunks int
		FinalizedBy         string
	}

	// A FinalizeResult identifies a complete object.
	FinalizeResult struct {
		RetrievalID string `json:"retrieval_id"`
		Filename    string `json:"filename"`
	}
)

// A Coordinator ingests the chunks of objects, answers resume queries and finalizes objects.
// It holds no lock: concurrent ingestions of the same object only meet in the database transactions.
type Coordinator struct {
	logger   logger.Logger
	registry *registry.Registry
	store    *chunkstore.Store
}

// NewCoordinator returns a new Coordinator.
func NewCoordinator(log logger.Logger, registry *registry.Registry, store *chunkstore.Store) *Coordinator {
	return &Coordinator{
		logger:   log.WithPrefix("[coordinator]"),
		registry: registry,
		store:    store,
	}
}

// IngestChunk stores one chunk, creating the object on its first chunk.
// Re-ingesting an index replaces the previous payload.
func (s *Coordinator) IngestChunk(ctx context.Context, req IngestRequest) (*model.Chunk, error) {
	if !ValidObjectID(req.ObjectID) {
		return nil, xerror.New(xerror.Validation, "invalid object id %q", req.ObjectID)
	}
	if req.ExpectedTotalChunks < 1 {
		return nil, xerror.New(xerror.InvalidChunkIndex, "expected total chunks must be positive, got %d", req.ExpectedTotalChunks)
	}
	if req.Index < 0 || req.Index >= req.ExpectedTotalChunks {
		return nil, xerror.New(xerror.InvalidChunkIndex, "chunk index %d out of [0, %d)", req.Index, req.ExpectedTotalChunks)
	}

	object, err := s.registry.CreateOrGet(ctx, req.ObjectID, "", "")
	if err != nil {
		return nil, errors.Wrap(err, "ingest")
	}
	if object.IsComplete {
		return nil, xerror.New(xerror.ImmutableObject, "object %s is complete", req.ObjectID)
	}

	chunk, err := s.store.Put(ctx, req.ObjectID, req.Index, req.Payload, req.Checksum)
	if err != nil {
		return nil, errors.Wrap(err, "ingest")
	}

	s.logger.Debugf("%s: chunk %d/%d stored (%d bytes)", req.ObjectID, req.Index, req.ExpectedTotalChunks, chunk.Size)
	return chunk, nil
}

// ResumeState returns the chunks already stored for the object.
// An unknown object is reported as not existing, not as an error.
func (s *Coordinator) ResumeState(ctx context.Context, objectID string, expectedTotalChunks int) (*ResumeState, error) {
	if !ValidObjectID(objectID) {
		return nil, xerror.New(xerror.Validation, "invalid object id %q", objectID)
	}
	if expectedTotalChunks < 0 {
		return nil, xerror.New(xerror.Validation, "expected total chunks must not be negative, got %d", expectedTotalChunks)
	}

	state := &ResumeState{
		UploadedIndices: []int{},
		MissingIndices:  []int{},
	}

	object, err := s.registry.Get(ctx, objectID)
	if err != nil {
		if xerror.Is(err, xerror.NotFound) {
			return state, nil
		}
		return nil, errors.Wrap(err, "resume")
	}
	state.Exists = true
	state.IsComplete = object.IsComplete

	indices, err := s.store.ListIndices(ctx, objectID)
	if err != nil {
		return nil, errors.Wrap(err, "resume")
	}
	state.UploadedIndices = indices
	state.MissingIndices = Missing(indices, expectedTotalChunks)
	return state, nil
}

// Finalize verifies that all the chunks [0, ExpectedTotalChunks) are stored and seals the object.
// Finalizing a complete object returns the same result again.
func (s *Coordinator) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	switch {
	case !ValidObjectID(req.ObjectID):
		return nil, xerror.New(xerror.FinalizeArgsInvalid, "invalid object id %q", req.ObjectID)
	case strings.TrimSpace(req.Filename) == "":
		return nil, xerror.New(xerror.FinalizeArgsInvalid, "filename is required")
	case req.ExpectedTotalChunks < 1:
		return nil, xerror.New(xerror.FinalizeArgsInvalid, "expected total chunks must be positive, got %d", req.ExpectedTotalChunks)
	}
	if req.ContentType == "" {
		req.ContentType = DefaultContentType
	}

	object, err := s.registry.Get(ctx, req.ObjectID)
	if err != nil {
		return nil, errors.Wrap(err, "finalize")
	}
	if object.IsComplete {
		return &FinalizeResult{RetrievalID: object.ID, Filename: object.Filename}, nil
	}

	// The chunks are read in the completion transaction, a chunk still in flight is reported as missing.
	object, err = s.registry.MarkComplete(ctx, req.ObjectID, func(chunks []*model.Chunk) (registry.Seal, error) {
		indices := make([]int, 0, len(chunks))
		var extra []int
		for _, chunk := range chunks {
			indices = append(indices, chunk.Index)
			if chunk.Index >= req.ExpectedTotalChunks {
				extra = append(extra, chunk.Index)
			}
		}

		if missing := Missing(indices, req.ExpectedTotalChunks); len(missing) > 0 {
			return registry.Seal{}, xerror.Incomplete(req.ObjectID, missing)
		}
		if len(extra) > 0 {
			return registry.Seal{}, xerror.New(xerror.FinalizeArgsInvalid, "object %s stores chunks %v beyond the expected total %d", req.ObjectID, extra, req.ExpectedTotalChunks)
		}

		var length int64
		h := md5.New()
		for _, chunk := range chunks {
			length += chunk.Size
			h.Write([]byte(chunk.Checksum))
		}

		return registry.Seal{
			Filename:    req.Filename,
			ContentType: req.ContentType,
			FinalizedBy: req.FinalizedBy,
			Length:      length,
			ChunkCount:  len(chunks),
			Checksum:    fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(chunks)),
		}, nil
	})
	if xerror.Is(err, xerror.AlreadyComplete) {
		// A concurrent finalize won.
		return &FinalizeResult{RetrievalID: object.ID, Filename: object.Filename}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "finalize")
	}

	s.logger.Infof("%s: finalized as %s (%d chunks, %d bytes)", object.ID, object.Filename, object.ChunkCount, object.DeclaredLength)
	return &FinalizeResult{RetrievalID: object.ID, Filename: object.Filename}, nil
}

// Delete removes the object and all its chunks.
func (s *Coordinator) Delete(ctx context.Context, objectID string) error {
	if !ValidObjectID(objectID) {
		return xerror.New(xerror.Validation, "invalid object id %q", objectID)
	}

	if err := s.store.DeleteObject(ctx, objectID); err != nil {
		return errors.Wrap(err, "delete")
	}

	s.logger.Infof("%s: deleted", objectID)
	return nil
}

// Missing returns the indices of [0, total) absent from the ascending indices.
func Missing(indices []int, total int) []int {
	missing := []int{}

	j := 0
	for i := 0; i < total; i++ {
		for j < len(indices) && indices[j] < i {
			j++
		}
		if j < len(indices) && indices[j] == i {
			continue
		}
		missing = append(missing, i)
	}
	return missing
}
