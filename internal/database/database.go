package database

import (
	"github.com/mdouchement/chunkvault/internal/model"
	"github.com/pkg/errors"
)

var (
	// ErrSealed is returned when a chunk is written on a complete object.
	ErrSealed = errors.New("object is sealed")
	// ErrAlreadyComplete is returned when an object is completed twice.
	ErrAlreadyComplete = errors.New("object is already complete")
)

type (
	// A Client can interacts with the database.
	Client interface {
		// Save inserts or updates the entry in database with the given model.
		Save(m model.Model) error
		// Delete deletes the entry in database with the given model.
		Delete(m model.Model) error
		// Close the database.
		Close() error
		// IsNotFound returns true if err is a not found error.
		IsNotFound(err error) bool

		ObjectInteraction
		ChunkInteraction
	}

	// An ObjectInteraction defines all the methods used to interact with a stored object record.
	ObjectInteraction interface {
		AllObjects() ([]*model.StoredObject, error)
		FindObject(id string) (*model.StoredObject, error)
		// FindCompleteObjectsByFilename returns the complete objects whose filename matches the given regexp.
		FindCompleteObjectsByFilename(pattern string) ([]*model.StoredObject, error)
		// CreateObject saves o unless a record with the same ID exists.
		// It returns the persisted record and whether it has been created.
		CreateObject(o *model.StoredObject) (*model.StoredObject, bool, error)
		// CompleteObject flips the completion flag after fn has filled the sealed fields.
		// fn receives the chunks of the object, ordered by index, read in the same transaction.
		// It fails with ErrAlreadyComplete, alongside the stored record, when the object is already complete.
		CompleteObject(id string, fn func(o *model.StoredObject, chunks []*model.Chunk) error) (*model.StoredObject, error)
		// DeleteObject removes the object and all its chunk records, returning the removed chunks.
		DeleteObject(id string) ([]*model.Chunk, error)
	}

	// A ChunkInteraction defines all the methods used to interact with a chunk record.
	ChunkInteraction interface {
		// FindChunksByObjectID returns the chunks of an object ordered by index.
		FindChunksByObjectID(id string) ([]*model.Chunk, error)
		FindChunk(objectID string, index int) (*model.Chunk, error)
		// ReplaceChunk persists c in place of the record with the same index, returning the replaced one (if any).
		// It fails with ErrSealed when the owning object is complete.
		ReplaceChunk(c *model.Chunk) (*model.Chunk, error)
	}
)
