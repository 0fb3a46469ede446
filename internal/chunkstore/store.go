// Package chunkstore persists the chunks of the stored objects.
//
// Chunk records (index, size, checksum, payload key) live in the database while the
// payload bytes live in a storage backend. A chunk is written under a fresh payload key
// and its record is swapped in a single transaction, so re-putting an index replaces the
// previous bytes instead of appending to them.
package chunkstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/mdouchement/chunkvault/internal/database"
	"github.com/mdouchement/chunkvault/internal/model"
	"github.com/mdouchement/chunkvault/internal/storage"
	"github.com/mdouchement/chunkvault/internal/xerror"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

// A Store handles the chunks of the stored objects.
type Store struct {
	logger   logger.Logger
	database database.Client
	storage  storage.Backend
}

// New returns a new Store.
func New(log logger.Logger, database database.Client, storage storage.Backend) *Store {
	return &Store{
		logger:   log.WithPrefix("[chunkstore]"),
		database: database,
		storage:  storage,
	}
}

// Put persists the chunk at index of the given object.
// When checksum is not empty, it must match the md5 of the payload.
func (s *Store) Put(ctx context.Context, objectID string, index int, payload io.Reader, checksum string) (*model.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunk := &model.Chunk{
		ObjectID: objectID,
		Index:    index,
		Key:      fmt.Sprintf("%08d.%s", index, uuid.Must(uuid.NewV4())),
	}

	wc, err := s.storage.Writer(ctx, objectID, chunk.Key)
	if err != nil {
		return nil, errors.Wrap(err, "chunkstore put")
	}

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(h, wc), payload)
	if err != nil {
		wc.Close()
		s.discard(objectID, chunk.Key)
		return nil, errors.Wrap(err, "chunkstore put: payload")
	}
	if err = wc.Close(); err != nil {
		s.discard(objectID, chunk.Key)
		return nil, errors.Wrap(err, "chunkstore put: payload")
	}

	chunk.Size = n
	chunk.Checksum = hex.EncodeToString(h.Sum(nil))

	if checksum != "" && !strings.EqualFold(checksum, chunk.Checksum) {
		s.discard(objectID, chunk.Key)
		return nil, xerror.New(xerror.Validation, "chunk %d checksum mismatch: got %s, expected %s", index, chunk.Checksum, checksum)
	}

	previous, err := s.database.ReplaceChunk(chunk)
	if err != nil {
		s.discard(objectID, chunk.Key)

		switch {
		case err == database.ErrSealed:
			return nil, xerror.New(xerror.ImmutableObject, "object %s is complete", objectID)
		case s.database.IsNotFound(err):
			return nil, xerror.New(xerror.NotFound, "object %s not found", objectID)
		}
		return nil, errors.Wrap(err, "chunkstore put")
	}

	if previous != nil && previous.Key != chunk.Key {
		s.discard(objectID, previous.Key)
	}
	return chunk, nil
}

// Get returns the payload of the chunk at index.
func (s *Store) Get(ctx context.Context, objectID string, index int) (io.ReadCloser, *model.Chunk, error) {
	chunk, err := s.database.FindChunk(objectID, index)
	if err != nil {
		if s.database.IsNotFound(err) {
			return nil, nil, xerror.New(xerror.NotFound, "chunk %d of object %s not found", index, objectID)
		}
		return nil, nil, errors.Wrap(err, "chunkstore get")
	}

	r, err := s.storage.Reader(ctx, objectID, chunk.Key, 0, -1)
	if err != nil {
		if s.storage.IsNotExist(err) {
			return nil, nil, xerror.New(xerror.NotFound, "payload of chunk %d of object %s not found", index, objectID)
		}
		return nil, nil, errors.Wrap(err, "chunkstore get")
	}
	return r, chunk, nil
}

// ListIndices returns the ascending indices of the chunks currently stored for the object.
func (s *Store) ListIndices(ctx context.Context, objectID string) ([]int, error) {
	chunks, err := s.Chunks(ctx, objectID)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(chunks))
	for _, chunk := range chunks {
		indices = append(indices, chunk.Index)
	}
	return indices, nil
}

// TotalStoredLength returns the sum of the sizes of the chunks stored for the object.
func (s *Store) TotalStoredLength(ctx context.Context, objectID string) (int64, error) {
	chunks, err := s.Chunks(ctx, objectID)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, chunk := range chunks {
		n += chunk.Size
	}
	return n, nil
}

// DeleteObject removes the object metadata, all its chunk records and their payloads.
func (s *Store) DeleteObject(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chunks, err := s.database.DeleteObject(objectID)
	if err != nil {
		if s.database.IsNotFound(err) {
			return xerror.New(xerror.NotFound, "object %s not found", objectID)
		}
		return errors.Wrap(err, "chunkstore delete")
	}

	err = s.storage.RemoveAll(ctx, objectID)
	if err != nil {
		return errors.Wrap(err, "chunkstore delete")
	}

	s.logger.Debugf("deleted %s with %d chunk(s)", objectID, len(chunks))
	return nil
}

// Chunks returns the chunk records of the object ordered by index.
func (s *Store) Chunks(ctx context.Context, objectID string) ([]*model.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunks, err := s.database.FindChunksByObjectID(objectID)
	return chunks, errors.Wrap(err, "chunkstore")
}

// discard removes a payload that is not referenced by any chunk record.
func (s *Store) discard(objectID, key string) {
	// The request context may already be done.
	if err := s.storage.Remove(context.Background(), objectID, key); err != nil {
		s.logger.Errorf("could not discard %s/%s: %s", objectID, key, err)
	}
}
