package chunkstore

import (
	"context"
	"io"
	"sort"

	"github.com/mdouchement/chunkvault/internal/model"
	"github.com/mdouchement/chunkvault/internal/storage"
	"github.com/mdouchement/chunkvault/internal/xerror"
	"github.com/pkg/errors"
)

// A segment is the part of a chunk covered by a range.
type segment struct {
	chunk  *model.Chunk
	offset int64
	length int64
}

// GetRange returns a reader over the logical bytes [start, end] of the object, crossing chunk boundaries.
// The chunks covering the range are checked before anything is read and payloads are opened one at a time.
// The reader stops as soon as ctx is done.
func (s *Store) GetRange(ctx context.Context, objectID string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, xerror.New(xerror.Validation, "invalid range %d-%d", start, end)
	}

	chunks, err := s.Chunks(ctx, objectID)
	if err != nil {
		return nil, err
	}

	segments, missing, covered := plan(chunks, start, end)
	if !covered {
		if len(missing) > 0 {
			return nil, xerror.Unavailable(objectID, missing)
		}

		object, missing, err := s.trailing(objectID, chunks)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, xerror.Unavailable(objectID, missing)
		}

		// Every expected chunk is stored but they are shorter than the range.
		var stored int64
		for _, chunk := range chunks {
			stored += chunk.Size
		}
		return nil, xerror.New(xerror.StreamIntegrity, "object %s stores %d bytes, %d declared, range ends at %d", objectID, stored, object.DeclaredLength, end)
	}

	r := &reader{
		ctx:      ctx,
		storage:  s.storage,
		objectID: objectID,
		segments: segments,
	}

	// Opening the first payload now reports a missing payload before any byte is served.
	if err = r.next(); err != nil {
		return nil, err
	}
	return r, nil
}

// Verify checks that the chunks of a complete object are contiguous, sum up to its declared length and that every payload exists.
func (s *Store) Verify(ctx context.Context, object *model.StoredObject) error {
	chunks, err := s.Chunks(ctx, object.ID)
	if err != nil {
		return err
	}

	var missing []int
	var length int64
	present := make(map[int]bool, len(chunks))
	for _, chunk := range chunks {
		present[chunk.Index] = true
		length += chunk.Size

		ok, err := s.storage.Exist(ctx, object.ID, chunk.Key)
		if err != nil {
			return errors.Wrap(err, "chunkstore verify")
		}
		if !ok {
			missing = append(missing, chunk.Index)
		}
	}
	for i := 0; i < object.ChunkCount; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}

	if len(missing) > 0 {
		sort.Ints(missing)
		return &xerror.Error{
			Kind:           xerror.StreamIntegrity,
			Detail:         "object " + object.ID + " has missing chunk(s)",
			MissingIndices: missing,
		}
	}
	if length != object.DeclaredLength {
		return xerror.New(xerror.StreamIntegrity, "object %s stores %d bytes, %d declared", object.ID, length, object.DeclaredLength)
	}
	return nil
}

// plan computes the segments covering [start, end].
// Since offsets are only known up to the first gap, a gap located before end makes the range unavailable.
func plan(chunks []*model.Chunk, start, end int64) (segments []segment, missing []int, covered bool) {
	var offset int64
	expected := 0

	for _, chunk := range chunks {
		if chunk.Index != expected {
			for i := expected; i < chunk.Index; i++ {
				missing = append(missing, i)
			}
			return nil, missing, false
		}
		expected++

		first, last := offset, offset+chunk.Size-1
		offset += chunk.Size

		if chunk.Size == 0 || last < start {
			continue
		}
		if first > end {
			break
		}

		seg := segment{chunk: chunk}
		if start > first {
			seg.offset = start - first
		}
		seg.length = min(last, end) - first - seg.offset + 1
		segments = append(segments, seg)

		if last >= end {
			return segments, nil, true
		}
	}

	return nil, nil, false
}

// trailing returns the object and the indices it expects after the last stored chunk.
func (s *Store) trailing(objectID string, chunks []*model.Chunk) (*model.StoredObject, []int, error) {
	object, err := s.database.FindObject(objectID)
	if err != nil {
		if s.database.IsNotFound(err) {
			return nil, nil, xerror.New(xerror.NotFound, "object %s not found", objectID)
		}
		return nil, nil, errors.Wrap(err, "chunkstore range")
	}

	next := 0
	if len(chunks) > 0 {
		next = chunks[len(chunks)-1].Index + 1
	}

	var missing []int
	for i := next; i < object.ChunkCount; i++ {
		missing = append(missing, i)
	}
	return object, missing, nil
}

//
//-----
//

// A reader lazily reads the segments of a range.
type reader struct {
	ctx      context.Context
	storage  storage.Backend
	objectID string
	segments []segment

	current   io.ReadCloser
	index     int
	remaining int64
}

func (r *reader) Read(p []byte) (int, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			r.Close()
			return 0, err
		}

		if r.current == nil {
			if len(r.segments) == 0 {
				return 0, io.EOF
			}
			if err := r.next(); err != nil {
				return 0, err
			}
		}

		if len(p) == 0 {
			return 0, nil
		}

		n, err := r.current.Read(p)
		r.remaining -= int64(n)

		if err == io.EOF {
			r.current.Close()
			r.current = nil

			if r.remaining > 0 {
				return n, xerror.New(xerror.StreamIntegrity, "payload of chunk %d of object %s is truncated", r.index, r.objectID)
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *reader) Close() error {
	r.segments = nil
	if r.current == nil {
		return nil
	}

	err := r.current.Close()
	r.current = nil
	return err
}

func (r *reader) next() error {
	seg := r.segments[0]
	r.segments = r.segments[1:]

	rc, err := r.storage.Reader(r.ctx, r.objectID, seg.chunk.Key, seg.offset, seg.length)
	if err != nil {
		r.Close()
		if r.storage.IsNotExist(err) {
			return &xerror.Error{
				Kind:           xerror.PartialObjectUnavailable,
				Detail:         "payload of chunk is missing for object " + r.objectID,
				MissingIndices: []int{seg.chunk.Index},
			}
		}
		return errors.Wrap(err, "chunkstore range")
	}

	r.current = rc
	r.index = seg.chunk.Index
	r.remaining = seg.length
	return nil
}
