package chunkstore_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mdouchement/chunkvault/internal/chunkstore"
	"github.com/mdouchement/chunkvault/internal/database"
	"github.com/mdouchement/chunkvault/internal/model"
	"github.com/mdouchement/chunkvault/internal/storage"
	"github.com/mdouchement/chunkvault/internal/xerror"
	"github.com/mdouchement/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	workspace string
	db        database.Client
	storage   storage.Backend
	store     *chunkstore.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := database.StormOpen(filepath.Join(t.TempDir(), "chunkvault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	workspace := t.TempDir()
	backend := storage.NewFileSystem(workspace)
	return &fixture{
		workspace: workspace,
		db:        db,
		storage:   backend,
		store:     chunkstore.New(logger.WrapLogrus(logrus.New()), db, backend),
	}
}

func (f *fixture) object(t *testing.T, id string, chunks ...string) {
	t.Helper()

	_, _, err := f.db.CreateObject(&model.StoredObject{Base: model.Base{ID: id}})
	require.NoError(t, err)

	for i, chunk := range chunks {
		_, err := f.store.Put(context.Background(), id, i, strings.NewReader(chunk), "")
		require.NoError(t, err)
	}
}

func readRange(t *testing.T, store *chunkstore.Store, id string, start, end int64) string {
	t.Helper()

	r, err := store.GetRange(context.Background(), id, start, end)
	require.NoError(t, err)
	defer r.Close()

	p, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(p)
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.object(t, "v1", "aaa", "bbbb")

	chunk, err := f.store.Put(ctx, "v1", 1, strings.NewReader("cc"), "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), chunk.Size)

	indices, err := f.store.ListIndices(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, indices)

	n, err := f.store.TotalStoredLength(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	r, stored, err := f.store.Get(ctx, "v1", 1)
	require.NoError(t, err)
	defer r.Close()
	p, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "cc", string(p))
	assert.Equal(t, chunk.Key, stored.Key)

	// The replaced payload is gone.
	filenames, err := filepath.Glob(filepath.Join(f.workspace, "v1", "*"))
	require.NoError(t, err)
	assert.Len(t, filenames, 2)
}

func TestPutChecksum(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.object(t, "v1")

	sum := md5.Sum([]byte("payload"))
	_, err := f.store.Put(ctx, "v1", 0, strings.NewReader("payload"), hex.EncodeToString(sum[:]))
	assert.NoError(t, err)

	_, err = f.store.Put(ctx, "v1", 1, strings.NewReader("payload"), "deadbeef")
	assert.True(t, xerror.Is(err, xerror.Validation))

	indices, err := f.store.ListIndices(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices)
}

func TestPutOnCompleteObject(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.object(t, "v1", "a")

	_, err := f.db.CompleteObject("v1", func(o *model.StoredObject, _ []*model.Chunk) error { return nil })
	require.NoError(t, err)

	_, err = f.store.Put(ctx, "v1", 0, strings.NewReader("b"), "")
	assert.True(t, xerror.Is(err, xerror.ImmutableObject))

	_, err = f.store.Put(ctx, "unknown", 0, strings.NewReader("b"), "")
	assert.True(t, xerror.Is(err, xerror.NotFound))
}

func TestGetNotFound(t *testing.T) {
	f := setup(t)
	f.object(t, "v1", "a")

	_, _, err := f.store.Get(context.Background(), "v1", 3)
	assert.True(t, xerror.Is(err, xerror.NotFound))
}

func TestGetRange(t *testing.T) {
	f := setup(t)
	f.object(t, "v1", "01234", "", "56789", "abc")

	tests := []struct {
		start, end int64
		expected   string
	}{
		{0, 12, "0123456789abc"},
		{0, 0, "0"},
		{3, 6, "3456"},
		{5, 9, "56789"},
		{4, 10, "456789a"},
		{12, 12, "c"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, readRange(t, f.store, "v1", tt.start, tt.end), "%d-%d", tt.start, tt.end)
	}
}

func TestGetRangeMissingChunk(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.object(t, "v1", "01234")

	_, err := f.store.Put(ctx, "v1", 3, strings.NewReader("xyz"), "")
	require.NoError(t, err)

	// Bytes of chunk 0 are still reachable.
	assert.Equal(t, "1234", readRange(t, f.store, "v1", 1, 4))

	_, err = f.store.GetRange(ctx, "v1", 2, 6)
	require.True(t, xerror.Is(err, xerror.PartialObjectUnavailable))
	xerr, _ := xerror.As(err)
	assert.Equal(t, []int{1, 2}, xerr.MissingIndices)
}

func TestGetRangeShortChunks(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.object(t, "v1", "ab", "cd")

	_, err := f.db.CompleteObject("v1", func(o *model.StoredObject, _ []*model.Chunk) error {
		o.ChunkCount = 2
		o.DeclaredLength = 6
		return nil
	})
	require.NoError(t, err)

	_, err = f.store.GetRange(ctx, "v1", 0, 5)
	require.True(t, xerror.Is(err, xerror.StreamIntegrity), "%v", err)
	xerr, _ := xerror.As(err)
	assert.Empty(t, xerr.MissingIndices)
	assert.Contains(t, xerr.Detail, "stores 4 bytes, 6 declared")

	// Stored bytes stay readable.
	assert.Equal(t, "d", readRange(t, f.store, "v1", 3, 3))
}

func TestGetRangeMissingTrailingChunk(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.object(t, "v1", "ab")

	_, err := f.db.CompleteObject("v1", func(o *model.StoredObject, _ []*model.Chunk) error {
		o.ChunkCount = 2
		o.DeclaredLength = 4
		return nil
	})
	require.NoError(t, err)

	_, err = f.store.GetRange(ctx, "v1", 0, 3)
	require.True(t, xerror.Is(err, xerror.PartialObjectUnavailable))
	xerr, _ := xerror.As(err)
	assert.Equal(t, []int{1}, xerr.MissingIndices)
}

func TestGetRangeMissingPayload(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.object(t, "v1", "01234")

	chunk, err := f.db.FindChunk("v1", 0)
	require.NoError(t, err)
	require.NoError(t, f.storage.Remove(ctx, "v1", chunk.Key))

	_, err = f.store.GetRange(ctx, "v1", 0, 4)
	assert.True(t, xerror.Is(err, xerror.PartialObjectUnavailable))
}

func TestGetRangeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := setup(t)
	f.object(t, "v1", "01234", "56789")

	r, err := f.store.GetRange(ctx, "v1", 0, 9)
	require.NoError(t, err)
	defer r.Close()

	p := make([]byte, 2)
	_, err = io.ReadFull(r, p)
	require.NoError(t, err)

	cancel()
	_, err = r.Read(p)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeleteObject(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.object(t, "v1", "a", "b")

	require.NoError(t, f.store.DeleteObject(ctx, "v1"))

	indices, err := f.store.ListIndices(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, indices)

	err = f.store.DeleteObject(ctx, "v1")
	assert.True(t, xerror.Is(err, xerror.NotFound))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.object(t, "v1", "ab", "cd")

	object, err := f.db.CompleteObject("v1", func(o *model.StoredObject, _ []*model.Chunk) error {
		o.ChunkCount = 2
		o.DeclaredLength = 4
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, f.store.Verify(ctx, object))

	chunk, err := f.db.FindChunk("v1", 1)
	require.NoError(t, err)
	require.NoError(t, f.storage.Remove(ctx, "v1", chunk.Key))

	err = f.store.Verify(ctx, object)
	require.True(t, xerror.Is(err, xerror.StreamIntegrity))
	xerr, _ := xerror.As(err)
	assert.Equal(t, []int{1}, xerr.MissingIndices)
}

func TestGetRangeIsLazy(t *testing.T) {
	f := setup(t)
	chunks := make([]string, 8)
	for i := range chunks {
		chunks[i] = strings.Repeat(string(rune('a'+i)), 1024)
	}
	f.object(t, "v1", chunks...)

	r, err := f.store.GetRange(context.Background(), "v1", 1000, 8*1024-1)
	require.NoError(t, err)
	defer r.Close()

	var buf bytes.Buffer
	n, err := io.CopyBuffer(&buf, r, make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, int64(8*1024-1000), n)
	assert.Equal(t, strings.Join(chunks, "")[1000:], buf.String())
}
