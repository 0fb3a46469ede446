package service_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/mdouchement/chunkvault/internal/chunkstore"
	"github.com/mdouchement/chunkvault/internal/database"
	"github.com/mdouchement/chunkvault/internal/registry"
	"github.com/mdouchement/chunkvault/internal/storage"
	"github.com/mdouchement/chunkvault/internal/webserver/service"
	"github.com/mdouchement/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db          database.Client
	storage     storage.Backend
	store       *chunkstore.Store
	coordinator *service.Coordinator
	streamer    *service.Streamer
}

func setup(t *testing.T, window int64) *fixture {
	t.Helper()
	return setupWith(t, window, func(db database.Client) database.Client { return db })
}

// setupWith builds a fixture whose services use the database returned by wrap.
func setupWith(t *testing.T, window int64, wrap func(database.Client) database.Client) *fixture {
	t.Helper()

	storm, err := database.StormOpen(filepath.Join(t.TempDir(), "chunkvault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { storm.Close() })
	db := wrap(storm)

	log := logger.WrapLogrus(logrus.New())
	backend := storage.NewFileSystem(t.TempDir())
	store := chunkstore.New(log, db, backend)
	reg := registry.New(db)

	return &fixture{
		db:          db,
		storage:     backend,
		store:       store,
		coordinator: service.NewCoordinator(log, reg, store),
		streamer:    service.NewStreamer(log, reg, store, window),
	}
}

func (f *fixture) ingest(t *testing.T, id string, total int, chunks map[int][]byte) {
	t.Helper()

	for index, chunk := range chunks {
		_, err := f.coordinator.IngestChunk(context.Background(), service.IngestRequest{
			ObjectID:            id,
			Index:               index,
			ExpectedTotalChunks: total,
			Payload:             bytes.NewReader(chunk),
		})
		require.NoError(t, err)
	}
}

func (f *fixture) upload(t *testing.T, id string, chunks ...[]byte) {
	t.Helper()

	m := map[int][]byte{}
	for i, chunk := range chunks {
		m[i] = chunk
	}
	f.ingest(t, id, len(chunks), m)

	_, err := f.coordinator.Finalize(context.Background(), service.FinalizeRequest{
		ObjectID:            id,
		Filename:            id + ".mp4",
		ContentType:         "video/mp4",
		ExpectedTotalChunks: len(chunks),
	})
	require.NoError(t, err)
}

// pattern returns n bytes whose value depends on their absolute offset.
func pattern(offset, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte((offset + i) % 251)
	}
	return p
}
