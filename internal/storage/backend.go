package storage

import (
	"context"
	"io"
)

// Backend is the interface that wraps the basic chunk payload operations.
// Payloads are grouped by bucket, one bucket per stored object.
type Backend interface {
	// Name returns the name of the backend implementation.
	Name() string

	// Reader returns a ReadCloser over length bytes of the payload, starting at offset.
	// A negative length reads until the end of the payload.
	Reader(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)
	// Writer returns a WriteCloser of the payload.
	// The payload is visible once the writer is closed without error.
	Writer(ctx context.Context, bucket, key string) (io.WriteCloser, error)
	// Exist tells whether the payload exists.
	Exist(ctx context.Context, bucket, key string) (bool, error)

	// Remove deletes the given payload.
	Remove(ctx context.Context, bucket, key string) error
	// RemoveAll deletes all the payloads of the bucket.
	RemoveAll(ctx context.Context, bucket string) error
	// Cleanup cleans useless artifacts in storage.
	Cleanup(ctx context.Context) error

	// IsNotExist returns true if err reports a missing payload.
	IsNotExist(err error) bool
}
