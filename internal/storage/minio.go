package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// partSize bounds the memory used by one streamed upload.
// The payload size is unknown upfront so minio-go would otherwise buffer 5TiB/10000 bytes per part.
const partSize = 5 << 20

// MinioConfig holds the settings of an S3 compatible backend.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	PathStyle bool   `yaml:"path_style"`
}

type s3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio returns a new S3 compatible backend.
// All the payloads are stored in the configured bucket, grouped under `prefix/bucket/'.
func NewMinio(cfg MinioConfig) (Backend, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, errors.Wrap(err, "could not create minio client")
	}

	return &s3{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (b *s3) Name() string {
	return "minio"
}

func (b *s3) Reader(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	opts := minio.GetObjectOptions{}
	switch {
	case length > 0:
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			return nil, errors.Wrap(err, "could not set range")
		}
	case offset > 0:
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, errors.Wrap(err, "could not set range")
		}
	}

	// Core performs the ranged request now, so a missing payload is reported before any byte is read.
	// The lazy minio.Object drops the range once stat'ed.
	body, _, _, err := minio.Core{Client: b.client}.GetObject(ctx, b.bucket, b.key(bucket, key), opts)
	if err != nil {
		return nil, errors.Wrap(err, "could not get object")
	}

	if length < 0 {
		return body, nil
	}
	return &limitedBody{
		Reader: io.LimitReader(body, length),
		Closer: body,
	}, nil
}

func (b *s3) Writer(ctx context.Context, bucket, key string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &pipeWriter{
		PipeWriter: pw,
		done:       make(chan error, 1),
	}

	go func() {
		_, err := b.client.PutObject(ctx, b.bucket, b.key(bucket, key), pr, -1, minio.PutObjectOptions{
			ContentType:          "application/octet-stream",
			PartSize:             partSize,
			DisableContentSha256: true,
		})
		pr.CloseWithError(err)
		w.done <- err
	}()

	return w, nil
}

func (b *s3) Exist(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.key(bucket, key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if b.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "could not stat object")
}

func (b *s3) Remove(ctx context.Context, bucket, key string) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.key(bucket, key), minio.RemoveObjectOptions{})
	return errors.Wrap(err, "could not remove object")
}

func (b *s3) RemoveAll(ctx context.Context, bucket string) error {
	objects := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.key(bucket, "") + "/",
		Recursive: true,
	})

	for err := range b.client.RemoveObjects(ctx, b.bucket, objects, minio.RemoveObjectsOptions{}) {
		if err.Err != nil {
			return errors.Wrapf(err.Err, "could not remove %s", err.ObjectName)
		}
	}
	return nil
}

// Cleanup is a no-op, there are no directories in a bucket.
func (b *s3) Cleanup(_ context.Context) error {
	return nil
}

func (b *s3) IsNotExist(err error) bool {
	resp := minio.ToErrorResponse(errors.Cause(err))
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (b *s3) key(bucket, key string) string {
	return path.Join(b.prefix, bucket, key)
}

//
//-----
//

// A limitedBody bounds a response body to the requested length.
type limitedBody struct {
	io.Reader
	io.Closer
}

// A pipeWriter streams to a PutObject running in background.
type pipeWriter struct {
	*io.PipeWriter
	done chan error
}

func (w *pipeWriter) Close() error {
	if err := w.PipeWriter.Close(); err != nil {
		return errors.Wrap(err, "could not close pipe")
	}
	return errors.Wrap(<-w.done, "could not put object")
}
