package storage

import (
	"context"
	"io"
	fspkg "io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const partialSuffix = ".part"

type fs struct {
	workspace string
}

// NewFileSystem returns a new File System backend.
func NewFileSystem(workspace string) Backend {
	return &fs{
		workspace: workspace,
	}
}

func (b *fs) Name() string {
	return "file_system"
}

func (b *fs) Reader(_ context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(b.path(bucket, key))
	if err != nil {
		return nil, errors.Wrap(err, "could not open file")
	}

	if offset > 0 {
		if _, err = f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "could not seek file")
		}
	}

	if length < 0 {
		return f, nil
	}
	return &section{
		r: io.LimitReader(f, length),
		f: f,
	}, nil
}

func (b *fs) Writer(_ context.Context, bucket, key string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Join(b.workspace, bucket), 0755); err != nil {
		return nil, errors.Wrap(err, "could not create bucket directory")
	}

	filename := b.path(bucket, key)
	f, err := os.Create(filename + partialSuffix)
	if os.IsNotExist(err) {
		// The bucket directory was pruned by a concurrent Cleanup.
		if err = os.MkdirAll(filepath.Join(b.workspace, bucket), 0755); err == nil {
			f, err = os.Create(filename + partialSuffix)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not create file")
	}

	return &atomicFile{
		File:     f,
		filename: filename,
	}, nil
}

func (b *fs) Exist(_ context.Context, bucket, key string) (bool, error) {
	_, err := os.Stat(b.path(bucket, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "could not stat file")
}

func (b *fs) Remove(_ context.Context, bucket, key string) error {
	err := os.Remove(b.path(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "could not delete file")
	}
	return nil
}

func (b *fs) RemoveAll(_ context.Context, bucket string) error {
	err := os.RemoveAll(filepath.Join(b.workspace, bucket))
	if err != nil {
		return errors.Wrap(err, "could not delete bucket")
	}
	return nil
}

func (b *fs) Cleanup(ctx context.Context) error {
	// Find empty directories.
	//
	stats := map[string]int{}
	err := filepath.Walk(b.workspace, func(path string, info fspkg.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if info.IsDir() {
			if path == b.workspace {
				return nil
			}
			stats[path] += 0
			return nil
		}

		if strings.HasSuffix(path, ".DS_Store") {
			return nil
		}

		trimmedpath := strings.Replace(path, b.workspace, "", 1)
		base := b.workspace

		for _, segment := range strings.Split(filepath.Dir(trimmedpath), string(os.PathSeparator)) {
			base = filepath.Join(base, segment)
			if base == b.workspace || !strings.HasPrefix(base, b.workspace) {
				continue
			}
			stats[base]++
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "cleanup")
	}

	// Remove empty directories.
	//
	for dirname, count := range stats {
		if count == 0 {
			os.Remove(dirname)
		}
	}
	return nil
}

func (b *fs) IsNotExist(err error) bool {
	return os.IsNotExist(errors.Cause(err))
}

func (b *fs) path(bucket, key string) string {
	return filepath.Join(b.workspace, bucket, key)
}

//
//-----
//

// A section reads a bounded part of an opened file.
type section struct {
	r io.Reader
	f *os.File
}

func (s *section) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *section) Close() error {
	return s.f.Close()
}

// An atomicFile is renamed to its final name once successfully closed.
type atomicFile struct {
	*os.File
	filename string
}

func (f *atomicFile) Close() error {
	if err := f.File.Sync(); err != nil {
		f.File.Close()
		os.Remove(f.File.Name())
		return errors.Wrap(err, "could not sync file")
	}

	if err := f.File.Close(); err != nil {
		os.Remove(f.File.Name())
		return errors.Wrap(err, "could not close file")
	}

	return errors.Wrap(os.Rename(f.File.Name(), f.filename), "could not rename file")
}
