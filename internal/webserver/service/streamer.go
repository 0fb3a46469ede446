package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mdouchement/chunkvault/internal/chunkstore"
	"github.com/mdouchement/chunkvault/internal/model"
	"github.com/mdouchement/chunkvault/internal/registry"
	"github.com/mdouchement/chunkvault/internal/xerror"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

// DefaultWindow is the default maximum number of bytes served by one response.
const DefaultWindow int64 = 10 << 20

// A Stream is the result of a read request on an object.
type Stream struct {
	Object  *model.StoredObject
	Partial bool
	Start   int64
	End     int64
	// Body is nil for header only requests.
	Body io.ReadCloser
}

// Total returns the length of the whole object.
func (s *Stream) Total() int64 {
	return s.Object.DeclaredLength
}

// ContentLength returns the number of bytes served.
func (s *Stream) ContentLength() int64 {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start + 1
}

// ContentRange returns the Content-Range header value of a partial stream.
func (s *Stream) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", s.Start, s.End, s.Total())
}

// A Streamer serves full or ranged reads of complete objects without buffering them.
type Streamer struct {
	logger   logger.Logger
	registry *registry.Registry
	store    *chunkstore.Store
	window   int64
}

// NewStreamer returns a new Streamer.
// A ranged read never serves more than window bytes.
func NewStreamer(log logger.Logger, registry *registry.Registry, store *chunkstore.Store, window int64) *Streamer {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Streamer{
		logger:   log.WithPrefix("[streamer]"),
		registry: registry,
		store:    store,
		window:   window,
	}
}

// Resolve returns the complete object addressed by id.
// When no object has this id, the single best filename match is used instead.
func (s *Streamer) Resolve(ctx context.Context, id string) (*model.StoredObject, error) {
	object, err := s.registry.Get(ctx, id)
	if xerror.Is(err, xerror.NotFound) {
		object, err = s.registry.Search(ctx, id)
		if err == nil {
			s.logger.Debugf("%q resolved to %s (%s)", id, object.ID, object.Filename)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve")
	}

	if !object.IsComplete {
		return nil, xerror.New(xerror.NotFound, "object %s is not finalized", object.ID)
	}
	return object, nil
}

// Open resolves the object and prepares the stream matching the optional range header.
// The body is only opened when withBody is true; the caller must close it.
func (s *Streamer) Open(ctx context.Context, id, rangeHeader string, withBody bool) (*Stream, error) {
	object, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	total := object.DeclaredLength
	stream := &Stream{
		Object: object,
		Start:  0,
		End:    total - 1,
	}

	if start, end, ok := ParseRange(rangeHeader); ok {
		if start >= total {
			return nil, xerror.New(xerror.RangeNotSatisfiable, "range starts at %d, object %s has %d bytes", start, object.ID, total)
		}
		if end < 0 || end > total-1 {
			end = total - 1
		}
		if end-start+1 > s.window {
			end = start + s.window - 1
		}

		stream.Partial = true
		stream.Start = start
		stream.End = end
	}

	if !withBody {
		return stream, nil
	}

	if stream.ContentLength() == 0 {
		stream.Body = io.NopCloser(bytes.NewReader(nil))
		return stream, nil
	}

	stream.Body, err = s.store.GetRange(ctx, object.ID, stream.Start, stream.End)
	if err != nil {
		xerr, ok := xerror.As(err)
		switch {
		case ok && xerr.Kind == xerror.PartialObjectUnavailable:
			s.logger.Errorf("%s: complete object has missing chunk(s) %v in bytes %d-%d", object.ID, xerr.MissingIndices, stream.Start, stream.End)
			return nil, &xerror.Error{
				Kind:           xerror.StreamIntegrity,
				Detail:         xerr.Detail,
				MissingIndices: xerr.MissingIndices,
			}
		case ok && xerr.Kind == xerror.StreamIntegrity:
			s.logger.Errorf("%s: %s", object.ID, xerr.Detail)
		}
		return nil, errors.Wrap(err, "stream")
	}
	return stream, nil
}

// ParseRange parses a `bytes=start-end' header where end is optional.
// A missing end is returned as -1. Malformed headers are reported with ok set to false.
func ParseRange(header string) (start, end int64, ok bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false
	}

	value := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if strings.Contains(value, ",") {
		return 0, 0, false
	}

	parts := strings.SplitN(value, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}

	if strings.TrimSpace(parts[1]) == "" {
		return start, -1, true
	}

	end, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}
