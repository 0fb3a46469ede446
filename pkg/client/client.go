// Package client implements a resumable uploader and a range reader for chunkvault servers.
package client

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Defaults used by Upload.
const (
	DefaultChunkSize   int64 = 5 << 20
	DefaultConcurrency       = 4
)

type (
	// A Client talks to a chunkvault server.
	Client struct {
		endpoint    string
		http        *retryablehttp.Client
		finalizedBy string
	}

	// An Option configures a Client.
	Option func(*Client)

	// UploadInput describes an object to upload.
	UploadInput struct {
		ObjectID    string
		Filename    string
		ContentType string
		Reader      io.ReaderAt
		Size        int64
		// ChunkSize defaults to DefaultChunkSize.
		ChunkSize int64
		// Concurrency defaults to DefaultConcurrency.
		Concurrency int
	}

	// ResumeState lists the chunks already stored by the server.
	ResumeState struct {
		Exists          bool  `json:"exists"`
		IsComplete      bool  `json:"is_complete"`
		UploadedIndices []int `json:"uploaded_indices"`
		MissingIndices  []int `json:"missing_indices"`
	}

	// FinalizeResult is returned by a successful upload.
	FinalizeResult struct {
		RetrievalID string `json:"retrieval_id"`
		Filename    string `json:"filename"`
	}

	// A Range is a partial or full object read.
	Range struct {
		Body        io.ReadCloser
		ContentType string
		Partial     bool
		Start       int64
		End         int64
		Total       int64
	}

	// An Error is returned when the server rejects a request.
	Error struct {
		StatusCode     int    `json:"-"`
		Kind           string `json:"kind"`
		Detail         string `json:"detail"`
		MissingIndices []int  `json:"missing_indices"`
	}
)

// WithHTTPClient sets the underlying retryable client.
func WithHTTPClient(c *retryablehttp.Client) Option {
	return func(client *Client) {
		client.http = c
	}
}

// WithLogger logs the retried requests.
func WithLogger(log logger.Logger) Option {
	return func(client *Client) {
		client.http.Logger = &leveled{log: log.WithPrefix("[client]")}
	}
}

// WithFinalizedBy sets the identity recorded on finalized objects.
func WithFinalizedBy(who string) Option {
	return func(client *Client) {
		client.finalizedBy = who
	}
}

// New returns a new Client for the given server URL.
func New(endpoint string, options ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil

	c := &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		http:     rc,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Upload sends the missing chunks of the object in parallel then finalizes it.
// Chunks already stored by a previous attempt are skipped.
// When the server still reports missing chunks, they are sent once more before a last finalize.
func (c *Client) Upload(ctx context.Context, in UploadInput) (*FinalizeResult, error) {
	if in.ChunkSize <= 0 {
		in.ChunkSize = DefaultChunkSize
	}
	if in.Concurrency <= 0 {
		in.Concurrency = DefaultConcurrency
	}

	total := int((in.Size + in.ChunkSize - 1) / in.ChunkSize)
	if total == 0 {
		total = 1 // An empty object is made of one empty chunk.
	}

	state, err := c.Resume(ctx, in.ObjectID, total)
	if err != nil {
		return nil, err
	}
	if state.IsComplete {
		return c.Finalize(ctx, in.ObjectID, in.Filename, in.ContentType, total)
	}

	missing := state.MissingIndices
	if !state.Exists {
		missing = make([]int, total)
		for i := range missing {
			missing[i] = i
		}
	}

	for attempt := 0; ; attempt++ {
		if err = c.send(ctx, in, total, missing); err != nil {
			return nil, err
		}

		result, err := c.Finalize(ctx, in.ObjectID, in.Filename, in.ContentType, total)
		if err == nil {
			return result, nil
		}

		var rerr *Error
		if attempt > 0 || !errors.As(err, &rerr) || rerr.Kind != "INCOMPLETE_UPLOAD" {
			return nil, err
		}
		missing = rerr.MissingIndices
	}
}

func (c *Client) send(ctx context.Context, in UploadInput, total int, indices []int) error {
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan int)

	g.Go(func() error {
		defer close(queue)
		for _, index := range indices {
			select {
			case queue <- index:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < in.Concurrency; i++ {
		g.Go(func() error {
			for index := range queue {
				offset := int64(index) * in.ChunkSize
				size := in.ChunkSize
				if offset+size > in.Size {
					size = in.Size - offset
				}

				payload := make([]byte, size)
				if _, err := in.Reader.ReadAt(payload, offset); err != nil && err != io.EOF {
					return errors.Wrapf(err, "could not read chunk %d", index)
				}

				if err := c.PutChunk(ctx, in.ObjectID, index, total, payload); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// Resume returns the chunks already stored for the object.
func (c *Client) Resume(ctx context.Context, id string, total int) (*ResumeState, error) {
	req, err := c.request(ctx, http.MethodGet, c.url(id, "chunks")+"?total="+strconv.Itoa(total), nil)
	if err != nil {
		return nil, err
	}

	var state ResumeState
	return &state, c.json(req, http.StatusOK, &state)
}

// PutChunk sends one chunk payload.
func (c *Client) PutChunk(ctx context.Context, id string, index, total int, payload []byte) error {
	req, err := c.request(ctx, http.MethodPut, c.url(id, "chunks", strconv.Itoa(index)), payload)
	if err != nil {
		return err
	}

	sum := md5.Sum(payload)
	req.Header.Set("X-Total-Chunks", strconv.Itoa(total))
	req.Header.Set("X-Chunk-Checksum", hex.EncodeToString(sum[:]))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(payload))

	return c.json(req, http.StatusCreated, nil)
}

// Finalize seals the object once all its chunks are stored.
func (c *Client) Finalize(ctx context.Context, id, filename, contentType string, total int) (*FinalizeResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"filename":     filename,
		"content_type": contentType,
		"total_chunks": total,
	})
	if err != nil {
		return nil, err
	}

	req, err := c.request(ctx, http.MethodPost, c.url(id, "finalize"), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.finalizedBy != "" {
		req.Header.Set("X-Finalized-By", c.finalizedBy)
	}

	var result FinalizeResult
	return &result, c.json(req, http.StatusOK, &result)
}

// ReadRange reads the bytes [start, end] of the object.
// A negative end reads up to the end of the object. The server may serve fewer bytes than requested.
func (c *Client) ReadRange(ctx context.Context, id string, start, end int64) (*Range, error) {
	req, err := c.request(ctx, http.MethodGet, c.url(id), nil)
	if err != nil {
		return nil, err
	}

	header := fmt.Sprintf("bytes=%d-", start)
	if end >= 0 {
		header += strconv.FormatInt(end, 10)
	}
	req.Header.Set("Range", header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "read range")
	}

	r := &Range{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		r.Partial = true
		r.Start, r.End, r.Total, err = ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
	case http.StatusOK:
		r.Total = resp.ContentLength
		r.End = r.Total - 1
	default:
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	return r, nil
}

// Delete removes the object and its chunks.
func (c *Client) Delete(ctx context.Context, id string) error {
	req, err := c.request(ctx, http.MethodDelete, c.url(id), nil)
	if err != nil {
		return err
	}
	return c.json(req, http.StatusNoContent, nil)
}

// ParseContentRange parses a `bytes start-end/total' header.
func ParseContentRange(header string) (start, end, total int64, err error) {
	_, err = fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "invalid content range %q", header)
	}
	return start, end, total, nil
}

//
//
//

func (c *Client) url(id string, segments ...string) string {
	u := c.endpoint + "/v1/objects/" + url.PathEscape(id)
	for _, segment := range segments {
		u += "/" + segment
	}
	return u
}

func (c *Client) request(ctx context.Context, method, url string, body []byte) (*retryablehttp.Request, error) {
	var payload interface{}
	if body != nil {
		payload = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, payload)
	return req, errors.Wrap(err, "could not create request")
}

func (c *Client) json(req *retryablehttp.Request, status int, v interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != status {
		return decodeError(resp)
	}
	if v == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(v), "could not decode response")
}

func decodeError(resp *http.Response) error {
	rerr := &Error{
		StatusCode: resp.StatusCode,
	}
	if err := json.NewDecoder(resp.Body).Decode(rerr); err != nil || rerr.Kind == "" {
		rerr.Kind = "UNKNOWN"
		rerr.Detail = http.StatusText(resp.StatusCode)
	}
	return rerr
}

// Error stringifies the error.
func (e *Error) Error() string {
	if len(e.MissingIndices) > 0 {
		return fmt.Sprintf("[%d] %s: %s %v", e.StatusCode, e.Kind, e.Detail, e.MissingIndices)
	}
	return fmt.Sprintf("[%d] %s: %s", e.StatusCode, e.Kind, e.Detail)
}

// leveled adapts a logger.Logger to retryablehttp.LeveledLogger.
type leveled struct {
	log logger.Logger
}

func (l *leveled) Error(msg string, kv ...interface{}) { l.log.Error(format(msg, kv)) }
func (l *leveled) Info(msg string, kv ...interface{})  { l.log.Info(format(msg, kv)) }
func (l *leveled) Debug(msg string, kv ...interface{}) { l.log.Debug(format(msg, kv)) }
func (l *leveled) Warn(msg string, kv ...interface{})  { l.log.Warn(format(msg, kv)) }

func format(msg string, kv []interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
