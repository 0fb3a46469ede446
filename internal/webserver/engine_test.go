package webserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mdouchement/chunkvault/internal/database"
	"github.com/mdouchement/chunkvault/internal/storage"
	"github.com/mdouchement/chunkvault/internal/webserver"
	"github.com/mdouchement/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, window int64) *httptest.Server {
	t.Helper()

	db, err := database.StormOpen(filepath.Join(t.TempDir(), "chunkvault.db"))
	require.NoError(t, err)

	server := httptest.NewServer(webserver.EchoEngine(webserver.Controller{
		Version:      "test",
		Logger:       logger.WrapLogrus(logrus.New()),
		Database:     db,
		Storage:      storage.NewFileSystem(t.TempDir()),
		Window:       window,
		MaxChunkSize: 64 << 10,
	}))

	t.Cleanup(func() {
		server.Close()
		db.Close()
	})
	return server
}

func do(t *testing.T, method, url string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()

	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func put(t *testing.T, base, id string, index, total int, payload string) *http.Response {
	t.Helper()

	url := fmt.Sprintf("%s/v1/objects/%s/chunks/%d", base, id, index)
	return do(t, http.MethodPut, url, strings.NewReader(payload), map[string]string{
		webserver.HeaderTotalChunks: fmt.Sprint(total),
	})
}

func finalize(t *testing.T, base, id string, total int) *http.Response {
	t.Helper()

	body := fmt.Sprintf(`{"filename":"%s.mp4","content_type":"video/mp4","total_chunks":%d}`, id, total)
	return do(t, http.MethodPost, base+"/v1/objects/"+id+"/finalize", strings.NewReader(body), map[string]string{
		"Content-Type":              "application/json",
		webserver.HeaderFinalizedBy: "instructor-42",
	})
}

func TestVersion(t *testing.T) {
	server := setup(t, 0)

	resp := do(t, http.MethodGet, server.URL+"/", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", decode(t, resp)["version"])
}

func TestUploadAndStream(t *testing.T) {
	server := setup(t, 8)

	chunks := []string{"hello ", "chunked ", "world"}
	for i := len(chunks) - 1; i >= 0; i-- {
		resp := put(t, server.URL, "v1", i, len(chunks), chunks[i])
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		m := decode(t, resp)
		assert.Equal(t, true, m["accepted"])
		assert.EqualValues(t, i, m["index"])
		assert.EqualValues(t, len(chunks[i]), m["size"])
	}

	resp := do(t, http.MethodGet, server.URL+"/v1/objects/v1/chunks?total=3", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode(t, resp)
	assert.Equal(t, true, m["exists"])
	assert.Equal(t, false, m["is_complete"])
	assert.Equal(t, []interface{}{0.0, 1.0, 2.0}, m["uploaded_indices"])
	assert.Equal(t, []interface{}{}, m["missing_indices"])

	resp = finalize(t, server.URL, "v1", 3)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v1", decode(t, resp)["retrieval_id"])

	// Full read
	resp = do(t, http.MethodGet, server.URL+"/v1/objects/v1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "19", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
	etag := resp.Header.Get("Etag")
	assert.Regexp(t, `^"[0-9a-f]{32}-3"$`, etag)
	p, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello chunked world", string(p))

	// Clamped ranged read
	resp = do(t, http.MethodGet, server.URL+"/v1/objects/v1", nil, map[string]string{"Range": "bytes=3-"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 3-10/19", resp.Header.Get("Content-Range"))
	assert.Equal(t, "8", resp.Header.Get("Content-Length"))
	p, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "lo chunk", string(p))

	// Header only
	resp = do(t, http.MethodHead, server.URL+"/v1/objects/v1", nil, map[string]string{"Range": "bytes=0-1"})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, etag, resp.Header.Get("Etag"))
	assert.Equal(t, "bytes 0-1/19", resp.Header.Get("Content-Range"))

	// Unsatisfiable
	resp = do(t, http.MethodGet, server.URL+"/v1/objects/v1", nil, map[string]string{"Range": "bytes=19-"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */19", resp.Header.Get("Content-Range"))

	// Metadata
	resp = do(t, http.MethodGet, server.URL+"/v1/objects/v1/meta", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m = decode(t, resp)
	assert.Equal(t, "instructor-42", m["finalized_by"])
	assert.EqualValues(t, 19, m["bytes"])
	assert.Len(t, m["stored_chunks"], 3)
}

func TestFinalizeIncomplete(t *testing.T) {
	server := setup(t, 0)

	put(t, server.URL, "v1", 0, 4, "a")
	put(t, server.URL, "v1", 2, 4, "c")

	resp := finalize(t, server.URL, "v1", 4)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	m := decode(t, resp)
	assert.Equal(t, "INCOMPLETE_UPLOAD", m["kind"])
	assert.Equal(t, []interface{}{1.0, 3.0}, m["missing_indices"])

	resp = do(t, http.MethodGet, server.URL+"/v1/objects/v1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestErrors(t *testing.T) {
	server := setup(t, 0)

	resp := put(t, server.URL, "v1", 5, 2, "x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_CHUNK_INDEX", decode(t, resp)["kind"])

	resp = do(t, http.MethodPut, server.URL+"/v1/objects/v1/chunks/0", strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = put(t, server.URL, "v1", 0, 1, strings.Repeat("x", 128<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	put(t, server.URL, "v2", 0, 1, "abc")
	finalize(t, server.URL, "v2", 1)
	resp = put(t, server.URL, "v2", 0, 1, "zzz")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "IMMUTABLE_OBJECT", decode(t, resp)["kind"])
}

func TestIngestChecksum(t *testing.T) {
	server := setup(t, 0)
	url := server.URL + "/v1/objects/v1/chunks/0"

	// Content-MD5 is the base64 of the raw digest.
	resp := do(t, http.MethodPut, url, strings.NewReader("hello"), map[string]string{
		webserver.HeaderTotalChunks: "1",
		webserver.HeaderContentMD5:  "XUFAKrxLKna5cZ2REBfFkg==",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", decode(t, resp)["hash"])

	resp = do(t, http.MethodPut, url, strings.NewReader("hello"), map[string]string{
		webserver.HeaderTotalChunks: "1",
		webserver.HeaderContentMD5:  "fXkwN6B2AYZXSwKC8vQ15w==", // md5 of "world"
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", decode(t, resp)["kind"])

	resp = do(t, http.MethodPut, url, strings.NewReader("hello"), map[string]string{
		webserver.HeaderTotalChunks: "1",
		webserver.HeaderContentMD5:  "5d41402abc4b2a76b9719d911017c592",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", decode(t, resp)["kind"])

	resp = do(t, http.MethodPut, url, strings.NewReader("hello"), map[string]string{
		webserver.HeaderTotalChunks:   "1",
		webserver.HeaderChunkChecksum: "5D41402ABC4B2A76B9719D911017C592",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestDelete(t *testing.T) {
	server := setup(t, 0)

	put(t, server.URL, "v1", 0, 1, "abc")
	finalize(t, server.URL, "v1", 1)

	resp := do(t, http.MethodDelete, server.URL+"/v1/objects/v1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, server.URL+"/v1/objects/v1/chunks?total=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decode(t, resp)["exists"])

	resp = do(t, http.MethodDelete, server.URL+"/v1/objects/v1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, server.URL+"/v1/objects/v1", bytes.NewReader(nil), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
