package webserver

import (
	"encoding/base64"
	"encoding/hex"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/chunkvault/internal/chunkstore"
	"github.com/mdouchement/chunkvault/internal/registry"
	"github.com/mdouchement/chunkvault/internal/webserver/serializer"
	"github.com/mdouchement/chunkvault/internal/webserver/service"
	"github.com/mdouchement/chunkvault/internal/xerror"
	"github.com/mdouchement/chunkvault/internal/xpath"
	"github.com/mdouchement/logger"
)

// Request headers.
const (
	HeaderTotalChunks   = "X-Total-Chunks"
	HeaderChunkChecksum = "X-Chunk-Checksum"
	HeaderFinalizedBy   = "X-Finalized-By"
	HeaderContentMD5    = "Content-MD5"
)

type object struct {
	logger      logger.Logger
	registry    *registry.Registry
	store       *chunkstore.Store
	coordinator *service.Coordinator
	streamer    *service.Streamer
}

type finalizePayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	TotalChunks int    `json:"total_chunks"`
}

func (h *object) Ingest(c echo.Context) error {
	c.Set("handler_method", "object.Ingest")

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return xerror.New(xerror.InvalidChunkIndex, "invalid chunk index %q", c.Param("index"))
	}

	total, err := totalChunks(c)
	if err != nil {
		return err
	}

	sum, err := checksum(c)
	if err != nil {
		return err
	}

	chunk, err := h.coordinator.IngestChunk(c.Request().Context(), service.IngestRequest{
		ObjectID:            xpath.Identifier(c.Param("object")),
		Index:               index,
		ExpectedTotalChunks: total,
		Payload:             c.Request().Body,
		Checksum:            sum,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"accepted": true,
		"index":    chunk.Index,
		"size":     chunk.Size,
		"hash":     chunk.Checksum,
	})
}

func (h *object) Resume(c echo.Context) error {
	c.Set("handler_method", "object.Resume")

	total, err := totalChunks(c)
	if err != nil {
		return err
	}

	state, err := h.coordinator.ResumeState(c.Request().Context(), xpath.Identifier(c.Param("object")), total)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

func (h *object) Finalize(c echo.Context) error {
	c.Set("handler_method", "object.Finalize")

	var payload finalizePayload
	if err := (&echo.DefaultBinder{}).BindBody(c, &payload); err != nil {
		return xerror.New(xerror.FinalizeArgsInvalid, "invalid finalize payload")
	}

	result, err := h.coordinator.Finalize(c.Request().Context(), service.FinalizeRequest{
		ObjectID:            xpath.Identifier(c.Param("object")),
		Filename:            payload.Filename,
		ContentType:         payload.ContentType,
		ExpectedTotalChunks: payload.TotalChunks,
		FinalizedBy:         c.Request().Header.Get(HeaderFinalizedBy),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *object) Meta(c echo.Context) error {
	c.Set("handler_method", "object.Meta")

	ctx := c.Request().Context()
	id := xpath.Identifier(c.Param("object"))

	object, err := h.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	chunks, err := h.store.Chunks(ctx, id)
	if err != nil {
		return err
	}

	m := serializer.Object(object)
	m["stored_chunks"] = serializer.Chunks(chunks)
	return c.JSON(http.StatusOK, m)
}

func (h *object) Show(c echo.Context) error {
	c.Set("handler_method", "object.Show")
	return h.serve(c, false)
}

func (h *object) Download(c echo.Context) error {
	c.Set("handler_method", "object.Download")
	return h.serve(c, true)
}

func (h *object) Delete(c echo.Context) error {
	c.Set("handler_method", "object.Delete")

	err := h.coordinator.Delete(c.Request().Context(), xpath.Identifier(c.Param("object")))
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *object) serve(c echo.Context, withBody bool) error {
	ctx := c.Request().Context()
	id := xpath.Identifier(c.Param("object"))

	stream, err := h.streamer.Open(ctx, id, c.Request().Header.Get("Range"), withBody)
	if err != nil {
		if xerror.Is(err, xerror.RangeNotSatisfiable) {
			if object, err2 := h.streamer.Resolve(ctx, id); err2 == nil {
				c.Response().Header().Set("Content-Range", "bytes */"+strconv.FormatInt(object.DeclaredLength, 10))
			}
		}
		return err
	}
	if stream.Body != nil {
		defer stream.Body.Close()
	}

	header := c.Response().Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set(echo.HeaderContentLength, strconv.FormatInt(stream.ContentLength(), 10))
	header.Set("Etag", `"`+stream.Object.Checksum+`"`)
	header.Set(echo.HeaderLastModified, stream.Object.FinalizedAt.UTC().Format(http.TimeFormat))
	header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if disposition := mime.FormatMediaType("inline", map[string]string{"filename": stream.Object.Filename}); disposition != "" {
		header.Set(echo.HeaderContentDisposition, disposition)
	}

	status := http.StatusOK
	if stream.Partial {
		status = http.StatusPartialContent
		header.Set("Content-Range", stream.ContentRange())
	}

	if !withBody {
		header.Set(echo.HeaderContentType, stream.Object.ContentType)
		return c.NoContent(status)
	}
	return c.Stream(status, stream.Object.ContentType, stream.Body)
}

// checksum returns the optional md5 hex digest announced for the chunk payload.
// Content-MD5 carries the base64 of the raw digest (RFC 1864).
func checksum(c echo.Context) (string, error) {
	if v := c.Request().Header.Get(HeaderChunkChecksum); v != "" {
		return v, nil
	}

	v := c.Request().Header.Get(HeaderContentMD5)
	if v == "" {
		return "", nil
	}

	digest, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(digest) != 16 {
		return "", xerror.New(xerror.Validation, "invalid %s %q", HeaderContentMD5, v)
	}
	return hex.EncodeToString(digest), nil
}

func totalChunks(c echo.Context) (int, error) {
	value := c.Request().Header.Get(HeaderTotalChunks)
	if value == "" {
		value = c.QueryParam("total")
	}

	total, err := strconv.Atoi(value)
	if err != nil {
		return 0, xerror.New(xerror.Validation, "invalid total chunks %q", value)
	}
	return total, nil
}
