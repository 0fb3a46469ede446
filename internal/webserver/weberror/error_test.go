package weberror_test

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/chunkvault/internal/webserver/weberror"
	"github.com/mdouchement/chunkvault/internal/xerror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPayload(t *testing.T) {
	code, body := weberror.Payload(errors.Wrap(xerror.Incomplete("v1", []int{2}), "finalize"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, []int{2}, body.(*xerror.Error).MissingIndices)

	code, body = weberror.Payload(echo.ErrStatusRequestEntityTooLarge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Equal(t, "VALIDATION", body.(*weberror.Error).Kind)

	code, body = weberror.Payload(weberror.New(http.StatusNotFound, "nope"))
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body.(*weberror.Error).Kind)

	code, _ = weberror.Payload(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, http.StatusInternalServerError, weberror.StatusCode(errors.New("boom")))
}
