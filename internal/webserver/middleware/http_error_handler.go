package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/chunkvault/internal/webserver/weberror"
	"github.com/mdouchement/logger"
)

// NewHTTPErrorHandler is a middleware that formats rendered errors.
func NewHTTPErrorHandler(log logger.Logger) func(err error, c echo.Context) {
	log = log.WithPrefix("[http]")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			// Headers are gone, the client sees a body shorter than its Content-Length.
			log.Errorf("%s %s: aborted after %d bytes: %s", c.Request().Method, c.Request().URL.Path, c.Response().Size, err)
			return
		}

		code, payload := weberror.Payload(err)
		if code >= http.StatusInternalServerError {
			log.Errorf("%+v", err)
		} else {
			log.Debug(err)
		}

		var err2 error
		if c.Request().Method == http.MethodHead {
			err2 = c.NoContent(code)
		} else {
			err2 = c.JSON(code, payload)
		}
		if err2 != nil {
			log.Errorf("HTTPErrorHandler: %s", err2)
		}
	}
}
