package weberror

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/chunkvault/internal/xerror"
)

type (
	// HTTPCoder interface is implemented by application errors.
	HTTPCoder interface {
		// HTTPCode return the HTTP status code for the given error.
		HTTPCode() int
	}

	// Error is the payload rendered in case of transport error.
	Error struct {
		Code    int    `json:"-"`
		Kind    string `json:"kind"`
		Message string `json:"detail"`
	}
)

// StatusCode the know HTTP status for the given err. If unknown, it returns 500.
func StatusCode(err error) int {
	if xerr, ok := xerror.As(err); ok {
		return xerr.HTTPCode()
	}
	if hc, ok := err.(HTTPCoder); ok {
		return hc.HTTPCode()
	}
	return http.StatusInternalServerError
}

// New returns a new Error.
func New(code int, message string) error {
	return &Error{
		Code:    code,
		Kind:    kind(code),
		Message: message,
	}
}

// Payload returns the status code and the body rendered for err.
// Structured errors are rendered as is so clients can act on their kind and missing indices.
func Payload(err error) (int, interface{}) {
	if xerr, ok := xerror.As(err); ok {
		return xerr.HTTPCode(), xerr
	}

	switch err := err.(type) {
	case *Error:
		return err.Code, err
	case *echo.HTTPError:
		return err.Code, New(err.Code, fmt.Sprint(err.Message))
	default:
		return http.StatusInternalServerError, New(http.StatusInternalServerError, err.Error())
	}
}

// Error stringifies the error.
func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// HTTPCode returns the HTTP status code.
func (e *Error) HTTPCode() int {
	return e.Code
}

func kind(code int) string {
	switch {
	case code == http.StatusNotFound:
		return string(xerror.NotFound)
	case code < http.StatusInternalServerError:
		return string(xerror.Validation)
	default:
		return string(xerror.Internal)
	}
}
