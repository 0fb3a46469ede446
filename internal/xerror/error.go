// Package xerror defines the structured errors returned by the storage subsystem.
// Callers act on the Kind and MissingIndices fields, never on the message.
package xerror

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// A Kind classifies an error.
type Kind string

// Error kinds.
const (
	Validation               Kind = "VALIDATION"
	InvalidChunkIndex        Kind = "INVALID_CHUNK_INDEX"
	FinalizeArgsInvalid      Kind = "FINALIZE_ARGS_INVALID"
	NotFound                 Kind = "NOT_FOUND"
	IncompleteUpload         Kind = "INCOMPLETE_UPLOAD"
	ImmutableObject          Kind = "IMMUTABLE_OBJECT"
	AlreadyComplete          Kind = "ALREADY_COMPLETE"
	RangeNotSatisfiable      Kind = "RANGE_NOT_SATISFIABLE"
	PartialObjectUnavailable Kind = "PARTIAL_OBJECT_UNAVAILABLE"
	StreamIntegrity          Kind = "STREAM_INTEGRITY"
	Internal                 Kind = "INTERNAL"
)

var codes = map[Kind]int{
	Validation:               http.StatusBadRequest,
	InvalidChunkIndex:        http.StatusBadRequest,
	FinalizeArgsInvalid:      http.StatusBadRequest,
	NotFound:                 http.StatusNotFound,
	IncompleteUpload:         http.StatusConflict,
	ImmutableObject:          http.StatusConflict,
	AlreadyComplete:          http.StatusConflict,
	RangeNotSatisfiable:      http.StatusRequestedRangeNotSatisfiable,
	PartialObjectUnavailable: http.StatusInternalServerError,
	StreamIntegrity:          http.StatusInternalServerError,
	Internal:                 http.StatusInternalServerError,
}

// Error is a structured error.
type Error struct {
	Kind           Kind   `json:"kind"`
	Detail         string `json:"detail"`
	MissingIndices []int  `json:"missing_indices,omitempty"`
}

// New returns a new Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Incomplete returns an IncompleteUpload error listing the indices still expected.
func Incomplete(objectID string, missing []int) *Error {
	return &Error{
		Kind:           IncompleteUpload,
		Detail:         fmt.Sprintf("object %s is missing %d chunk(s)", objectID, len(missing)),
		MissingIndices: missing,
	}
}

// Unavailable returns a PartialObjectUnavailable error listing the absent indices.
func Unavailable(objectID string, missing []int) *Error {
	return &Error{
		Kind:           PartialObjectUnavailable,
		Detail:         fmt.Sprintf("object %s has no chunk(s) %v in the requested range", objectID, missing),
		MissingIndices: missing,
	}
}

// Error stringifies the error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// HTTPCode returns the HTTP status code matching the error's kind.
func (e *Error) HTTPCode() int {
	if code, ok := codes[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Temporary reports whether the caller can act on the error and retry.
func (e *Error) Temporary() bool {
	return e.Kind == IncompleteUpload
}

// As returns the first *Error found in err's chain.
func As(err error) (*Error, bool) {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or Internal when err is not structured.
func KindOf(err error) Kind {
	if xerr, ok := As(err); ok {
		return xerr.Kind
	}
	return Internal
}

// Is reports whether err is a structured error of the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
