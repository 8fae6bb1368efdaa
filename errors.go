package kodama

import (
	"errors"
	"net/http"
	"strings"
)

// Error is the typed pipeline error. Handlers return it (or wrap it) to
// control the status and class the boundary resolves; any other error
// falls through to the built-in policy table. Detail is written to the
// client for 4xx; 5xx details are always redacted to the status text.
type Error struct {
	Status int    // HTTP status the boundary writes
	Class  string // error class recorded on the span and failure log
	Detail string // client-safe detail for 4xx responses
	Err    error  // wrapped cause, logged server-side only
}

func (e *Error) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Class
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed error with an explicit status and class.
func NewError(status int, class, detail string) *Error {
	return &Error{Status: status, Class: class, Detail: detail}
}

// Validation marks a request as failed input validation: resolved to 400
// and counted in the validation-error metric. Offending field names, when
// given, are appended to the client detail.
func Validation(detail string, fields ...string) *Error {
	if len(fields) > 0 {
		detail += ": " + strings.Join(fields, ", ")
	}
	return &Error{Status: http.StatusBadRequest, Class: ClassValidation, Detail: detail}
}

// NotFound resolves to 404 for a missing resource.
func NotFound(resource string) *Error {
	return &Error{Status: http.StatusNotFound, Class: ClassNotFound, Detail: resource + " not found"}
}

// Conflict resolves to 409.
func Conflict(detail string) *Error {
	return &Error{Status: http.StatusConflict, Class: ClassConflict, Detail: detail}
}

// Internal wraps an unexpected failure: 500 with a generic client detail,
// full cause in the server-side log.
func Internal(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Class: ClassInternal, Err: err}
}

// AsError extracts a typed *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr, true
	}
	return nil, false
}
