package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes carried by ErrorEnvelope.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrCorrupt         = "CORRUPT"
	ErrUpstreamFailure = "UPSTREAM_FAILURE"
	ErrInternalError   = "INTERNAL_ERROR"
)

var codeStatus = map[string]int{
	ErrBadRequest:      http.StatusBadRequest,
	ErrUnauthorized:    http.StatusUnauthorized,
	ErrForbidden:       http.StatusForbidden,
	ErrNotFound:        http.StatusNotFound,
	ErrConflict:        http.StatusConflict,
	ErrValidationError: http.StatusUnprocessableEntity,
	ErrUpstreamFailure: http.StatusBadGateway,
}

// ErrorEnvelope is the error body every endpoint answers with. It is also
// the error value passed between packages, so a code survives wrapping.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`

	// Set on UPSTREAM_FAILURE when the internal API answered, so its
	// response can be relayed unchanged.
	UpstreamStatus int    `json:"-"`
	UpstreamBody   []byte `json:"-"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// HTTPStatus is the status an envelope is served with. Unknown codes are
// a 500.
func (e *ErrorEnvelope) HTTPStatus() int {
	if s, ok := codeStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FieldError is one rejected form field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope finds the envelope in err's chain. Any other error is reported
// as INTERNAL_ERROR so its text never reaches a client.
func AsEnvelope(err error) *ErrorEnvelope {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}
	return NewInternalError()
}

// CodeOf returns the code of err, or "" for a nil error.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return AsEnvelope(err).Code
}

func coded(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return coded(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return coded(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return coded(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return coded(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return coded(ErrConflict, msg) }

// NewCorruptError reports a stored document that cannot be decoded.
func NewCorruptError(msg string) *ErrorEnvelope { return coded(ErrCorrupt, msg) }

// NewValidationError carries the per-field failures of a form submission.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	env := coded(ErrValidationError, "One or more fields are invalid")
	env.Details = details
	return env
}

// NewUpstreamError wraps an internal API failure. status 0 means no
// response was received at all.
func NewUpstreamError(status int, body []byte) *ErrorEnvelope {
	env := coded(ErrUpstreamFailure, "The internal API request failed")
	if status > 0 {
		env.Message = fmt.Sprintf("The internal API responded with status %d", status)
		env.UpstreamStatus, env.UpstreamBody = status, body
	}
	return env
}

// NewInternalError hides an unexpected failure behind a fixed message.
func NewInternalError() *ErrorEnvelope {
	return coded(ErrInternalError, "An unexpected error occurred")
}
