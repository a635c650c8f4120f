package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an API error. User mistakes (validation, not-found,
// conflict, missing prerequisite) map to 4xx; everything else is a
// system failure and maps to 5xx.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// Error is a structured API error. The message is returned verbatim in
// the response envelope, so it must be safe to show to the operator.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// StatusCode returns the HTTP status for the error kind.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithCause attaches the underlying error for errors.Is/As chains while
// keeping the outward message unchanged.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(resource string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

func NewUnauthorizedError(message string) *Error {
	if message == "" {
		message = "authentication required"
	}
	return &Error{Kind: KindUnauthorized, Message: message}
}

func NewForbiddenError(message string) *Error {
	if message == "" {
		message = "access denied"
	}
	return &Error{Kind: KindForbidden, Message: message}
}

func NewConflictError(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NewUnavailableError(message string) *Error {
	if message == "" {
		message = "service temporarily unavailable"
	}
	return &Error{Kind: KindUnavailable, Message: message}
}

func NewInternalError(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// Status resolves any error to an HTTP status and a presentable message.
// Typed errors keep their kind; everything else becomes a 500 with the
// error text passed through, which is where captured runtime/git/build
// output surfaces.
func Status(err error) (int, string) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode(), apiErr.Message
	}
	return http.StatusInternalServerError, err.Error()
}
