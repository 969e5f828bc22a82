// Package apierr defines the error taxonomy shared by every component of
// the control plane. Handlers classify errors into one of these kinds
// instead of inspecting raw error strings, the way the teacher's
// pkg/skaffold/errors package turns raw tool output into typed problems.
package apierr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is a closed taxonomy of error categories surfaced to callers.
type Kind int

const (
	// KindUnknown is never returned deliberately; its presence means a
	// caller forgot to classify an error before it escaped.
	KindUnknown Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindValidation
	KindServiceUnavailable
	KindTransient
	KindTooManyRequests
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindValidation:
		return "Validation"
	case KindServiceUnavailable:
		return "ServiceUnavailable"
	case KindTransient:
		return "Transient"
	case KindTooManyRequests:
		return "TooManyRequests"
	default:
		return "Unknown"
	}
}

// HTTPStatus maps a Kind onto the status code the distribution endpoint
// and admin surface use in their responses (spec §7 / §6.1).
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindTransient:
		return http.StatusBadGateway
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a Kind-tagged error. Callers classify with errors.As, the way
// the teacher's errors package matches typed sentinels rather than
// substrings of a wrapped error chain.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the taxonomy category of err, or KindUnknown if err does
// not carry one.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.kind
	}
	return KindUnknown
}

func new_(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to cause, preserving cause for errors.Unwrap/Is/As
// chains (mirrors github.com/pkg/errors.Wrap's cause-preserving style).
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...), cause: cause}
}

func Unauthorized(format string, args ...interface{}) *Error {
	return new_(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return new_(KindForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return new_(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return new_(KindConflict, format, args...)
}

func Validation(format string, args ...interface{}) *Error {
	return new_(KindValidation, format, args...)
}

func ServiceUnavailable(format string, args ...interface{}) *Error {
	return new_(KindServiceUnavailable, format, args...)
}

func Transient(format string, args ...interface{}) *Error {
	return new_(KindTransient, format, args...)
}

func TooManyRequests(format string, args ...interface{}) *Error {
	return new_(KindTooManyRequests, format, args...)
}

// Is reports whether err was constructed with the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
