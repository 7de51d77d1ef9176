// Package errors provides the coded error type shared by every layer of the
// service. Repositories and services return *Error values; handlers map the
// code to a transport status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and transports.
type Code string

const (
	ErrCodeInvalidInput     Code = "INVALID_INPUT"
	ErrCodeNotFound         Code = "NOT_FOUND"
	ErrCodeForbidden        Code = "FORBIDDEN"
	ErrCodeConflict         Code = "CONFLICT"
	ErrCodeInvalidState     Code = "INVALID_STATE"
	ErrCodeNotAnApprover    Code = "NOT_AN_APPROVER"
	ErrCodeAlreadyDecided   Code = "ALREADY_DECIDED"
	ErrCodeNotYourTurn      Code = "NOT_YOUR_TURN"
	ErrCodeNoMatchingRule   Code = "NO_MATCHING_RULE"
	ErrCodeAmbiguousRule    Code = "AMBIGUOUS_RULE"
	ErrCodeNoApprover       Code = "NO_APPROVER"
	ErrCodeVersionConflict  Code = "VERSION_CONFLICT"
	ErrCodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	ErrCodeInternal         Code = "INTERNAL"
)

// Error is a coded application error.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: fmt.Sprintf("%s: %s", field, message)}
}

// StoreUnavailable wraps an infrastructure failure of the record store.
func StoreUnavailable(err error) *Error {
	return &Error{Code: ErrCodeStoreUnavailable, Message: "record store unavailable", Err: err}
}

// VersionConflict reports a lost optimistic-concurrency race on a record.
func VersionConflict(resource, id string) *Error {
	return &Error{Code: ErrCodeVersionConflict, Message: fmt.Sprintf("%s %q was modified concurrently", resource, id)}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// As exposes errors.As so callers need not import both packages.
func As(err error, target any) bool { return stderrors.As(err, target) }

// IsTransient reports whether retrying the same call with fresh state may succeed.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrCodeVersionConflict, ErrCodeStoreUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeForbidden, ErrCodeNotAnApprover:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeInvalidState, ErrCodeAlreadyDecided,
		ErrCodeNotYourTurn, ErrCodeVersionConflict:
		return http.StatusConflict
	case ErrCodeAmbiguousRule, ErrCodeNoApprover:
		return http.StatusUnprocessableEntity
	case ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
