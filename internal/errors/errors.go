package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of request failure.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST" // 400
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"    // 401
	ErrNotFound       ErrorCode = "NOT_FOUND"       // 404
	ErrConflict       ErrorCode = "CONFLICT"        // 409
	ErrInternal       ErrorCode = "INTERNAL"        // 500
)

// GleanError is an error with a code and HTTP status.
type GleanError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *GleanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *GleanError) Unwrap() error {
	return e.Err
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *GleanError {
	return &GleanError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewMissingField creates a 400 error naming the missing field.
func NewMissingField(field string) *GleanError {
	return &GleanError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: fmt.Sprintf("%s is required", field),
		Details: map[string]any{"field": field},
	}
}

// NewUnauthorized creates a 401 error.
func NewUnauthorized(msg string) *GleanError {
	return &GleanError{
		Code:    ErrUnauthorized,
		Status:  401,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing resource.
func NewNotFound(kind, identifier string) *GleanError {
	return &GleanError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewConflict creates a 409 error.
func NewConflict(msg string) *GleanError {
	return &GleanError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewInternal creates a 500 error wrapping err.
func NewInternal(err error) *GleanError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &GleanError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// Is checks if err is, or wraps, a GleanError with the given code.
func Is(err error, code ErrorCode) bool {
	var gErr *GleanError
	if stderrors.As(err, &gErr) {
		return gErr.Code == code
	}
	return false
}

// From returns err as a GleanError, wrapping unknown errors as internal.
func From(err error) *GleanError {
	var gErr *GleanError
	if stderrors.As(err, &gErr) {
		return gErr
	}
	return NewInternal(err)
}
