package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrValidationError = "VALIDATION_ERROR"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrForbidden       = "FORBIDDEN"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrInvalidState  = "INVALID_STATE"
	ErrHandlerFailed = "HANDLER_FAILED"
)

// ErrorEnvelope is the single error shape surfaced by the engine to its
// callers. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewInvalidStateError returns an INVALID_STATE error. It is raised when an
// operation is attempted on an object whose current status forbids it.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(msg string, details ...FieldError) *ErrorEnvelope {
	if msg == "" {
		msg = "One or more fields are invalid"
	}
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: msg,
		Details: details,
	}
}

// NewUnknownHandlerError returns a VALIDATION_ERROR for a handler name that
// has no registration.
func NewUnknownHandlerError(name string) *ErrorEnvelope {
	return NewValidationError(
		fmt.Sprintf("handler %q is not registered", name),
		FieldError{Field: "handler", Code: "UNKNOWN_HANDLER", Message: name},
	)
}

// NewHandlerFailedError returns a HANDLER_FAILED error wrapping the message of
// the underlying handler failure.
func NewHandlerFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrHandlerFailed, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
