package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a dispatch error code.
type ErrorCode string

// Error codes for dispatch operations.
const (
	// Routing errors
	ErrValidation         ErrorCode = "E_VALIDATION"
	ErrNotFound           ErrorCode = "E_NOT_FOUND"
	ErrMethodNotSupported ErrorCode = "E_METHOD_NOT_SUPPORTED"
	ErrUnsupportedTrigger ErrorCode = "E_UNSUPPORTED_TRIGGER"

	// Authorization errors
	ErrAuthorizationDenied ErrorCode = "E_AUTHORIZATION_DENIED"

	// Invocation errors
	ErrRemoteInvocation ErrorCode = "E_REMOTE_INVOCATION"

	// Configuration errors
	ErrConfig ErrorCode = "E_CONFIG"
)

// statusByCode maps error codes to the status used by error envelopes.
var statusByCode = map[ErrorCode]int{
	ErrValidation:          http.StatusBadRequest,
	ErrNotFound:            http.StatusNotFound,
	ErrMethodNotSupported:  http.StatusMethodNotAllowed,
	ErrUnsupportedTrigger:  http.StatusBadRequest,
	ErrAuthorizationDenied: http.StatusForbidden,
	ErrRemoteInvocation:    http.StatusBadGateway,
	ErrConfig:              http.StatusInternalServerError,
}

// DispatchError represents a structured error with code and context.
type DispatchError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code carried by the error.
func (e *DispatchError) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// NewError creates a new DispatchError.
func NewError(code ErrorCode, message string) *DispatchError {
	return &DispatchError{
		Code:    code,
		Message: message,
	}
}

// Errorf creates a new DispatchError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *DispatchError {
	return &DispatchError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails adds details to the error.
func (e *DispatchError) WithDetails(key string, value any) *DispatchError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to the error.
func (e *DispatchError) WithCause(cause error) *DispatchError {
	e.Cause = cause
	return e
}

// Wrap wraps an error with a DispatchError.
func Wrap(code ErrorCode, message string, cause error) *DispatchError {
	return &DispatchError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the error code, or empty when err is not a DispatchError.
func CodeOf(err error) ErrorCode {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsNotFound reports whether err carries the not-found code.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}

// StatusOf returns the status an error envelope should carry: the explicit
// status when the error is typed, 500 otherwise.
func StatusOf(err error) int {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.HTTPStatus()
	}
	return http.StatusInternalServerError
}
