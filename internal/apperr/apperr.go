// Package apperr defines the coded error taxonomy shared by the router,
// supervisor and session store.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error kind.
type Code string

const (
	// Provider errors
	CodeProviderNotFound    Code = "PROVIDER_NOT_FOUND"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeNoProvider          Code = "NO_PROVIDER_AVAILABLE"
	CodeExhausted           Code = "PROVIDERS_EXHAUSTED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeResumeUnsupported   Code = "RESUME_UNSUPPORTED"

	// Session errors
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeSessionNotActive Code = "SESSION_NOT_ACTIVE"
	CodeNoNativeSession  Code = "NO_NATIVE_SESSION"

	// Process errors
	CodeProcessCrashed   Code = "PROCESS_CRASHED"
	CodeTimeout          Code = "TIMEOUT"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"

	// General errors
	CodePersistence  Code = "PERSISTENCE"
	CodeInvalidInput Code = "INVALID_INPUT"
)

// Error is a structured error with a code and optional context.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps an existing error with a code.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the outermost code in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFallbackable reports whether the router may move on to the next provider.
func IsFallbackable(err error) bool {
	switch CodeOf(err) {
	case CodeProviderUnavailable, CodeRateLimited:
		return true
	}
	return false
}
