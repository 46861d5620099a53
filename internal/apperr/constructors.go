package apperr

import (
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ProviderNotFound creates an error for an unregistered provider name.
func ProviderNotFound(name string) *Error {
	return New(CodeProviderNotFound, fmt.Sprintf("provider '%s' is not registered", name)).
		WithDetail("provider", name)
}

// ProviderUnavailable creates an error for a registered provider that cannot run.
func ProviderUnavailable(name, reason string) *Error {
	return New(CodeProviderUnavailable, fmt.Sprintf("provider '%s' unavailable: %s", name, reason)).
		WithDetail("provider", name)
}

// NoProviderAvailable creates an error listing every registered provider.
func NoProviderAvailable(registered []string) *Error {
	return New(CodeNoProvider,
		fmt.Sprintf("no provider available (registered: %s)", strings.Join(registered, ", "))).
		WithDetail("registered", registered)
}

// Exhausted creates the terminal fallback error.
func Exhausted(tried []string, last error) *Error {
	return Wrap(last, CodeExhausted,
		fmt.Sprintf("all providers exhausted (tried: %s)", strings.Join(tried, ", "))).
		WithDetail("tried", tried)
}

// RateLimited creates an error for provider-side throttling.
func RateLimited(name string) *Error {
	return New(CodeRateLimited, fmt.Sprintf("provider '%s' is rate limited", name)).
		WithDetail("provider", name)
}

// ResumeUnsupported creates an error for providers without resume support.
func ResumeUnsupported(name string) *Error {
	return New(CodeResumeUnsupported, fmt.Sprintf("provider '%s' does not support resume", name)).
		WithDetail("provider", name)
}

// SessionNotFound creates an error for an unknown session id.
func SessionNotFound(id string) *Error {
	return New(CodeSessionNotFound, fmt.Sprintf("session '%s' not found", id)).
		WithDetail("session", id)
}

// SessionNotActive creates an error for a session with no live process.
func SessionNotActive(id string) *Error {
	return New(CodeSessionNotActive, fmt.Sprintf("session '%s' has no running process", id)).
		WithDetail("session", id)
}

// NoNativeSession creates an error for a session lacking a resume token.
func NoNativeSession(id string) *Error {
	return New(CodeNoNativeSession, fmt.Sprintf("session '%s' has no native session id", id)).
		WithDetail("session", id)
}

// ProcessCrashed creates an error for a subprocess that could not run to completion.
func ProcessCrashed(id string, err error) *Error {
	e := Wrap(err, CodeProcessCrashed, fmt.Sprintf("process for session '%s' crashed", id)).
		WithDetail("session", id)
	if exitErr, ok := err.(*exec.ExitError); ok {
		e = e.WithDetail("exitCode", exitErr.ExitCode())
	}
	return e
}

// Timeout creates an error for an expired wait deadline.
func Timeout(id string, after time.Duration) *Error {
	return New(CodeTimeout, fmt.Sprintf("session '%s' did not finish within %s", id, after)).
		WithDetail("session", id).
		WithDetail("timeout", after.String())
}

// CapacityExceeded creates an error for a full process table.
func CapacityExceeded(limit int) *Error {
	return New(CodeCapacityExceeded, fmt.Sprintf("concurrency limit of %d processes reached", limit)).
		WithDetail("limit", limit)
}

// Persistence wraps a storage failure for the named operation.
func Persistence(op string, err error) *Error {
	return Wrap(err, CodePersistence, fmt.Sprintf("store %s failed", op)).
		WithDetail("op", op)
}

// InvalidInput creates an error for rejected caller input.
func InvalidInput(reason string) *Error {
	return New(CodeInvalidInput, reason)
}
