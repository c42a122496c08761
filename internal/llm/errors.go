package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrModelInvocationFailed is returned by [RetryClient] when a model
// call fails permanently: either the error was not transient, or every
// attempt failed. It is fatal to the agent run.
type ErrModelInvocationFailed struct {
	Model    string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ErrModelInvocationFailed) Error() string {
	return fmt.Sprintf("model %q invocation failed after %d attempt(s): %v", e.Model, e.Attempts, e.Err)
}

// Unwrap returns the last underlying provider error.
func (e *ErrModelInvocationFailed) Unwrap() error { return e.Err }

// ProviderError annotates a provider failure with the HTTP status the
// provider reported, when there was one.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether retrying the request may succeed.
func (e *ProviderError) Transient() bool {
	if e.StatusCode > 0 {
		return transientStatus(e.StatusCode)
	}
	return transientNetwork(e.Err)
}

// IsTransient reports whether err is worth retrying: rate limits,
// timeouts, server errors and dropped connections. Authorization and
// validation failures, and caller cancellation, are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return transientNetwork(err)
}

func transientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

func transientNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
