// Package types provides shared types, interfaces, and errors for the application.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Extraction outcomes
	ErrExtractionTimeout = errors.New("no manifest request observed before the deadline")

	// Browser lifecycle errors
	ErrCircuitOpen = errors.New("browser circuit breaker is open")
	ErrBrowser     = errors.New("browser failure")
	ErrPoolClosed  = errors.New("extraction pool is closed")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrURLRequired    = errors.New("embedUrl is required")
)

// CircuitOpenError reports an acquisition rejected while the circuit breaker
// is open. RetryAfter is the remaining cool-down.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

// Error implements the error interface. The message carries the remaining
// cool-down in whole seconds, rounded up so "retry in 0s" never appears
// while the circuit is still open.
func (e *CircuitOpenError) Error() string {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	return fmt.Sprintf("browser temporarily unavailable (circuit breaker open, retry in %ds)", secs)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// NewCircuitOpenError creates an error for a breaker-rejected acquisition.
func NewCircuitOpenError(retryAfter time.Duration) *CircuitOpenError {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &CircuitOpenError{RetryAfter: retryAfter}
}

// BrowserError provides detailed information about driver-level failures.
// It implements the error interface and supports error unwrapping.
type BrowserError struct {
	Operation string // The operation that failed: "launch", "new_context", "new_page", "session"
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *BrowserError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *BrowserError) Unwrap() error {
	return e.Err
}

// Is reports ErrBrowser so callers can classify any BrowserError with
// errors.Is regardless of the wrapped cause.
func (e *BrowserError) Is(target error) bool {
	return target == ErrBrowser
}

// NewLaunchError creates an error for browser launch failures.
func NewLaunchError(err error) *BrowserError {
	return &BrowserError{
		Operation: "launch",
		Message:   "failed to launch browser: " + err.Error(),
		Err:       err,
	}
}

// NewContextError creates an error for browser context creation failures.
func NewContextError(err error) *BrowserError {
	return &BrowserError{
		Operation: "new_context",
		Message:   "failed to create browser context: " + err.Error(),
		Err:       err,
	}
}

// NewPageError creates an error for page creation failures.
func NewPageError(err error) *BrowserError {
	return &BrowserError{
		Operation: "new_page",
		Message:   "failed to open page: " + err.Error(),
		Err:       err,
	}
}

// NewDisconnectError creates an error for a browser that died while an
// extraction was still using it.
func NewDisconnectError() *BrowserError {
	return &BrowserError{
		Operation: "session",
		Message:   "browser disconnected mid-extraction",
	}
}
