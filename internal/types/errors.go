// Package types provides shared types, interfaces, and errors for the gateway.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Operation fabric errors
	ErrTimeout        = errors.New("operation timed out")
	ErrRetryExhausted = errors.New("all retry attempts exhausted")
	ErrCircuitOpen    = errors.New("circuit breaker is open")

	// Auth errors
	ErrAuthRequired = errors.New("authentication token required")
	ErrAuthRejected = errors.New("authentication token rejected")

	// Session errors
	ErrSessionCreateFailed = errors.New("session creation failed")
	ErrSessionUnavailable  = errors.New("session is terminated or not ready")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionUnhealthy    = errors.New("session is unhealthy")

	// Browser errors
	ErrBrowserDisconnected = errors.New("browser disconnected")
	ErrBrowserLaunchFailed = errors.New("browser launch failed")
	ErrCDPChannelBroken    = errors.New("cdp channel is broken")
	ErrNavigationFailed    = errors.New("navigation failed")

	// Channel errors
	ErrChannelClosed = errors.New("client channel is closed")
)

// TimeoutError carries the label of the operation that exceeded its deadline.
type TimeoutError struct {
	Label string
	Err   error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return "timeout: " + e.Label
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a labeled timeout error.
func NewTimeoutError(label string) *TimeoutError {
	return &TimeoutError{Label: label, Err: ErrTimeout}
}

// RetryError wraps the last failure after retries are exhausted.
type RetryError struct {
	Attempts int
	LastErr  error
}

// Error implements the error interface.
func (e *RetryError) Error() string {
	if e.LastErr == nil {
		return ErrRetryExhausted.Error()
	}
	return "retry exhausted after last error: " + e.LastErr.Error()
}

// Unwrap returns ErrRetryExhausted so callers can match with errors.Is.
func (e *RetryError) Unwrap() error {
	return ErrRetryExhausted
}

// SessionCreateError carries the underlying cause of a failed create.
type SessionCreateError struct {
	ClientID string
	Err      error
}

// Error implements the error interface.
func (e *SessionCreateError) Error() string {
	if e.Err == nil {
		return ErrSessionCreateFailed.Error()
	}
	return "session create failed: " + e.Err.Error()
}

// Unwrap returns ErrSessionCreateFailed for errors.Is matching.
func (e *SessionCreateError) Unwrap() error {
	return ErrSessionCreateFailed
}
