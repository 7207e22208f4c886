// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrBrowserPoolExhausted = errors.New("browser pool exhausted: no browsers available")
	ErrBrowserPoolClosed    = errors.New("browser pool is closed")
	ErrBrowserPoolTimeout   = errors.New("timeout waiting for browser from pool")
	ErrBrowserUnhealthy     = errors.New("browser is unhealthy")
	ErrBrowserCrashed       = errors.New("browser process crashed")

	// Resolution errors
	ErrHopTimeout       = errors.New("hop fetch timed out")
	ErrNonSuccessStatus = errors.New("non-success status from target site")
	ErrDecodeFailed     = errors.New("payload decode failed")
	ErrNoDecryptService = errors.New("decryption service not configured")
	ErrHeadlessFailed   = errors.New("headless automation failed")
	ErrHeadlessDisabled = errors.New("headless resolution is disabled")
	ErrInvalidStrategy  = errors.New("invalid resolver strategy configuration")
	ErrSiteUnknown      = errors.New("unknown site profile")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrInvalidCommand = errors.New("invalid command")
	ErrURLRequired    = errors.New("url is required")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// ResolveError provides detailed information about resolution failures.
// It implements the error interface and supports error unwrapping.
type ResolveError struct {
	Type    string // Error type: "timeout", "status", "headless", "config"
	URL     string // The URL where the error occurred
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ResolveError) Unwrap() error {
	return e.Err
}

// NewHopTimeoutError creates an error for a hop fetch timeout.
func NewHopTimeoutError(url string, err error) *ResolveError {
	return &ResolveError{
		Type:    "timeout",
		URL:     url,
		Message: "Hop fetch timed out before the target responded.",
		Err:     errors.Join(ErrHopTimeout, err),
	}
}

// NewStatusError creates an error for a non-success HTTP status that
// survived the bounded retry.
func NewStatusError(url string, err error) *ResolveError {
	return &ResolveError{
		Type:    "status",
		URL:     url,
		Message: "Target site returned a non-success status after retries.",
		Err:     errors.Join(ErrNonSuccessStatus, err),
	}
}

// NewHeadlessError creates an error for browser automation failures.
// Headless failures are terminal: there is no further fallback.
func NewHeadlessError(url string, err error) *ResolveError {
	return &ResolveError{
		Type:    "headless",
		URL:     url,
		Message: "Browser automation failed while resolving the gateway page.",
		Err:     errors.Join(ErrHeadlessFailed, err),
	}
}

// NewStrategyError creates an error for malformed strategy configuration.
// This is the only error class the engine propagates instead of absorbing
// into the result's termination field.
func NewStrategyError(message string) *ResolveError {
	return &ResolveError{
		Type:    "config",
		Message: "Invalid resolver strategy configuration: " + message,
		Err:     ErrInvalidStrategy,
	}
}

// PoolError provides detailed information about browser pool failures.
type PoolError struct {
	Operation string // The operation that failed
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Err
}

// NewPoolAcquireError creates an error for pool acquire failures.
func NewPoolAcquireError(reason string, err error) *PoolError {
	return &PoolError{
		Operation: "acquire",
		Message:   "Failed to acquire browser from pool: " + reason,
		Err:       err,
	}
}
