package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

const (
	// ErrParseFailure marks malformed model output. Recoverable; recorded as
	// an observation and the loop continues.
	ErrParseFailure ErrorCode = "PARSE_FAILURE"
	// ErrToolFailure marks a tool error or timeout. Recoverable; counts
	// toward the consecutive-error exit condition.
	ErrToolFailure ErrorCode = "TOOL_FAILURE"
	// ErrConnectionFailure marks a tool server unreachable after retries.
	ErrConnectionFailure ErrorCode = "CONNECTION_FAILURE"
	// ErrCompressionSkipped marks a compression attempt with too few
	// eligible messages. Treated as a successful no-op.
	ErrCompressionSkipped ErrorCode = "COMPRESSION_SKIPPED"
	// ErrCacheFailure marks an unavailable cache store. Logged and treated
	// as a cache miss.
	ErrCacheFailure ErrorCode = "CACHE_FAILURE"
	// ErrCancelled marks a cooperative stop. Not an error condition; the
	// stream ends cleanly.
	ErrCancelled ErrorCode = "CANCELLED"
	// ErrExhausted marks max iterations reached without a finish action.
	// Forces a best-effort synthetic answer, never a hard failure.
	ErrExhausted ErrorCode = "EXHAUSTED"

	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
