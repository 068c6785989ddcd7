package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies adapter failures so callers can pick a retry
// strategy and metrics can group errors by cause.
type ErrorCode string

const (
	// ErrCodeConnection covers network and transport failures.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication covers bad tokens and expired credentials.
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit means the upstream service throttled us.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeInvalidInput covers malformed responses or metadata.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeTimeout means an operation ran out of time.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeInternal is the catch-all for unexpected failures.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeUnavailable means the adapter is not connected right now.
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// ErrCodeConfig covers invalid adapter configuration.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
)

// Error is a classified adapter error wrapping the underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// NewError creates a classified error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string, err error) *Error {
	return NewError(ErrCodeAuthentication, message, err)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

// ErrInvalidInput creates an invalid input error.
func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

// ErrInternal creates an internal error.
func ErrInternal(message string, err error) *Error {
	return NewError(ErrCodeInternal, message, err)
}

// ErrUnavailable creates a service unavailable error.
func ErrUnavailable(message string, err error) *Error {
	return NewError(ErrCodeUnavailable, message, err)
}

// ErrConfig creates a configuration error.
func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, message, err)
}

// GetErrorCode extracts the code from a classified error, defaulting
// to ErrCodeInternal for foreign errors.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a transient adapter error.
func IsRetryable(err error) bool {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}
	return false
}
