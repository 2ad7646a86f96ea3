package channels

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a channel failure for monitoring and retry policy.
type ErrorCode string

const (
	// ErrCodeConnection covers network and connection failures.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication covers platform credential failures.
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit means the platform throttled the operation.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeInvalidInput covers malformed messages or configuration.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeNotFound means a referenced resource does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeTimeout means the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeInternal covers unexpected failures.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeUnavailable means the platform is temporarily down.
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// ErrCodeConfig covers adapter configuration errors.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
)

// Error is a structured channel failure: a code for classification, a
// message, and the underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
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

// NewError builds an Error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

// ErrInvalidInput creates an invalid input error.
func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

// ErrConfig creates a configuration error.
func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, message, err)
}

// GetErrorCode extracts the code from a channel Error, defaulting to
// ErrCodeInternal for foreign errors.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the failure is transient.
func IsRetryable(err error) bool {
	switch GetErrorCode(err) {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable, ErrCodeConnection:
		return true
	default:
		return false
	}
}
