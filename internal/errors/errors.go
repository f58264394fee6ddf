// Package errors provides error code definitions for the fieldsync engine.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced by the engine.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrTransientNetwork  ErrorCode = "TRANSIENT_NETWORK_ERROR"
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrConflictDetected  ErrorCode = "CONFLICT_DETECTED"
	ErrAuthExpired       ErrorCode = "AUTH_EXPIRED"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrQueueExhausted    ErrorCode = "QUEUE_EXHAUSTED"
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSessionActive     ErrorCode = "SESSION_ACTIVE"
	ErrSessionClosed     ErrorCode = "SESSION_CLOSED"
	ErrHeartbeatLost     ErrorCode = "HEARTBEAT_LOST"
	ErrTimeout           ErrorCode = "SYNC_TIMEOUT"
)

// AppError represents an engine error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			if appErr.Code == code {
				return true
			}
			err = appErr.Err
			continue
		}
		if u, ok := err.(interface{ Unwrap() error }); ok {
			err = u.Unwrap()
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal for untagged errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether the failure should be retried with backoff.
// Validation, auth, and exhausted-queue failures are never retried.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrTransientNetwork, ErrTimeout, ErrHeartbeatLost, ErrRateLimited:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the failure ends the engine's retry loop and
// requires external action before sync can resume.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrAuthExpired, ErrSyncNotConfigured:
		return true
	default:
		return false
	}
}
