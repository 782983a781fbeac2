// Package errors provides error code definitions for the Planbook sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an error for callers and for the sync coordinator's
// retry policy.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors. Storage failures are fatal to the calling operation:
	// they propagate synchronously and are never silently dropped.
	ErrStorage   ErrorCode = "STORAGE_FAILURE"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncTransient  ErrorCode = "SYNC_TRANSIENT"  // network/timeout/5xx, retried with backoff
	ErrSyncRejected   ErrorCode = "SYNC_REJECTED"   // validation/4xx, not retried
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"   // a state, not a failure; requires resolution
	ErrSyncExhausted  ErrorCode = "SYNC_EXHAUSTED"  // retry limit reached, entry kept in queue
	ErrSyncUnresolved ErrorCode = "SYNC_UNRESOLVED" // operation needs conflict resolution first
	ErrSyncOffline    ErrorCode = "SYNC_OFFLINE"
)

// AppError represents an application error with code and message.
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

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the ErrorCode from an error chain, or ErrInternal if the
// chain contains no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsNotFound reports whether the error is a NOT_FOUND.
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}

// IsStorage reports whether the error is a storage failure.
func IsStorage(err error) bool {
	return Is(err, ErrStorage) || Is(err, ErrMigration)
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	return Is(err, ErrSyncTransient)
}
