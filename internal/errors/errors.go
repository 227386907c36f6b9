// Package errors provides error code definitions shared across the core.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced to the embedding client.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors. A storage error is fatal to the triggering operation
	// and is never retried automatically.
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrTransientNetwork ErrorCode = "TRANSIENT_NETWORK_ERROR"
	ErrPermanentRemote  ErrorCode = "PERMANENT_REMOTE_ERROR"
	ErrPolicySkip       ErrorCode = "POLICY_SKIP"
	ErrSyncInProgress   ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"

	// Queue errors
	ErrQueueNotFound   ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrRetriesExceeded ErrorCode = "RETRIES_EXCEEDED"

	// Cache errors
	ErrCacheMiss   ErrorCode = "CACHE_MISS"
	ErrCacheBudget ErrorCode = "CACHE_BUDGET_EXCEEDED"
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

// Is checks if an error is of a specific code. The check walks the wrap
// chain so a transport error wrapped by the engine still classifies.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		appErr, ok := err.(*AppError)
		if !ok {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal when err carries
// no code.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err should be retried by the sync queue.
func IsTransient(err error) bool {
	return Is(err, ErrTransientNetwork)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return Is(err, ErrPermanentRemote) || Is(err, ErrValidation)
}
