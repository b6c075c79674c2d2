// Package errors provides error code definitions shared across the offline layer.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced to the embedding app.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrDatabase           ErrorCode = "DATABASE_ERROR"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrNetworkFailure     ErrorCode = "NETWORK_FAILURE"
	ErrPayloadRejected    ErrorCode = "PAYLOAD_REJECTED"
	ErrReconciliationMiss ErrorCode = "RECONCILIATION_MISS"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncOffline        ErrorCode = "SYNC_OFFLINE"

	// Auth errors
	ErrAuthFailed   ErrorCode = "AUTH_FAILED"
	ErrAuthNoCache  ErrorCode = "AUTH_NO_CACHE"
	ErrAuthRequired ErrorCode = "AUTH_REQUIRED"
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

// CodeOf extracts the ErrorCode from an error, walking the wrap chain.
// Returns ErrInternal for errors that carry no code.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrInternal
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether a sync failure should stay queued for retry.
// Rejected payloads are terminal; network and server failures are not.
func IsRetryable(err error) bool {
	return CodeOf(err) != ErrPayloadRejected
}
