// Package errors defines the stable error codes returned by graphsync operations.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// InvalidConfig indicates a configuration value failed validation
	InvalidConfig ErrorCode = "INVALID_CONFIG"
	// InvalidWorkspace indicates the workspace path is missing or inaccessible
	InvalidWorkspace ErrorCode = "INVALID_WORKSPACE"
	// NoActiveSession indicates the client has no monitoring session
	NoActiveSession ErrorCode = "NO_ACTIVE_SESSION"
	// SessionExists indicates the client already owns a running session
	SessionExists ErrorCode = "SESSION_EXISTS"

	// InvalidState indicates the session cannot make the requested transition
	InvalidState ErrorCode = "INVALID_STATE"
	// WatcherFailed indicates the OS watcher could not be started
	WatcherFailed ErrorCode = "WATCHER_FAILED"
	// CacheCorrupt indicates the persisted cache blob could not be decoded
	CacheCorrupt ErrorCode = "CACHE_CORRUPT"
	// CacheVersionMismatch indicates the persisted cache uses another format version
	CacheVersionMismatch ErrorCode = "CACHE_VERSION_MISMATCH"
	// ParseFailed indicates the parser could not analyze a file
	ParseFailed ErrorCode = "PARSE_FAILED"
	// BatchFailed indicates a graph update batch was rolled back
	BatchFailed ErrorCode = "BATCH_FAILED"
	// BatchNotFound indicates the batch is no longer retained in history
	BatchNotFound ErrorCode = "BATCH_NOT_FOUND"
	// RollbackFailed indicates compensation of a failed batch did not complete
	RollbackFailed ErrorCode = "ROLLBACK_FAILED"
	// PropagationTimeout indicates propagation stopped early
	PropagationTimeout ErrorCode = "PROPAGATION_TIMEOUT"
	// StoreUnavailable indicates the graph or blob store could not be reached
	StoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// GraphsyncError carries a stable code, a message and an optional cause.
type GraphsyncError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error       // Underlying error (not exported to JSON)
}

// New creates a GraphsyncError without an underlying cause.
func New(code ErrorCode, message string) *GraphsyncError {
	return &GraphsyncError{Code: code, Message: message}
}

// Wrap creates a GraphsyncError around cause.
func Wrap(code ErrorCode, message string, cause error) *GraphsyncError {
	return &GraphsyncError{Code: code, Message: message, cause: cause}
}

// Error implements the error interface
func (e *GraphsyncError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *GraphsyncError) Unwrap() error {
	return e.cause
}

// Is matches another GraphsyncError with the same code.
func (e *GraphsyncError) Is(target error) bool {
	t, ok := target.(*GraphsyncError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds details to the error
func (e *GraphsyncError) WithDetails(details interface{}) *GraphsyncError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first GraphsyncError in err's chain,
// or InternalError when there is none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var gerr *GraphsyncError
	if stderrors.As(err, &gerr) {
		return gerr.Code
	}
	return InternalError
}
