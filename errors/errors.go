// Package errors provides error handling for checkrun.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - User-facing hints and details
//
// Usage:
//
//	// Wrap with context
//	if err := store.SaveRun(ctx, run); err != nil {
//	    return errors.Wrap(err, "failed to save run")
//	}
//
//	// Abort the whole run from inside a module
//	return nil, errors.Wrap(errors.ErrRunAbort, "login page unreachable")
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"strings"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
	Mark       = crdb.Mark
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
	Join             = crdb.Join
)

// Sentinel errors shared across checkrun.
// Wrap these with errors.Wrap() to add context while preserving identity.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates a resource conflict (e.g., stale version number)
	ErrConflict = New("resource conflict")

	// ErrValidation indicates a run request failed validation before any work started
	ErrValidation = New("validation failed")

	// ErrRunAbort is returned (or wrapped) by a module to stop the entire run.
	// Any iteration failing with it marks the run Failed.
	ErrRunAbort = New("run aborted")

	// ErrCanceled indicates the caller canceled the run
	ErrCanceled = New("run canceled")

	// ErrPersistence indicates the run executed but could not be saved
	ErrPersistence = New("persistence failed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
// Also matches plain "... not found" messages produced by lower layers.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrNotFound) {
		return true
	}
	msg := err.Error()
	return strings.HasSuffix(msg, "not found") || strings.HasPrefix(msg, "not found:")
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsRunAbort reports whether err requests aborting the whole run.
func IsRunAbort(err error) bool {
	return err != nil && Is(err, ErrRunAbort)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewRunAbort creates an error that aborts the whole run with the given reason.
func NewRunAbort(format string, args ...interface{}) error {
	return Wrap(ErrRunAbort, Newf(format, args...).Error())
}

// WrapPersistence marks err as a persistence failure for the named store operation.
// Returns nil when err is nil.
func WrapPersistence(err error, op string) error {
	if err == nil {
		return nil
	}
	return Wrap(Mark(err, ErrPersistence), op)
}

// IsPersistenceError checks if an error is or wraps ErrPersistence
func IsPersistenceError(err error) bool {
	return err != nil && Is(err, ErrPersistence)
}
