// Package errors provides error handling for jobhub.
//
// This package re-exports github.com/cockroachdb/errors so every package gets
// stack traces, wrapping and detail annotations from one import:
//
//	if err := store.Claim(ctx, id); err != nil {
//	    return errors.Wrap(err, "failed to claim job")
//	}
//
//	err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
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

// Details and hints
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors shared across packages. Check them with errors.Is and wrap
// them with errors.Wrap to add context without losing the type.
var (
	// ErrNotFound indicates the requested job or worker does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a request document that could not be decoded
	ErrInvalidRequest = New("invalid request")

	// ErrUnknownRequest indicates a well-formed request naming no known handler
	ErrUnknownRequest = New("unknown request")

	// ErrUnauthorized indicates a peer whose key is not trusted
	ErrUnauthorized = New("unauthorized")

	// ErrConflict indicates a duplicate key on insert
	ErrConflict = New("resource conflict")

	// ErrClosed indicates an operation on a component that has shut down
	ErrClosed = New("closed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsUnknownRequestError checks if an error is or wraps ErrUnknownRequest
func IsUnknownRequestError(err error) bool {
	return err != nil && Is(err, ErrUnknownRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewUnauthorizedError creates an unauthorized error with a formatted message
func NewUnauthorizedError(format string, args ...interface{}) error {
	return Wrap(ErrUnauthorized, Newf(format, args...).Error())
}
