// Package fault defines the error taxonomy shared across services.
package fault

import "errors"

var (
	// ErrValidation marks bad input. Never retried, returned to the caller.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientStock is a business rejection, terminal for the request.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrVersionConflict signals an optimistic-concurrency miss on an
	// aggregate version check. Retried with backoff up to a cap.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTransient is surfaced once a retry budget is exhausted.
	ErrTransient = errors.New("transient failure")

	// ErrNotFound marks a missing aggregate.
	ErrNotFound = errors.New("not found")
)
