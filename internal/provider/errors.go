// Package provider holds the HTTP clients for the block-list provider's
// API: authentication, list download, and bulk status reporting.
//
// Every failure is classified at the point it occurs: transient errors
// (network, non-2xx responses on data endpoints) may be retried, permanent
// ones (credentials, malformed responses) fail the stage immediately.
package provider

import (
	"errors"
	"fmt"
)

// Error wraps a provider interaction failure with its retry classification.
type Error struct {
	Op        string
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retriable {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as safe to retry.
func Transient(op string, err error) error {
	return &Error{Op: op, Retriable: true, Err: err}
}

// Permanent marks err as not retriable.
func Permanent(op string, err error) error {
	return &Error{Op: op, Retriable: false, Err: err}
}

// IsRetriable reports whether err is marked transient. Unclassified errors
// are never retried.
func IsRetriable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retriable
}
