// Package apperror holds the failure taxonomy shared by stores, services and
// transports. Callers match with errors.Is.
package apperror

import "errors"

var (
	// ErrUnauthenticated means no or invalid caller identity. Never retried.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the caller is known but may not touch the record.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is surfaced as empty or absent state.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is surfaced next to the triggering action.
	ErrInvalidInput = errors.New("invalid input")
	// ErrBrokerUnavailable never crosses a publish or subscribe call site.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)
