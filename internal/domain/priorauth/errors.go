package priorauth

import "errors"

// Callers branch on these with errors.Is; every error returned by this
// package wraps at most one of them.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConflict            = errors.New("concurrent modification")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidTransition rejects an explicit status change the state
	// machine does not allow. Unlike ErrConflict it is never retried.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoChange is returned by a Mutation to leave the stored request as is.
	ErrNoChange = errors.New("no change")
)
