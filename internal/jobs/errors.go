package jobs

import "errors"

var (
	// ErrNotFound is returned when a job does not exist or its record expired.
	ErrNotFound = errors.New("job not found")

	// ErrStaleUpdate is returned when a write carries an updated_at that is
	// not newer than the stored one (a superseded or cancelled attempt).
	ErrStaleUpdate = errors.New("stale job update dropped")

	// ErrInvalidTransition is returned for a status change the lifecycle
	// state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotCancellable is returned when cancelling a job that already
	// reached a terminal state.
	ErrNotCancellable = errors.New("job is not in a cancellable state")
)
