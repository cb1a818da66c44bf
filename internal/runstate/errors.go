package runstate

import "errors"

// Domain errors for the runstate package.
var (
	// ErrNoState is returned when a run has no state row (never started
	// or already pruned).
	ErrNoState = errors.New("runstate: no state for run")

	// ErrKeyNotFound is returned when a run's state holds no value for
	// the requested key.
	ErrKeyNotFound = errors.New("runstate: key not found")

	// ErrInvalidEntry is returned when a log entry fails validation.
	ErrInvalidEntry = errors.New("runstate: invalid log entry")

	// ErrRunRequired is returned when an operation is missing its run id.
	ErrRunRequired = errors.New("runstate: run id is required")

	// ErrKeyRequired is returned when a variable write is missing its key.
	ErrKeyRequired = errors.New("runstate: key is required")
)
