package run

import "errors"

// Package sentinel errors.
var (
	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = errors.New("run: not found")

	// ErrRunExists is returned when creating a run whose ID is taken.
	ErrRunExists = errors.New("run: already exists")

	// ErrInvalidRun is returned when a run record fails validation.
	ErrInvalidRun = errors.New("run: invalid run")

	// ErrInvalidTransition is returned when a status move is not permitted
	// by the lifecycle state machine.
	ErrInvalidTransition = errors.New("run: invalid status transition")
)
