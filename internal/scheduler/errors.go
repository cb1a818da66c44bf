package scheduler

import "errors"

// Package sentinel errors.
var (
	// ErrQueueFull is returned when a submission would exceed the bounded
	// run queue.
	ErrQueueFull = errors.New("scheduler: run queue is full")

	// ErrNotCancellable is returned when cancelling a run that already
	// reached a terminal status.
	ErrNotCancellable = errors.New("scheduler: run is already terminal")

	// ErrNotStarted is returned when submitting to a scheduler whose
	// dispatch loop is not running.
	ErrNotStarted = errors.New("scheduler: not started")

	// ErrStopped is returned when submitting to a stopped scheduler.
	ErrStopped = errors.New("scheduler: stopped")
)
