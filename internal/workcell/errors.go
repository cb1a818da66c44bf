package workcell

import (
	"errors"
	"fmt"
)

// Domain errors for the workcell package.
var (
	// ErrNotAttached is returned when an operation references an asset
	// that has no live handle in the runtime.
	ErrNotAttached = errors.New("workcell: asset not attached")

	// ErrAlreadyAttached is returned when Attach is called for an asset
	// that already has a live handle.
	ErrAlreadyAttached = errors.New("workcell: asset already attached")

	// ErrBackendClosed is returned when a backend is used after Close.
	ErrBackendClosed = errors.New("workcell: backend closed")

	// ErrUnknownCommand is returned when a handle receives a command it
	// does not implement.
	ErrUnknownCommand = errors.New("workcell: unknown command")

	// ErrInvalidArgument is returned when a command argument is missing
	// or has the wrong type.
	ErrInvalidArgument = errors.New("workcell: invalid command argument")

	// ErrCommandTimeout is returned when a driver does not reply to a
	// command within the configured timeout.
	ErrCommandTimeout = errors.New("workcell: command timed out")

	// Simulated liquid-handler refusal causes. Real instruments report
	// the equivalent conditions through their driver replies.

	// ErrNoTip is returned when a liquid operation requires a tip and
	// none is loaded.
	ErrNoTip = errors.New("workcell: no tip loaded")

	// ErrTipOccupied is returned when pick_up_tip is called with a tip
	// already loaded.
	ErrTipOccupied = errors.New("workcell: tip already loaded")

	// ErrInsufficientVolume is returned when an aspirate would draw more
	// liquid than the source well holds.
	ErrInsufficientVolume = errors.New("workcell: insufficient volume")

	// ErrOverflow is returned when a dispense or aspirate would exceed a
	// well or tip capacity.
	ErrOverflow = errors.New("workcell: volume exceeds capacity")

	// ErrUnknownLabware is returned when a command references labware
	// that has not been loaded onto the instrument.
	ErrUnknownLabware = errors.New("workcell: unknown labware")

	// ErrUnknownWell is returned when a command references a well outside
	// the labware's layout.
	ErrUnknownWell = errors.New("workcell: unknown well")

	// ErrNoTipsLeft is returned when the tip rack is exhausted.
	ErrNoTipsLeft = errors.New("workcell: tip rack exhausted")
)

// DriverError wraps a failure reported by (or on behalf of) an instrument
// driver. The orchestrator records it on the run and fails the run; the
// wrapped cause stays reachable through errors.Is / errors.As.
type DriverError struct {
	// AssetID identifies the asset whose driver failed.
	AssetID string

	// Op is the command or lifecycle operation that failed
	// (e.g. "aspirate", "connect").
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s: %s: %v", e.AssetID, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DriverError) Unwrap() error {
	return e.Err
}

// driverErr builds a DriverError for the given asset and operation.
func driverErr(assetID, op string, err error) *DriverError {
	return &DriverError{AssetID: assetID, Op: op, Err: err}
}
