package protocol

import "errors"

// Domain errors for the protocol package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, protocol.ErrProtocolNotFound) {
//	    // handle not found case
//	}
var (
	// ErrProtocolNotFound is returned when a protocol name is not
	// registered.
	ErrProtocolNotFound = errors.New("protocol: not found")

	// ErrProtocolExists is returned when registering a name that is
	// already taken.
	ErrProtocolExists = errors.New("protocol: already registered")

	// ErrInvalidProtocol is returned when protocol validation fails.
	ErrInvalidProtocol = errors.New("protocol: invalid")

	// ErrInvalidStep is returned when a step is missing a name or a run
	// function.
	ErrInvalidStep = errors.New("protocol: invalid step")

	// ErrNoSteps is returned when a protocol declares no steps.
	ErrNoSteps = errors.New("protocol: no steps")

	// ErrUnknownRequirement is returned when a step asks the environment
	// for a requirement name the protocol never declared.
	ErrUnknownRequirement = errors.New("protocol: unknown requirement")
)
