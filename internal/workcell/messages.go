package workcell

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MQTT message types for communication between the engine and instrument
// driver processes. Drivers subscribe to their command topic, execute each
// command against the hardware, and publish a reply correlated by command
// id. Health is reported separately on the retained status topic.

// CommandMessage is sent from the engine to a driver to execute one command.
// Topic: praxis/driver/{asset_id}/command
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with the reply.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	// AssetID is the asset the command targets.
	AssetID string `json:"asset_id"`

	// Command is the command name (e.g. "aspirate", "home").
	Command string `json:"command"`

	// Args contains command-specific values.
	Args map[string]any `json:"args,omitempty"`
}

// ReplyMessage is sent from a driver to the engine in response to a command.
// Topic: praxis/driver/{asset_id}/reply
type ReplyMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the reply was generated (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Success indicates whether the command succeeded.
	Success bool `json:"success"`

	// Result contains the command output (if successful).
	Result map[string]any `json:"result,omitempty"`

	// Error contains failure details (if unsuccessful).
	Error *ReplyError `json:"error,omitempty"`
}

// ReplyError carries failure details in a driver reply.
type ReplyError struct {
	// Code is the machine-readable failure code.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// Driver failure codes. Drivers reporting these codes surface as the
// matching workcell sentinel, so protocol logic sees the same errors with
// real hardware as with the simulated backend.
const (
	FaultUnknownCommand     = "unknown_command"
	FaultInvalidArgument    = "invalid_argument"
	FaultNoTip              = "no_tip"
	FaultTipOccupied        = "tip_occupied"
	FaultNoTipsLeft         = "no_tips_left"
	FaultInsufficientVolume = "insufficient_volume"
	FaultOverflow           = "overflow"
	FaultUnknownLabware     = "unknown_labware"
	FaultUnknownWell        = "unknown_well"
)

// Driver status values published on the status topic.
const (
	DriverOnline  = "online"
	DriverOffline = "offline"
	DriverErrored = "errored"
)

// StatusMessage is published (retained) by a driver to report its health.
// A driver's LWT publishes an offline status on unexpected disconnect.
// Topic: praxis/driver/{asset_id}/status
type StatusMessage struct {
	// AssetID is the asset the driver serves.
	AssetID string `json:"asset_id"`

	// Timestamp is when the status was generated (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Status is one of DriverOnline, DriverOffline, DriverErrored.
	Status string `json:"status"`

	// Reason explains the status (especially for offline/errored).
	Reason string `json:"reason,omitempty"`
}

// NewCommandMessage creates a command with a fresh correlation id.
func NewCommandMessage(assetID, command string, args map[string]any) CommandMessage {
	return CommandMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		AssetID:   assetID,
		Command:   command,
		Args:      args,
	}
}

// faultError maps a driver failure code to the matching workcell sentinel,
// keeping the reported message attached.
func faultError(re *ReplyError) error {
	if re == nil {
		return fmt.Errorf("workcell: driver reported failure without detail")
	}

	var sentinel error
	switch re.Code {
	case FaultUnknownCommand:
		sentinel = ErrUnknownCommand
	case FaultInvalidArgument:
		sentinel = ErrInvalidArgument
	case FaultNoTip:
		sentinel = ErrNoTip
	case FaultTipOccupied:
		sentinel = ErrTipOccupied
	case FaultNoTipsLeft:
		sentinel = ErrNoTipsLeft
	case FaultInsufficientVolume:
		sentinel = ErrInsufficientVolume
	case FaultOverflow:
		sentinel = ErrOverflow
	case FaultUnknownLabware:
		sentinel = ErrUnknownLabware
	case FaultUnknownWell:
		sentinel = ErrUnknownWell
	default:
		return fmt.Errorf("workcell: driver fault %s: %s", re.Code, re.Message)
	}
	return fmt.Errorf("%w: %s", sentinel, re.Message)
}
