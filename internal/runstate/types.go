package runstate

import "time"

// Log levels for run log entries.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event kinds emitted by the store. Terminal events are emitted by the
// orchestrator when a run finishes, not by the store.
const (
	EventState = "state"
	EventLog   = "log"
)

// Progress is the live execution position of a run: the index of the last
// completed step and the fraction of steps done.
type Progress struct {
	// RunID is the run this progress belongs to.
	RunID string `json:"run_id"`

	// CurrentStep is the index of the last completed step (0 before any).
	CurrentStep int `json:"current_step"`

	// Fraction is completed steps over total steps, 0.0-1.0.
	Fraction float64 `json:"progress"`

	// Vars are the run-scoped variables written by protocol steps.
	Vars map[string]any `json:"vars,omitempty"`

	// UpdatedAt is when the state row last changed (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one append-only run log record. Entries are ordered per run by
// Seq, which has no gaps for a run that was never pruned.
type Entry struct {
	// RunID is the run this entry belongs to.
	RunID string `json:"run_id"`

	// Seq is the per-run sequence number, starting at 1.
	Seq int64 `json:"seq"`

	// StepIndex is the protocol step that produced the entry (0 for
	// run-level entries).
	StepIndex int `json:"step_index,omitempty"`

	// Level is one of the Level constants.
	Level string `json:"level"`

	// Message is the human-readable entry text.
	Message string `json:"message"`

	// Payload carries structured entry data.
	Payload map[string]any `json:"payload,omitempty"`

	// CreatedAt is when the entry was appended (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// validLevel reports whether a log level is recognised.
func validLevel(level string) bool {
	switch level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}
