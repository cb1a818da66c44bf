package run

import (
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
)

// Run tracks a single submission of a protocol from acceptance to its
// terminal state. The record is durable: every status move is written
// before it is acted upon, so an interrupted engine can always tell what
// a run was doing when the lights went out.
type Run struct {
	// Identity
	ID       string `json:"id"`
	Protocol string `json:"protocol"`

	// Caller-supplied parameters, opaque to the engine.
	Params map[string]any `json:"params,omitempty"`

	// Requirements resolved from the protocol at submission. Read-only
	// once the run is accepted.
	Requirements []asset.Requirement `json:"requirements,omitempty"`

	// Lifecycle
	Status      Status `json:"status"`
	CurrentStep int    `json:"current_step"`
	StepCount   int    `json:"step_count"`

	// Failure details (populated on failed runs)
	Error     *string `json:"error,omitempty"`
	ErrorKind *string `json:"error_kind,omitempty"`

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPreparing Status = "preparing" // Reserving assets, acquiring handles
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses returns every valid run status.
func AllStatuses() []Status {
	return []Status{
		StatusQueued,
		StatusPreparing,
		StatusRunning,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	}
}

// Terminal reports whether a status is final. Terminal runs never move
// again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusPreparing, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions maps each status to its permitted successors. Cancel is
// honoured from any non-terminal state; failure requires the run to have
// been picked up.
var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusPreparing, StatusCancelled},
	StatusPreparing: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionSources returns every status that may legally move to the given
// status. Used to build optimistic status updates.
func transitionSources(to Status) []Status {
	var sources []Status
	for from, nexts := range validTransitions {
		for _, next := range nexts {
			if next == to {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}

// Error kinds recorded on failed runs, mirroring the engine's error
// taxonomy.
const (
	ErrorKindUnsatisfiable      = "reservation_unsatisfiable"
	ErrorKindReservationTimeout = "reservation_timeout"
	ErrorKindReservationFailed  = "reservation_failed"
	ErrorKindStep               = "step"
	ErrorKindDriver             = "driver"
	ErrorKindRecovery           = "recovery"
	ErrorKindInternal           = "internal"
)

// DeepCopy creates a complete independent copy of the Run.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original.
func (r *Run) DeepCopy() *Run {
	if r == nil {
		return nil
	}

	cpy := *r // Shallow copy of value fields

	cpy.Error = cloneStringPtr(r.Error)
	cpy.ErrorKind = cloneStringPtr(r.ErrorKind)
	cpy.StartedAt = cloneTimePtr(r.StartedAt)
	cpy.EndedAt = cloneTimePtr(r.EndedAt)

	if r.Params != nil {
		cpy.Params = deepCopyMap(r.Params)
	}
	if r.Requirements != nil {
		cpy.Requirements = make([]asset.Requirement, len(r.Requirements))
		for i, req := range r.Requirements {
			cpy.Requirements[i] = req
			if req.Tags != nil {
				cpy.Requirements[i].Tags = append([]string(nil), req.Tags...)
			}
		}
	}

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v // Primitives are immutable
	}
}

// cloneStringPtr creates an independent copy of a *string.
func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// cloneTimePtr creates an independent copy of a *time.Time.
func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
