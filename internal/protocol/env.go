package protocol

import (
	"context"
	"fmt"

	"github.com/maraxen/pylabpraxis-sub009/internal/workcell"
)

// Log levels accepted by Env.Log.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Recorder receives the state and log writes a step makes through its
// environment. The orchestrator implements it over the run state store so
// step output is durable and observable before the next step starts.
type Recorder interface {
	// SetVar durably records a run-scoped key/value pair.
	SetVar(ctx context.Context, key string, value any) error

	// Log durably appends an entry to the run's log.
	Log(ctx context.Context, level, message string, fields map[string]any) error
}

// noopRecorder discards all writes. Used when an Env is built without a
// recorder, e.g. in tests that only exercise handles.
type noopRecorder struct{}

func (noopRecorder) SetVar(context.Context, string, any) error                 { return nil }
func (noopRecorder) Log(context.Context, string, string, map[string]any) error { return nil }

// Env is the execution environment handed to each protocol step: the
// handles bound to the run's reservations, the submission parameters, and
// the run-scoped recorder.
//
// An Env is built once per run and is read-only during execution, so it is
// safe for a step to use from short-lived goroutines it waits on.
type Env struct {
	runID    string
	params   map[string]any
	handles  map[string][]workcell.Handle
	recorder Recorder
}

// EnvOptions contains the pieces the orchestrator binds into an Env.
type EnvOptions struct {
	// RunID is the executing run.
	RunID string

	// Params are the submission parameters.
	Params map[string]any

	// Handles maps requirement names to the handles granted for them, in
	// grant order. Multi-unit requirements carry one handle per unit.
	Handles map[string][]workcell.Handle

	// Recorder receives SetVar and Log writes. Optional.
	Recorder Recorder
}

// NewEnv builds a step environment.
func NewEnv(opts EnvOptions) *Env {
	recorder := opts.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Env{
		runID:    opts.RunID,
		params:   opts.Params,
		handles:  opts.Handles,
		recorder: recorder,
	}
}

// RunID returns the executing run's id.
func (e *Env) RunID() string {
	return e.runID
}

// Handle returns the handle bound to a requirement name. For multi-unit
// requirements it returns the first; use HandlesFor for all of them.
func (e *Env) Handle(name string) (workcell.Handle, error) {
	handles := e.handles[name]
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequirement, name)
	}
	return handles[0], nil
}

// HandlesFor returns every handle bound to a requirement name, in grant
// order. The slice is a copy.
func (e *Env) HandlesFor(name string) []workcell.Handle {
	handles := e.handles[name]
	if len(handles) == 0 {
		return nil
	}
	return append([]workcell.Handle(nil), handles...)
}

// Param returns a submission parameter and whether it was provided.
func (e *Env) Param(key string) (any, bool) {
	v, ok := e.params[key]
	return v, ok
}

// FloatParam returns a numeric parameter, or def when absent or not a
// number. JSON-decoded submissions carry numbers as float64.
func (e *Env) FloatParam(key string, def float64) float64 {
	v, ok := e.params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

// StringParam returns a string parameter, or def when absent or not a
// string.
func (e *Env) StringParam(key, def string) string {
	if s, ok := e.params[key].(string); ok && s != "" {
		return s
	}
	return def
}

// SetVar durably records a run-scoped variable.
func (e *Env) SetVar(ctx context.Context, key string, value any) error {
	return e.recorder.SetVar(ctx, key, value)
}

// Log appends an entry to the run's log.
func (e *Env) Log(ctx context.Context, level, message string, fields map[string]any) error {
	return e.recorder.Log(ctx, level, message, fields)
}
