package orchestrator

import (
	"context"

	"github.com/maraxen/pylabpraxis-sub009/internal/runstate"
)

// storeRecorder routes a step's SetVar and Log calls into the run state
// store, stamped with the step currently executing. Steps run strictly
// sequentially, so the step field needs no locking.
type storeRecorder struct {
	store *runstate.Store
	runID string
	step  int
}

func (r *storeRecorder) SetVar(ctx context.Context, key string, value any) error {
	return r.store.Set(ctx, r.runID, key, value)
}

func (r *storeRecorder) Log(ctx context.Context, level, message string, fields map[string]any) error {
	return r.store.AppendLog(ctx, r.runID, &runstate.Entry{
		StepIndex: r.step,
		Level:     level,
		Message:   message,
		Payload:   fields,
	})
}
