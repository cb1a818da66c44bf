package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
	"github.com/maraxen/pylabpraxis-sub009/internal/notify"
	"github.com/maraxen/pylabpraxis-sub009/internal/protocol"
	"github.com/maraxen/pylabpraxis-sub009/internal/run"
	"github.com/maraxen/pylabpraxis-sub009/internal/runstate"
	"github.com/maraxen/pylabpraxis-sub009/internal/workcell"
)

// finishTimeout bounds terminal bookkeeping. It runs on its own context so
// a dead execution context cannot leave a run stuck in RUNNING.
const finishTimeout = 10 * time.Second

// Telemetry receives optional run metrics. Satisfied by the InfluxDB
// telemetry client; nil disables it.
type Telemetry interface {
	// RecordRunEvent notes a run reaching a terminal status.
	RecordRunEvent(runID, protocolName, status, errorKind string)

	// RecordStepDuration notes how long one protocol step took.
	RecordStepDuration(runID, protocolName string, step int, name string, d time.Duration)
}

// noopTelemetry discards all metrics.
type noopTelemetry struct{}

func (noopTelemetry) RecordRunEvent(string, string, string, string)                 {}
func (noopTelemetry) RecordStepDuration(string, string, int, string, time.Duration) {}

// Options holds construction parameters for an Orchestrator.
type Options struct {
	// Runs persists run records. Required.
	Runs run.Repository

	// Assets grants and releases reservations. Required.
	Assets *asset.Manager

	// Runtime resolves reserved assets to live driver handles. Required.
	Runtime *workcell.Runtime

	// State is the run state store for step acknowledgements. Required.
	State *runstate.Store

	// Notifier receives the terminal message for each run. Optional.
	Notifier notify.Sink

	// Telemetry receives run and step metrics. Optional.
	Telemetry Telemetry

	// Logger is the structured logger. Optional.
	Logger *logging.Logger
}

// Orchestrator drives a single run through its lifecycle:
//
//	QUEUED → PREPARING → RUNNING → COMPLETED | FAILED | CANCELLED
//
// PREPARING covers reservation and handle binding, so a run that fails
// there holds nothing. During RUNNING each step is acknowledged with
// synchronous state writes before the next step starts, and cancellation
// is observed between steps only. Whatever the outcome, assets are
// released at the terminal transition.
type Orchestrator struct {
	runs      run.Repository
	assets    *asset.Manager
	runtime   *workcell.Runtime
	state     *runstate.Store
	notifier  notify.Sink
	telemetry Telemetry
	logger    *logging.Logger
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Runs == nil {
		return nil, fmt.Errorf("orchestrator: run repository is required")
	}
	if opts.Assets == nil {
		return nil, fmt.Errorf("orchestrator: asset manager is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("orchestrator: workcell runtime is required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("orchestrator: state store is required")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Multi()
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		runs:      opts.Runs,
		assets:    opts.Assets,
		runtime:   opts.Runtime,
		state:     opts.State,
		notifier:  notifier,
		telemetry: telemetry,
		logger:    logger,
	}, nil
}

// Execute drives one run to a terminal status. The cancel channel is the
// cooperative cancellation token: closing it stops the run between steps,
// the in-flight step always finishes. Execute returns the error that
// failed the run, or nil when the run completed or was cancelled cleanly.
// By the time it returns, the terminal status is durable, assets are
// released, and the terminal message has been published.
func (o *Orchestrator) Execute(ctx context.Context, r *run.Run, p *protocol.Protocol, cancel <-chan struct{}) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("orchestrator: run is required")
	}
	if p == nil {
		return fmt.Errorf("orchestrator: protocol is required")
	}
	total := len(p.Steps)

	if err := o.runs.UpdateStatus(ctx, r.ID, run.StatusPreparing); err != nil {
		// A cancel that landed while the run sat queued wins the race.
		if errors.Is(err, run.ErrInvalidTransition) {
			if current, getErr := o.runs.Get(ctx, r.ID); getErr == nil && current.Status.Terminal() {
				o.logger.Info("run already terminal, nothing to execute",
					"run_id", r.ID, "status", current.Status)
				return nil
			}
		}
		return fmt.Errorf("moving run %s to preparing: %w", r.ID, err)
	}
	o.logger.Info("run preparing", "run_id", r.ID, "protocol", r.Protocol, "steps", total)

	if cancelled(cancel) {
		o.finish(r, run.StatusCancelled, "", "", 0, total)
		return nil
	}

	// A cancel during the reservation wait interrupts it.
	reserveCtx, stopReserve := context.WithCancel(ctx)
	go func() {
		select {
		case <-cancel:
			stopReserve()
		case <-reserveCtx.Done():
		}
	}()
	reservations, err := o.assets.Reserve(reserveCtx, r.ID, r.Requirements)
	stopReserve()
	if err != nil {
		if cancelled(cancel) {
			o.finish(r, run.StatusCancelled, "", "", 0, total)
			return nil
		}
		kind := reservationErrorKind(err)
		msg := fmt.Sprintf("reserving assets: %v", err)
		o.finish(r, run.StatusFailed, kind, msg, 0, total)
		return fmt.Errorf("reserving assets for run %s: %w", r.ID, err)
	}
	o.logger.Info("run reserved assets", "run_id", r.ID, "reservations", len(reservations))

	handles, err := o.bindHandles(reservations)
	if err != nil {
		o.finish(r, run.StatusFailed, run.ErrorKindDriver, err.Error(), 0, total)
		return err
	}

	if err := o.runs.SetSteps(ctx, r.ID, 0, total); err != nil {
		msg := fmt.Sprintf("recording step count: %v", err)
		o.finish(r, run.StatusFailed, run.ErrorKindInternal, msg, 0, total)
		return fmt.Errorf("recording step count for run %s: %w", r.ID, err)
	}

	if err := o.runs.UpdateStatus(ctx, r.ID, run.StatusRunning); err != nil {
		msg := fmt.Sprintf("moving to running: %v", err)
		o.finish(r, run.StatusFailed, run.ErrorKindInternal, msg, 0, total)
		return fmt.Errorf("moving run %s to running: %w", r.ID, err)
	}
	o.logger.Info("run running", "run_id", r.ID)

	recorder := &storeRecorder{store: o.state, runID: r.ID}
	env := protocol.NewEnv(protocol.EnvOptions{
		RunID:    r.ID,
		Params:   r.Params,
		Handles:  handles,
		Recorder: recorder,
	})

	for i, step := range p.Steps {
		if cancelled(cancel) {
			o.logger.Info("run cancelled between steps", "run_id", r.ID, "completed_steps", i)
			o.finish(r, run.StatusCancelled, "", "", i, total)
			return nil
		}
		if err := ctx.Err(); err != nil {
			msg := fmt.Sprintf("execution interrupted before step %d: %v", i+1, err)
			o.finish(r, run.StatusFailed, run.ErrorKindInternal, msg, i, total)
			return fmt.Errorf("executing run %s: %w", r.ID, err)
		}

		recorder.step = i + 1
		started := time.Now()
		if err := runStep(ctx, env, step); err != nil {
			stepErr := &StepError{Step: i + 1, Name: step.Name, Cause: err}
			o.recordStepFailure(ctx, r.ID, stepErr)
			o.finish(r, run.StatusFailed, stepErrorKind(err), stepErr.Error(), i, total)
			return stepErr
		}
		elapsed := time.Since(started)
		o.telemetry.RecordStepDuration(r.ID, r.Protocol, i+1, step.Name, elapsed)

		// Acknowledge the step. The run does not advance past a write
		// that is not durable.
		if err := o.acknowledgeStep(ctx, r.ID, i+1, total, step.Name, elapsed); err != nil {
			msg := fmt.Sprintf("acknowledging step %d: %v", i+1, err)
			o.finish(r, run.StatusFailed, run.ErrorKindInternal, msg, i, total)
			return fmt.Errorf("acknowledging step %d of run %s: %w", i+1, r.ID, err)
		}
	}

	o.finish(r, run.StatusCompleted, "", "", total, total)
	return nil
}

// bindHandles resolves each reservation to its live driver handle, grouped
// by requirement name in grant order.
func (o *Orchestrator) bindHandles(reservations []*asset.Reservation) (map[string][]workcell.Handle, error) {
	handles := make(map[string][]workcell.Handle, len(reservations))
	for _, res := range reservations {
		h, err := o.runtime.Get(res.AssetID)
		if err != nil {
			return nil, fmt.Errorf("binding asset %s to requirement %q: %w",
				res.AssetID, res.RequirementName, err)
		}
		handles[res.RequirementName] = append(handles[res.RequirementName], h)
	}
	return handles, nil
}

// acknowledgeStep writes the step's completion durably: progress, a log
// entry, and the run record's step counters, in that order.
func (o *Orchestrator) acknowledgeStep(ctx context.Context, runID string, completed, total int, name string, elapsed time.Duration) error {
	fraction := float64(completed) / float64(total)
	if err := o.state.SetProgress(ctx, runID, completed, fraction); err != nil {
		return err
	}
	err := o.state.AppendLog(ctx, runID, &runstate.Entry{
		StepIndex: completed,
		Level:     runstate.LevelInfo,
		Message:   fmt.Sprintf("step %d/%d (%s) completed", completed, total, name),
		Payload:   map[string]any{"duration_ms": elapsed.Milliseconds()},
	})
	if err != nil {
		return err
	}
	return o.runs.SetSteps(ctx, runID, completed, total)
}

// recordStepFailure appends the failure to the run log. Best-effort: the
// terminal record carries the same detail.
func (o *Orchestrator) recordStepFailure(ctx context.Context, runID string, stepErr *StepError) {
	err := o.state.AppendLog(ctx, runID, &runstate.Entry{
		StepIndex: stepErr.Step,
		Level:     runstate.LevelError,
		Message:   stepErr.Error(),
	})
	if err != nil {
		o.logger.Warn("step failure log write failed", "run_id", runID, "error", err)
	}
}

// finish performs the terminal transition: assets released, final status
// durable, terminal message published. It runs on its own context so it
// still lands when the execution context is already dead.
func (o *Orchestrator) finish(r *run.Run, status run.Status, kind, message string, currentStep, total int) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if err := o.assets.Release(ctx, r.ID); err != nil {
		o.logger.Error("asset release failed at terminal transition",
			"run_id", r.ID, "error", err)
	}
	if err := o.runs.Finish(ctx, r.ID, status, kind, message); err != nil {
		o.logger.Error("terminal status write failed",
			"run_id", r.ID, "status", status, "error", err)
	}

	payload := map[string]any{
		"status":       string(status),
		"current_step": currentStep,
		"step_count":   total,
	}
	if message != "" {
		payload["error"] = message
		payload["error_kind"] = kind
	}
	o.notifier.Publish(r.ID, notify.KindTerminal, payload)
	o.telemetry.RecordRunEvent(r.ID, r.Protocol, string(status), kind)

	o.logger.Info("run finished",
		"run_id", r.ID,
		"status", status,
		"current_step", currentStep,
		"steps", total,
	)
}

// runStep executes one protocol step, converting a panic into an error so
// a misbehaving protocol cannot take the worker down.
func runStep(ctx context.Context, env *protocol.Env, s protocol.Step) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("step panicked: %v", v)
		}
	}()
	return s.Run(ctx, env)
}

// cancelled reports whether the cooperative cancel token is closed.
func cancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// reservationErrorKind categorises a reservation failure for the run record.
func reservationErrorKind(err error) string {
	switch {
	case errors.Is(err, asset.ErrUnsatisfiable):
		return run.ErrorKindUnsatisfiable
	case errors.Is(err, asset.ErrReservationTimeout):
		return run.ErrorKindReservationTimeout
	default:
		return run.ErrorKindReservationFailed
	}
}

// stepErrorKind categorises a step failure for the run record.
func stepErrorKind(err error) string {
	var de *workcell.DriverError
	if errors.As(err, &de) {
		return run.ErrorKindDriver
	}
	return run.ErrorKindStep
}
