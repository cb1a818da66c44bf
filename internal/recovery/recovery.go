package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
	"github.com/maraxen/pylabpraxis-sub009/internal/notify"
	"github.com/maraxen/pylabpraxis-sub009/internal/run"
)

// ErrReconcile wraps failures of the reconciliation pass itself.
var ErrReconcile = errors.New("recovery: reconciliation failed")

// interruptedReason is recorded on every run failed by recovery. The
// error kind distinguishes recovery failures from step or reservation
// failures, so operators can tell a crash from a protocol bug.
const interruptedReason = "run interrupted by engine restart; instrument state unknown"

// Options holds construction parameters for a Reconciler.
type Options struct {
	// Runs is the durable run record store. Required.
	Runs run.Repository

	// Assets is the reservation store. Required. The repository is used
	// directly: recovery runs before the asset manager builds its cache.
	Assets asset.Repository

	// Notifier receives a terminal message for each recovered run.
	// Optional.
	Notifier notify.Sink

	// Logger is the structured logger. Optional.
	Logger *logging.Logger
}

// Reconciler is the startup reconciliation pass. It runs once, before the
// scheduler starts and before the asset manager caches availability, and
// repairs whatever a crashed predecessor left behind:
//
//   - runs persisted as PREPARING or RUNNING with no live orchestrator are
//     conservatively failed, because nobody can vouch for what their
//     instruments did after the last acknowledged step
//   - their reservations are force-released
//   - active reservations belonging to terminal runs are released
//   - assets marked reserved with no active reservation row are freed
//
// The pass is idempotent: a second invocation finds nothing to repair.
type Reconciler struct {
	runs     run.Repository
	assets   asset.Repository
	notifier notify.Sink
	logger   *logging.Logger
}

// New creates a reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Runs == nil {
		return nil, fmt.Errorf("recovery: run repository is required")
	}
	if opts.Assets == nil {
		return nil, fmt.Errorf("recovery: asset repository is required")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Multi()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		runs:     opts.Runs,
		assets:   opts.Assets,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Reconcile performs the reconciliation pass and returns how many orphaned
// runs were failed. Individual repairs are best-effort and logged; only a
// failure to enumerate the work at all aborts the pass.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	recovered, err := r.failOrphanedRuns(ctx)
	if err != nil {
		return recovered, err
	}
	if err := r.releaseStaleReservations(ctx); err != nil {
		return recovered, err
	}
	if err := r.repairAvailability(ctx); err != nil {
		return recovered, err
	}
	if recovered > 0 {
		r.logger.Info("recovery pass complete", "recovered_runs", recovered)
	}
	return recovered, nil
}

// failOrphanedRuns fails every run left in an in-flight status. On a fresh
// start no orchestrator is alive, so any such run is an orphan.
func (r *Reconciler) failOrphanedRuns(ctx context.Context) (int, error) {
	orphans, err := r.runs.ListByStatus(ctx, run.StatusPreparing, run.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("%w: listing in-flight runs: %v", ErrReconcile, err)
	}

	recovered := 0
	for i := range orphans {
		orphan := &orphans[i]
		r.logger.Warn("recovering orphaned run",
			"run_id", orphan.ID,
			"status", orphan.Status,
			"current_step", orphan.CurrentStep,
		)

		if err := r.runs.Finish(ctx, orphan.ID, run.StatusFailed, run.ErrorKindRecovery, interruptedReason); err != nil {
			// Another process may have finished it between the list and
			// the write; anything else is logged and skipped.
			if errors.Is(err, run.ErrInvalidTransition) {
				continue
			}
			r.logger.Error("failing orphaned run failed", "run_id", orphan.ID, "error", err)
			continue
		}

		if freed, err := r.assets.ReleaseRun(ctx, orphan.ID, time.Now().UTC()); err != nil {
			r.logger.Error("releasing orphaned run's reservations failed",
				"run_id", orphan.ID, "error", err)
		} else if len(freed) > 0 {
			r.logger.Info("released orphaned reservations",
				"run_id", orphan.ID, "assets", len(freed))
		}

		r.notifier.Publish(orphan.ID, notify.KindTerminal, map[string]any{
			"status":       string(run.StatusFailed),
			"current_step": orphan.CurrentStep,
			"step_count":   orphan.StepCount,
			"error":        interruptedReason,
			"error_kind":   run.ErrorKindRecovery,
		})
		recovered++
	}
	return recovered, nil
}

// releaseStaleReservations releases active reservations whose runs are
// already terminal or gone. A crash between a run's terminal write and its
// asset release leaves exactly this state behind.
func (r *Reconciler) releaseStaleReservations(ctx context.Context) error {
	active, err := r.assets.ListActiveReservations(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing active reservations: %v", ErrReconcile, err)
	}

	seen := make(map[string]struct{}, len(active))
	for _, res := range active {
		if _, ok := seen[res.RunID]; ok {
			continue
		}
		seen[res.RunID] = struct{}{}

		stale := false
		owner, err := r.runs.Get(ctx, res.RunID)
		switch {
		case errors.Is(err, run.ErrRunNotFound):
			stale = true
		case err != nil:
			r.logger.Error("loading reservation owner failed",
				"run_id", res.RunID, "error", err)
		default:
			stale = owner.Status.Terminal()
		}
		if !stale {
			continue
		}

		freed, err := r.assets.ReleaseRun(ctx, res.RunID, time.Now().UTC())
		if err != nil {
			r.logger.Error("releasing stale reservations failed",
				"run_id", res.RunID, "error", err)
			continue
		}
		r.logger.Warn("released stale reservations",
			"run_id", res.RunID, "assets", len(freed))
	}
	return nil
}

// repairAvailability frees assets marked reserved that no active
// reservation row backs.
func (r *Reconciler) repairAvailability(ctx context.Context) error {
	repaired, err := r.assets.RepairAvailability(ctx)
	if err != nil {
		return fmt.Errorf("%w: repairing availability: %v", ErrReconcile, err)
	}
	if len(repaired) > 0 {
		r.logger.Warn("repaired asset availability", "assets", len(repaired))
	}
	return nil
}
