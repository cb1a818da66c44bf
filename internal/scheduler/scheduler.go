package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
	"github.com/maraxen/pylabpraxis-sub009/internal/notify"
	"github.com/maraxen/pylabpraxis-sub009/internal/protocol"
	"github.com/maraxen/pylabpraxis-sub009/internal/run"
)

// Defaults applied when Options leaves a knob at zero.
const (
	defaultWorkers          = 4
	defaultQueueSize        = 64
	defaultDispatchInterval = 2 * time.Second
)

// Executor runs one protocol run to a terminal status. *orchestrator.Orchestrator
// satisfies this; the seam keeps the scheduler testable without real hardware
// plumbing.
type Executor interface {
	Execute(ctx context.Context, r *run.Run, p *protocol.Protocol, cancel <-chan struct{}) error
}

// Telemetry receives optional scheduler metrics. Satisfied by the InfluxDB
// telemetry client; nil disables it.
type Telemetry interface {
	// RecordQueueDepth notes the queue and worker occupancy after a
	// dispatch pass.
	RecordQueueDepth(queued, active int)
}

// noopTelemetry discards all metrics.
type noopTelemetry struct{}

func (noopTelemetry) RecordQueueDepth(int, int) {}

// Options holds construction parameters for a Scheduler.
type Options struct {
	// Runs persists run records. Required.
	Runs run.Repository

	// Protocols resolves protocol names at submission and dispatch. Required.
	Protocols *protocol.Registry

	// Assets answers the satisfiability pre-check. Required.
	Assets *asset.Manager

	// Executor drives dispatched runs. Required.
	Executor Executor

	// Notifier receives terminal messages for runs cancelled before
	// dispatch, which never reach an orchestrator. Optional.
	Notifier notify.Sink

	// Telemetry receives queue depth metrics. Optional.
	Telemetry Telemetry

	// Logger is the structured logger. Optional.
	Logger *logging.Logger

	// Workers bounds concurrent run execution. Defaults to 4.
	Workers int

	// QueueSize bounds how many runs may wait for a worker. Defaults to 64.
	QueueSize int

	// DispatchInterval is how often the queue is re-examined when nothing
	// has woken the dispatcher. Defaults to 2s.
	DispatchInterval time.Duration
}

// activeRun tracks one dispatched run and its cooperative cancel token.
type activeRun struct {
	cancel chan struct{}
	once   sync.Once
}

// requestCancel closes the token exactly once.
func (a *activeRun) requestCancel() {
	a.once.Do(func() { close(a.cancel) })
}

// Scheduler accepts run submissions, keeps a durable FIFO queue, and
// dispatches runs onto a bounded worker pool. A run is only handed to a
// worker once the asset manager reports its requirements plausibly
// satisfiable, so workers are not burned on runs that would fail
// reservation immediately.
//
// The queue order is submission order. A run whose requirements cannot be
// met right now is skipped, not failed: it stays queued and is re-examined
// whenever a worker finishes or the dispatch interval elapses.
type Scheduler struct {
	runs      run.Repository
	protocols *protocol.Registry
	assets    *asset.Manager
	executor  Executor
	notifier  notify.Sink
	telemetry Telemetry
	logger    *logging.Logger

	workers          int
	queueSize        int
	dispatchInterval time.Duration

	mu      sync.Mutex
	queue   []string // queued run IDs, submission order
	active  map[string]*activeRun
	started bool
	stopped bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Stats is a point-in-time summary of scheduler occupancy.
type Stats struct {
	Queued int
	Active int
}

// New creates a scheduler. Call Start before submitting.
func New(opts Options) (*Scheduler, error) {
	if opts.Runs == nil {
		return nil, fmt.Errorf("scheduler: run repository is required")
	}
	if opts.Protocols == nil {
		return nil, fmt.Errorf("scheduler: protocol registry is required")
	}
	if opts.Assets == nil {
		return nil, fmt.Errorf("scheduler: asset manager is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("scheduler: executor is required")
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
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	interval := opts.DispatchInterval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	return &Scheduler{
		runs:             opts.Runs,
		protocols:        opts.Protocols,
		assets:           opts.Assets,
		executor:         opts.Executor,
		notifier:         notifier,
		telemetry:        telemetry,
		logger:           logger,
		workers:          workers,
		queueSize:        queueSize,
		dispatchInterval: interval,
		active:           make(map[string]*activeRun),
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
	}, nil
}

// Start re-queues runs persisted as queued (submissions that survived a
// restart) and begins the dispatch loop. ctx bounds every dispatched run:
// when it is cancelled, in-flight steps finish and runs fail as interrupted.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true
	s.mu.Unlock()

	queued, err := s.runs.ListByStatus(ctx, run.StatusQueued)
	if err != nil {
		return fmt.Errorf("loading queued runs: %w", err)
	}
	s.mu.Lock()
	for i := range queued {
		s.queue = append(s.queue, queued[i].ID)
	}
	restored := len(s.queue)
	s.mu.Unlock()
	if restored > 0 {
		s.logger.Info("restored queued runs", "count", restored)
	}

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop shuts the dispatch loop down and waits for dispatched runs to
// return. It does not cancel running work; cancel the Start context (or the
// individual runs) first for a faster drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.done)
	})
	s.wg.Wait()
}

// Submit accepts a run of the named protocol. The run record is durable
// before Submit returns; dispatch happens asynchronously in queue order.
// Returns the new run's ID.
func (s *Scheduler) Submit(ctx context.Context, protocolName string, params map[string]any) (string, error) {
	p, err := s.protocols.Get(protocolName)
	if err != nil {
		return "", fmt.Errorf("resolving protocol %q: %w", protocolName, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return "", ErrNotStarted
	}
	if s.stopped {
		return "", ErrStopped
	}
	if len(s.queue) >= s.queueSize {
		return "", fmt.Errorf("%w: %d runs waiting", ErrQueueFull, len(s.queue))
	}

	r := &run.Run{
		ID:           asset.GenerateID(),
		Protocol:     p.Name,
		Params:       params,
		Requirements: p.Requirements,
		Status:       run.StatusQueued,
	}
	if err := s.runs.Create(ctx, r); err != nil {
		return "", fmt.Errorf("persisting run: %w", err)
	}
	s.queue = append(s.queue, r.ID)
	s.kick()

	s.logger.Info("run submitted", "run_id", r.ID, "protocol", p.Name, "queued", len(s.queue))
	return r.ID, nil
}

// Cancel requests cancellation of a run. A queued run is cancelled in
// place, never reaching a worker; a dispatched run gets its cooperative
// token closed and finishes its in-flight step first. Cancelling a
// terminal run returns ErrNotCancellable.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	if a, ok := s.active[runID]; ok {
		s.mu.Unlock()
		a.requestCancel()
		s.logger.Info("run cancellation requested", "run_id", runID)
		return nil
	}
	s.removeQueuedLocked(runID)
	s.mu.Unlock()

	err := s.runs.Finish(ctx, runID, run.StatusCancelled, "", "")
	if err == nil {
		// The run never reached an orchestrator, so the terminal
		// message is published here.
		s.notifier.Publish(runID, notify.KindTerminal, map[string]any{
			"status": string(run.StatusCancelled),
		})
		s.logger.Info("queued run cancelled", "run_id", runID)
		return nil
	}
	if errors.Is(err, run.ErrInvalidTransition) {
		current, getErr := s.runs.Get(ctx, runID)
		if getErr != nil {
			return fmt.Errorf("cancelling run %s: %w", runID, getErr)
		}
		if current.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrNotCancellable, runID, current.Status)
		}
	}
	return fmt.Errorf("cancelling run %s: %w", runID, err)
}

// Stats reports current queue and worker occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Queued: len(s.queue), Active: len(s.active)}
}

// kick wakes the dispatch loop without blocking. Callers hold s.mu or do
// not care about ordering.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// removeQueuedLocked drops a run from the in-memory queue if present.
func (s *Scheduler) removeQueuedLocked(runID string) {
	for i, id := range s.queue {
		if id == runID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// loop is the dispatch loop: one pass per wake-up, submission, worker
// completion, or interval tick.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.dispatchInterval)
	defer ticker.Stop()

	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatch scans the queue in order and hands every dispatchable run to a
// worker, stopping when the pool is full. Runs whose requirements are not
// satisfiable right now are skipped and stay queued.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var remaining []string
	for i, runID := range s.queue {
		if len(s.active) >= s.workers {
			remaining = append(remaining, s.queue[i:]...)
			break
		}

		r, err := s.runs.Get(ctx, runID)
		if err != nil {
			s.logger.Error("dropping unloadable queued run", "run_id", runID, "error", err)
			continue
		}
		if r.Status != run.StatusQueued {
			// Cancelled (or otherwise moved on) while waiting.
			continue
		}

		p, err := s.protocols.Get(r.Protocol)
		if err != nil {
			s.failQueuedLocked(ctx, runID, fmt.Sprintf("resolving protocol %q: %v", r.Protocol, err))
			continue
		}

		if err := s.assets.Satisfiable(r.Requirements); err != nil {
			if errors.Is(err, asset.ErrUnsatisfiable) {
				// Not dispatchable now; inventory may come back.
				remaining = append(remaining, runID)
				continue
			}
			s.failQueuedLocked(ctx, runID, fmt.Sprintf("checking requirements: %v", err))
			continue
		}

		a := &activeRun{cancel: make(chan struct{})}
		s.active[runID] = a
		s.wg.Add(1)
		go s.work(ctx, r, p, a)
		s.logger.Info("run dispatched", "run_id", runID, "protocol", r.Protocol, "active", len(s.active))
	}
	s.queue = remaining

	s.telemetry.RecordQueueDepth(len(s.queue), len(s.active))
}

// failQueuedLocked finishes a queued run as failed before it ever reaches a
// worker. Best-effort: a failure here leaves the run to the recovery pass.
func (s *Scheduler) failQueuedLocked(ctx context.Context, runID, reason string) {
	s.logger.Error("failing queued run", "run_id", runID, "reason", reason)
	if err := s.runs.UpdateStatus(ctx, runID, run.StatusPreparing); err != nil {
		s.logger.Error("queued run failure transition failed", "run_id", runID, "error", err)
		return
	}
	if err := s.runs.Finish(ctx, runID, run.StatusFailed, run.ErrorKindInternal, reason); err != nil {
		s.logger.Error("queued run failure record failed", "run_id", runID, "error", err)
		return
	}
	s.notifier.Publish(runID, notify.KindTerminal, map[string]any{
		"status":     string(run.StatusFailed),
		"error":      reason,
		"error_kind": run.ErrorKindInternal,
	})
}

// work drives one dispatched run on a worker goroutine and frees the slot
// when it returns.
func (s *Scheduler) work(ctx context.Context, r *run.Run, p *protocol.Protocol, a *activeRun) {
	defer s.wg.Done()

	if err := s.executor.Execute(ctx, r, p, a.cancel); err != nil {
		// The executor already recorded the failure on the run.
		s.logger.Warn("run finished with error", "run_id", r.ID, "error", err)
	}

	s.mu.Lock()
	delete(s.active, r.ID)
	s.mu.Unlock()

	// Freed assets may unblock queued runs.
	s.kick()
}
