package runstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
)

// EventSink receives one change notification per durable write, in write
// order. Publish must not block: slow consumers are the sink's problem,
// not the writer's.
type EventSink interface {
	Publish(runID, kind string, payload any)
}

// noopSink discards events when no sink is configured.
type noopSink struct{}

func (noopSink) Publish(string, string, any) {}

// StoreOptions holds construction parameters for a Store.
type StoreOptions struct {
	// Repository persists state and log rows. Required.
	Repository Repository

	// Sink receives a change event after each write. Optional; nil
	// disables event emission.
	Sink EventSink

	// Logger is the structured logger. Optional.
	Logger *logging.Logger
}

// Store is the run state facade: durable writes through the repository,
// each followed by exactly one change event. A write has landed on disk
// before its event is visible and before the call returns.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	repo   Repository
	sink   EventSink
	logger *logging.Logger

	// mu orders each write with its event so observers see events in
	// the order the writes landed.
	mu sync.Mutex
}

// NewStore creates a store over the given repository.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("runstate: repository is required")
	}
	sink := opts.Sink
	if sink == nil {
		sink = noopSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		repo:   opts.Repository,
		sink:   sink,
		logger: logger,
	}, nil
}

// Set writes one run variable and emits a state event carrying the key and
// value that changed.
func (s *Store) Set(ctx context.Context, runID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.SetVar(ctx, runID, key, value); err != nil {
		return err
	}
	s.logger.Debug("run var recorded", "run_id", runID, "key", key)
	s.sink.Publish(runID, EventState, map[string]any{"key": key, "value": value})
	return nil
}

// Get retrieves a single run variable.
func (s *Store) Get(ctx context.Context, runID, key string) (any, error) {
	return s.repo.Var(ctx, runID, key)
}

// Vars retrieves a run's full variable map.
func (s *Store) Vars(ctx context.Context, runID string) (map[string]any, error) {
	return s.repo.Vars(ctx, runID)
}

// SetProgress records the last completed step and the completed fraction,
// emitting a state event with both.
func (s *Store) SetProgress(ctx context.Context, runID string, currentStep int, fraction float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.SetProgress(ctx, runID, currentStep, fraction); err != nil {
		return err
	}
	s.logger.Debug("run progress recorded",
		"run_id", runID,
		"current_step", currentStep,
		"progress", fraction,
	)
	s.sink.Publish(runID, EventState, map[string]any{
		"current_step": currentStep,
		"progress":     fraction,
	})
	return nil
}

// Progress retrieves a run's execution position.
func (s *Store) Progress(ctx context.Context, runID string) (*Progress, error) {
	return s.repo.Progress(ctx, runID)
}

// AppendLog appends one entry to the run's log and emits a log event
// carrying the stored entry, sequence number included.
func (s *Store) AppendLog(ctx context.Context, runID string, e *Entry) error {
	if e == nil {
		return ErrInvalidEntry
	}
	e.RunID = runID

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.AppendLog(ctx, e); err != nil {
		return err
	}
	s.sink.Publish(runID, EventLog, *e)
	return nil
}

// ReadLog retrieves a run's log entries with from <= seq <= to, ordered by
// seq. A to of zero or less means no upper bound.
func (s *Store) ReadLog(ctx context.Context, runID string, from, to int64) ([]Entry, error) {
	return s.repo.ReadLog(ctx, runID, from, to)
}

// Purge removes state and log rows for terminal runs that ended before the
// cutoff. Purged rows emit no events.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	removed, err := s.repo.Purge(ctx, before)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.logger.Info("expired run state purged", "rows", removed, "cutoff", before)
	}
	return removed, nil
}
