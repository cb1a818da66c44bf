package runstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
)

// Sweeper periodically purges state and log rows of terminal runs whose
// retention window has lapsed. The runs table keeps its rows, so run
// history outlives the working state.
type Sweeper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    *logging.Logger

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// SweeperOptions holds configuration for the sweeper.
type SweeperOptions struct {
	// Store is the run state store to sweep. Required.
	Store *Store

	// Retention is how long state and logs are kept after a run ends.
	// Default: 24 hours.
	Retention time.Duration

	// Interval is how often the sweep runs. Default: 15 minutes.
	Interval time.Duration

	// Logger is the structured logger. Optional.
	Logger *logging.Logger
}

// NewSweeper creates a sweeper. Call Start to begin sweeping.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("runstate: store is required")
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		store:     opts.Store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins periodic sweeping. An initial sweep runs immediately to
// clear any backlog accumulated while the service was down. Call Stop to
// shut down.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.sweepLoop(ctx)
}

// Stop gracefully stops sweeping. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// SweepNow runs one sweep immediately, purging everything older than the
// retention window.
func (s *Sweeper) SweepNow(ctx context.Context) (int64, error) {
	return s.store.Purge(ctx, time.Now().UTC().Add(-s.retention))
}

// sweepLoop runs the periodic sweep.
func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if _, err := s.SweepNow(ctx); err != nil {
		s.logger.Error("initial retention sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.SweepNow(ctx); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}
