package workcell

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
)

// Handle is a live driver session for one asset. Real handles talk to an
// instrument over the platform bus; simulated handles keep equivalent state
// in memory so protocol logic behaves identically either way.
//
// Execute is safe for concurrent use, but a single run drives its handles
// strictly sequentially, so handles never see overlapping commands from the
// same run.
type Handle interface {
	// AssetID returns the asset this handle drives.
	AssetID() string

	// Name returns the asset's human-readable name.
	Name() string

	// Execute sends one command to the driver and waits for its result.
	// Failures are reported as *DriverError.
	Execute(ctx context.Context, command string, args map[string]any) (map[string]any, error)

	// State returns a snapshot of the handle's last known state. The
	// returned map is a copy the caller may mutate.
	State() map[string]any

	// Close ends the driver session. Idempotent.
	Close(ctx context.Context) error
}

// Backend establishes driver sessions. Two variants exist: SimulatedBackend
// for hardware-free operation and MQTTBackend for real instruments reached
// over the platform bus. The Runtime is agnostic to which is in use.
type Backend interface {
	// Name identifies the backend kind ("simulated", "mqtt").
	Name() string

	// Connect performs the connect/initialise sequence for an asset and
	// returns its handle.
	Connect(ctx context.Context, a *asset.Asset) (Handle, error)

	// Close releases backend-wide resources. Handles created by the
	// backend are closed separately by the runtime.
	Close() error
}

// HealthSink receives per-asset health changes observed by the runtime or
// its backend. Satisfied by *asset.Manager, so an instrument that drops off
// the bus falls out of reservation candidate sets without a separate poll.
type HealthSink interface {
	MarkOffline(ctx context.Context, assetID string) error
	MarkOnline(ctx context.Context, assetID string) error
}

// RuntimeOptions holds construction parameters for a Runtime.
type RuntimeOptions struct {
	// Backend establishes driver sessions. Required.
	Backend Backend

	// Health receives connect failures and driver status changes.
	// Optional; nil disables health propagation.
	Health HealthSink

	// Logger is the structured logger. Optional.
	Logger *logging.Logger
}

// Runtime is the registry of live driver handles, keyed by asset id so that
// exactly one handle exists per asset at a time. It is the single source of
// truth for "is this asset currently attached".
//
// Thread Safety: all methods are safe for concurrent use.
type Runtime struct {
	backend Backend
	health  HealthSink
	logger  *logging.Logger

	mu      sync.RWMutex
	handles map[string]Handle
}

// NewRuntime creates a runtime over the given backend.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("workcell: backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Runtime{
		backend: opts.Backend,
		health:  opts.Health,
		logger:  logger,
		handles: make(map[string]Handle),
	}, nil
}

// Attach connects a driver session for the asset and registers its handle.
// A second attach for the same asset fails with ErrAlreadyAttached. A
// connect failure is pushed to the health sink so the asset drops out of
// future reservation candidate sets.
func (r *Runtime) Attach(ctx context.Context, a *asset.Asset) (Handle, error) {
	if a == nil || a.ID == "" {
		return nil, fmt.Errorf("workcell: asset is required")
	}

	r.mu.Lock()
	if _, ok := r.handles[a.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, a.ID)
	}
	// Hold the slot while connecting so concurrent attaches for the same
	// asset cannot race past the duplicate check.
	r.handles[a.ID] = nil
	r.mu.Unlock()

	h, err := r.backend.Connect(ctx, a)
	if err != nil {
		r.mu.Lock()
		delete(r.handles, a.ID)
		r.mu.Unlock()

		r.reportOffline(ctx, a.ID)

		// Backends that already produced a DriverError keep it as is.
		var de *DriverError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, driverErr(a.ID, "connect", err)
	}

	r.mu.Lock()
	r.handles[a.ID] = h
	r.mu.Unlock()

	r.logger.Debug("asset attached",
		"asset_id", a.ID,
		"name", a.Name,
		"backend", r.backend.Name(),
	)
	return h, nil
}

// AttachAll attaches every asset, or attaches nothing. On failure the
// handles attached so far are detached before the error is returned, so a
// partially initialised workcell never leaks into a run.
func (r *Runtime) AttachAll(ctx context.Context, assets []*asset.Asset) (map[string]Handle, error) {
	handles := make(map[string]Handle, len(assets))
	for _, a := range assets {
		h, err := r.Attach(ctx, a)
		if err != nil {
			for id := range handles {
				if derr := r.Detach(ctx, id); derr != nil {
					r.logger.Warn("detach during attach rollback failed",
						"asset_id", id, "error", derr)
				}
			}
			return nil, err
		}
		handles[a.ID] = h
	}
	return handles, nil
}

// Detach closes the asset's driver session and removes its handle.
// Detaching an unknown asset fails with ErrNotAttached.
func (r *Runtime) Detach(ctx context.Context, assetID string) error {
	r.mu.Lock()
	h, ok := r.handles[assetID]
	if ok {
		delete(r.handles, assetID)
	}
	r.mu.Unlock()

	if !ok || h == nil {
		return fmt.Errorf("%w: %s", ErrNotAttached, assetID)
	}
	if err := h.Close(ctx); err != nil {
		var de *DriverError
		if errors.As(err, &de) {
			return err
		}
		return driverErr(assetID, "close", err)
	}

	r.logger.Debug("asset detached", "asset_id", assetID)
	return nil
}

// DetachAll closes every live handle. Used on shutdown; close errors are
// logged, not returned.
func (r *Runtime) DetachAll(ctx context.Context) {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]Handle)
	r.mu.Unlock()

	for id, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Close(ctx); err != nil {
			r.logger.Warn("handle close failed", "asset_id", id, "error", err)
		}
	}
}

// Get returns the live handle for an asset, or ErrNotAttached.
func (r *Runtime) Get(assetID string) (Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[assetID]
	r.mu.RUnlock()

	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAttached, assetID)
	}
	return h, nil
}

// Attached returns the ids of all currently attached assets, sorted.
func (r *Runtime) Attached() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handles))
	for id, h := range r.handles {
		if h != nil {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of live handles.
func (r *Runtime) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, h := range r.handles {
		if h != nil {
			n++
		}
	}
	return n
}

// reportOffline pushes an offline transition to the health sink, if any.
func (r *Runtime) reportOffline(ctx context.Context, assetID string) {
	if r.health == nil {
		return
	}
	if err := r.health.MarkOffline(ctx, assetID); err != nil {
		r.logger.Warn("failed to mark asset offline", "asset_id", assetID, "error", err)
	}
}
