package asset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
)

// errContended signals that a requirement matches live inventory but every
// matching asset is currently held. Never escapes the package.
var errContended = errors.New("asset: contended")

// ManagerConfig holds tunable manager behaviour.
type ManagerConfig struct {
	// MaxWait bounds how long Reserve blocks for contended assets.
	// Zero means do not wait at all: a request that cannot be granted
	// immediately fails with ErrReservationTimeout.
	MaxWait time.Duration

	// Policy orders waiting requests when capacity frees up.
	// Defaults to FIFO.
	Policy Policy
}

// Manager arbitrates exclusive access to workcell assets. All reservation
// decisions happen under a single mutex against an in-memory availability
// cache; SQLite holds the durable record and backs the cache across restarts.
type Manager struct {
	repo   Repository
	logger *logging.Logger

	maxWait time.Duration
	policy  Policy

	mu      sync.Mutex
	assets  map[string]*Asset  // id -> cached asset
	holders map[string]string  // asset id -> run id holding it
	pending []*waiter          // waiting reservation requests, arrival order
	deferredOffline map[string]struct{} // reserved assets to park offline on release
}

// waiter is a blocked reservation request. All fields other than ready are
// guarded by the manager mutex.
type waiter struct {
	id      string
	runID   string
	reqs    []Requirement
	arrived time.Time

	ready chan struct{}
	grant []*Reservation
	err   error
	done  bool
}

// Stats is a point-in-time summary of inventory and contention.
type Stats struct {
	Total    int
	Free     int
	Reserved int
	Offline  int
	Waiting  int
}

// NewManager creates an asset manager over the given repository.
// Call RefreshCache before serving reservations.
func NewManager(repo Repository, logger *logging.Logger, cfg ManagerConfig) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = FIFOPolicy()
	}
	return &Manager{
		repo:            repo,
		logger:          logger,
		maxWait:         cfg.MaxWait,
		policy:          cfg.Policy,
		assets:          make(map[string]*Asset),
		holders:         make(map[string]string),
		deferredOffline: make(map[string]struct{}),
	}
}

// RefreshCache rebuilds the availability cache from the database. Called at
// startup after recovery and after layout imports change the inventory.
func (m *Manager) RefreshCache(ctx context.Context) error {
	assets, err := m.repo.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("loading inventory: %w", err)
	}
	active, err := m.repo.ListActiveReservations(ctx)
	if err != nil {
		return fmt.Errorf("loading reservations: %w", err)
	}

	byID := make(map[string]*Asset, len(assets))
	for i := range assets {
		byID[assets[i].ID] = assets[i].DeepCopy()
	}
	holders := make(map[string]string, len(active))
	for _, res := range active {
		holders[res.AssetID] = res.RunID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.deferredOffline {
		if _, ok := byID[id]; !ok {
			delete(m.deferredOffline, id)
		}
	}
	m.assets = byID
	m.holders = holders

	m.logger.Debug("availability cache refreshed",
		"assets", len(byID),
		"active_reservations", len(holders),
	)
	return nil
}

// Reserve acquires every requirement for a run or acquires nothing.
// Requirements are resolved in declaration order; each prefers an exact type
// match over a category match and takes the least recently reserved asset
// among equals. When matching assets exist but are held elsewhere, Reserve
// waits up to MaxWait (or ctx expiry, whichever is sooner) for capacity,
// then fails with ErrReservationTimeout. When no combination of known,
// non-offline assets could ever satisfy a requirement it fails immediately
// with ErrUnsatisfiable.
func (m *Manager) Reserve(ctx context.Context, runID string, reqs []Requirement) ([]*Reservation, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is required", ErrInvalidRequirement)
	}
	if err := ValidateRequirements(reqs); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return []*Reservation{}, nil
	}

	m.mu.Lock()
	grant, err := m.tryGrantLocked(ctx, runID, reqs)
	if err == nil {
		m.mu.Unlock()
		return grant, nil
	}
	if !errors.Is(err, errContended) {
		m.mu.Unlock()
		return nil, err
	}

	// Matching assets exist but are held. Queue and wait for the granter.
	if m.maxWait <= 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("reserving for run %s: %w", runID, ErrReservationTimeout)
	}

	w := &waiter{
		id:      uuid.New().String(),
		runID:   runID,
		reqs:    reqs,
		arrived: time.Now().UTC(),
		ready:   make(chan struct{}),
	}
	m.pending = append(m.pending, w)
	m.mu.Unlock()

	m.logger.Debug("reservation waiting for capacity",
		"run_id", runID,
		"requirements", len(reqs),
	)

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return w.grant, nil
	case <-ctx.Done():
		if grant, granted := m.abandon(w); granted {
			return grant, nil
		}
		return nil, fmt.Errorf("reserving for run %s: %w", runID, ctx.Err())
	case <-timer.C:
		if grant, granted := m.abandon(w); granted {
			return grant, nil
		}
		return nil, fmt.Errorf("reserving for run %s: %w", runID, ErrReservationTimeout)
	}
}

// abandon removes a waiter from the pending queue. If a grant raced ahead of
// the timeout the committed grant wins and is returned instead.
func (m *Manager) abandon(w *waiter) ([]*Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.done {
		return w.grant, w.grant != nil
	}
	w.done = true
	for i, p := range m.pending {
		if p == w {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	return nil, false
}

// Release frees every asset held by a run. Idempotent: releasing a run that
// holds nothing is a no-op.
func (m *Manager) Release(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidRequirement)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	freed, err := m.repo.ReleaseRun(ctx, runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("releasing run %s: %w", runID, err)
	}
	if len(freed) == 0 {
		return nil
	}

	m.applyReleaseLocked(ctx, freed)
	m.logger.Debug("run released assets", "run_id", runID, "count", len(freed))
	m.grantPendingLocked(ctx)
	return nil
}

// ReleaseOne frees a single reservation, for protocols that hand assets back
// mid-run. Idempotent: unknown or already released reservations are no-ops.
func (m *Manager) ReleaseOne(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return fmt.Errorf("%w: reservation id is required", ErrInvalidRequirement)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	assetID, err := m.repo.ReleaseReservation(ctx, reservationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("releasing reservation %s: %w", reservationID, err)
	}
	if assetID == "" {
		return nil
	}

	m.applyReleaseLocked(ctx, []string{assetID})
	m.logger.Debug("reservation released", "reservation_id", reservationID, "asset_id", assetID)
	m.grantPendingLocked(ctx)
	return nil
}

// Satisfiable reports whether the current inventory could satisfy the
// requirements if every asset were free. Existing reservations are ignored;
// offline assets are not. Used by the scheduler as a cheap dispatch gate.
func (m *Manager) Satisfiable(reqs []Requirement) error {
	if err := ValidateRequirements(reqs); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chosen := make(map[string]struct{})
	for _, req := range reqs {
		picks, err := m.pickCandidatesLocked(req, "", chosen, true)
		if err != nil {
			return err
		}
		for _, a := range picks {
			chosen[a.ID] = struct{}{}
		}
	}
	return nil
}

// MarkOffline removes an asset from reservation consideration. A free asset
// goes offline immediately; an asset currently reserved keeps serving its
// run and is parked offline when released.
func (m *Manager) MarkOffline(ctx context.Context, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[assetID]
	if !ok {
		return ErrAssetNotFound
	}

	if _, held := m.holders[assetID]; held {
		m.deferredOffline[assetID] = struct{}{}
		m.logger.Warn("asset unhealthy while reserved, offline deferred to release",
			"asset_id", assetID,
			"name", a.Name,
		)
		return nil
	}

	if a.Availability == AvailabilityOffline {
		return nil
	}
	if err := m.repo.SetAvailability(ctx, assetID, AvailabilityOffline); err != nil {
		return fmt.Errorf("marking asset offline: %w", err)
	}
	a.Availability = AvailabilityOffline
	m.logger.Info("asset marked offline", "asset_id", assetID, "name", a.Name)
	return nil
}

// MarkOnline returns an asset to the free pool and offers the new capacity
// to waiting reservations.
func (m *Manager) MarkOnline(ctx context.Context, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[assetID]
	if !ok {
		return ErrAssetNotFound
	}

	delete(m.deferredOffline, assetID)

	if a.Availability != AvailabilityOffline {
		return nil
	}
	if err := m.repo.SetAvailability(ctx, assetID, AvailabilityFree); err != nil {
		return fmt.Errorf("marking asset online: %w", err)
	}
	a.Availability = AvailabilityFree
	m.logger.Info("asset marked online", "asset_id", assetID, "name", a.Name)
	m.grantPendingLocked(ctx)
	return nil
}

// Stats returns a point-in-time inventory summary.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Total: len(m.assets), Waiting: len(m.pending)}
	for _, a := range m.assets {
		switch a.Availability {
		case AvailabilityFree:
			s.Free++
		case AvailabilityReserved:
			s.Reserved++
		case AvailabilityOffline:
			s.Offline++
		}
	}
	return s
}

// tryGrantLocked resolves requirements against the cache and, if every one
// can be met right now, commits the grant to the database and the cache.
// Returns errContended when matching inventory exists but is held, or an
// ErrUnsatisfiable wrap when it never could be met.
func (m *Manager) tryGrantLocked(ctx context.Context, runID string, reqs []Requirement) ([]*Reservation, error) {
	chosen := make(map[string]struct{})
	picks := make([]*Reservation, 0, len(reqs))
	now := time.Now().UTC()

	for _, req := range reqs {
		assets, err := m.pickCandidatesLocked(req, runID, chosen, false)
		if err != nil {
			return nil, err
		}
		reqID := req.ID
		if reqID == "" {
			reqID = req.Name
		}
		for _, a := range assets {
			chosen[a.ID] = struct{}{}
			picks = append(picks, &Reservation{
				ID:              GenerateID(),
				RunID:           runID,
				RequirementID:   reqID,
				RequirementName: req.Name,
				AssetID:         a.ID,
				AcquiredAt:      now,
			})
		}
	}

	if err := m.repo.GrantReservations(ctx, picks); err != nil {
		return nil, fmt.Errorf("granting reservations for run %s: %w", runID, err)
	}

	for _, res := range picks {
		a := m.assets[res.AssetID]
		a.Availability = AvailabilityReserved
		at := res.AcquiredAt
		a.LastReservedAt = &at
		m.holders[res.AssetID] = runID
	}

	m.logger.Debug("reservation granted",
		"run_id", runID,
		"requirements", len(reqs),
		"assets", len(picks),
	)
	return picks, nil
}

// pickCandidatesLocked selects the assets for one requirement. When
// ignoreHolds is set current reservations are disregarded and only offline
// assets are excluded, which answers "could this ever be satisfied".
func (m *Manager) pickCandidatesLocked(req Requirement, runID string, chosen map[string]struct{}, ignoreHolds bool) ([]*Asset, error) {
	units := req.units()

	type candidate struct {
		asset *Asset
		exact bool
	}

	matching := 0
	eligible := make([]candidate, 0, units)
	for _, a := range m.assets {
		ok, exact := matchesRequirement(a, req)
		if !ok {
			continue
		}
		if a.Availability == AvailabilityOffline {
			continue
		}
		if _, taken := chosen[a.ID]; taken {
			continue
		}
		matching++

		if !ignoreHolds {
			if a.Availability != AvailabilityFree {
				continue
			}
			if _, parked := m.deferredOffline[a.ID]; parked {
				continue
			}
			if !m.placementFreeLocked(a, runID, chosen) {
				continue
			}
		}
		eligible = append(eligible, candidate{asset: a, exact: exact})
	}

	if matching < units {
		return nil, fmt.Errorf("%w: requirement %q needs %d matching asset(s), inventory has %d",
			ErrUnsatisfiable, req.Name, units, matching)
	}
	if len(eligible) < units {
		return nil, errContended
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.exact != b.exact {
			return a.exact
		}
		at, bt := a.asset.LastReservedAt, b.asset.LastReservedAt
		if (at == nil) != (bt == nil) {
			return at == nil
		}
		if at != nil && !at.Equal(*bt) {
			return at.Before(*bt)
		}
		return a.asset.ID < b.asset.ID
	})

	picked := make([]*Asset, units)
	for i := range picked {
		picked[i] = eligible[i].asset
	}
	return picked, nil
}

// placementFreeLocked checks the ancestor chain of an asset. An asset may be
// reserved only if every ancestor is free, already held by the same run, or
// among the assets chosen in the same grant.
func (m *Manager) placementFreeLocked(a *Asset, runID string, chosen map[string]struct{}) bool {
	depth := 0
	for cur := a; cur.ParentID != nil; {
		depth++
		if depth > maxPlacementDepth {
			return false
		}
		parent, ok := m.assets[*cur.ParentID]
		if !ok {
			return true // Dangling link; chain ends here.
		}
		if parent.Availability == AvailabilityOffline {
			return false
		}
		if _, inGrant := chosen[parent.ID]; !inGrant {
			if holder, held := m.holders[parent.ID]; held {
				if holder != runID {
					return false
				}
			} else if parent.Availability == AvailabilityReserved {
				return false
			}
		}
		cur = parent
	}
	return true
}

// applyReleaseLocked updates the cache for freed assets, parking any that
// went unhealthy mid-reservation.
func (m *Manager) applyReleaseLocked(ctx context.Context, freed []string) {
	for _, id := range freed {
		delete(m.holders, id)
		a, ok := m.assets[id]
		if !ok {
			continue
		}
		if _, parked := m.deferredOffline[id]; parked {
			delete(m.deferredOffline, id)
			if err := m.repo.SetAvailability(ctx, id, AvailabilityOffline); err != nil {
				m.logger.Error("failed to park released asset offline",
					"asset_id", id,
					"error", err,
				)
			}
			a.Availability = AvailabilityOffline
			m.logger.Info("released asset parked offline", "asset_id", id, "name", a.Name)
			continue
		}
		a.Availability = AvailabilityFree
	}
}

// grantPendingLocked offers freed capacity to waiting requests in policy
// order. Each waiter is still all-or-nothing; requests over disjoint assets
// can be granted in the same pass.
func (m *Manager) grantPendingLocked(ctx context.Context) {
	if len(m.pending) == 0 {
		return
	}

	remaining := make([]*waiter, 0, len(m.pending))
	for _, w := range m.policy.Arrange(m.pending) {
		if w.done {
			continue
		}
		grant, err := m.tryGrantLocked(ctx, w.runID, w.reqs)
		switch {
		case err == nil:
			w.grant = grant
			w.done = true
			close(w.ready)
		case errors.Is(err, ErrUnsatisfiable):
			// Inventory changed underneath the waiter: fail it now
			// rather than waiting out the clock.
			w.err = err
			w.done = true
			close(w.ready)
		case errors.Is(err, errContended):
			remaining = append(remaining, w)
		default:
			m.logger.Error("granting queued reservation failed",
				"run_id", w.runID,
				"error", err,
			)
			remaining = append(remaining, w)
		}
	}
	m.pending = remaining
}

// matchesRequirement reports whether an asset satisfies a requirement's type
// or category constraint and carries all required tags. The second return
// distinguishes exact type matches, which rank ahead of category matches.
func matchesRequirement(a *Asset, req Requirement) (matches, exact bool) {
	typeMatch := req.Type != "" && a.Type == req.Type
	categoryMatch := req.Category != "" && a.Category == req.Category
	if !typeMatch && !categoryMatch {
		return false, false
	}
	for _, tag := range req.Tags {
		if !a.HasTag(tag) {
			return false, false
		}
	}
	return true, typeMatch
}
