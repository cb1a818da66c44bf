package asset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu           sync.Mutex
	assets       map[string]*Asset
	reservations map[string]*Reservation
	// For testing error paths
	grantErr   error
	releaseErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		assets:       make(map[string]*Asset),
		reservations: make(map[string]*Reservation),
	}
}

func (m *MockRepository) CreateAsset(_ context.Context, a *Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assets[a.ID]; exists {
		return ErrAssetExists
	}
	for _, other := range m.assets {
		if other.Name == a.Name {
			return ErrAssetExists
		}
	}
	m.assets[a.ID] = a.DeepCopy()
	return nil
}

func (m *MockRepository) GetAsset(_ context.Context, id string) (*Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.assets[id]; ok {
		return a.DeepCopy(), nil
	}
	return nil, ErrAssetNotFound
}

func (m *MockRepository) GetAssetByName(_ context.Context, name string) (*Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.assets {
		if a.Name == name {
			return a.DeepCopy(), nil
		}
	}
	return nil, ErrAssetNotFound
}

func (m *MockRepository) ListAssets(_ context.Context) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	assets := make([]Asset, 0, len(m.assets))
	for _, a := range m.assets {
		assets = append(assets, *a.DeepCopy())
	}
	return assets, nil
}

func (m *MockRepository) ListCandidates(_ context.Context, typeConstraint, category string) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var assets []Asset
	for _, a := range m.assets {
		if a.Type == typeConstraint || (category != "" && a.Category == category) {
			assets = append(assets, *a.DeepCopy())
		}
	}
	return assets, nil
}

func (m *MockRepository) GetAncestors(_ context.Context, assetID string) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[assetID]
	if !ok {
		return nil, ErrAssetNotFound
	}

	var ancestors []Asset
	for a.ParentID != nil {
		if len(ancestors) >= maxPlacementDepth {
			return nil, ErrPlacementCycle
		}
		parent, ok := m.assets[*a.ParentID]
		if !ok {
			break
		}
		ancestors = append(ancestors, *parent.DeepCopy())
		a = parent
	}
	return ancestors, nil
}

func (m *MockRepository) UpdateAsset(_ context.Context, a *Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assets[a.ID]; !exists {
		return ErrAssetNotFound
	}
	m.assets[a.ID] = a.DeepCopy()
	return nil
}

func (m *MockRepository) DeleteAsset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assets[id]; !exists {
		return ErrAssetNotFound
	}
	delete(m.assets, id)
	return nil
}

func (m *MockRepository) SetAvailability(_ context.Context, id string, availability Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return ErrAssetNotFound
	}
	a.Availability = availability
	return nil
}

func (m *MockRepository) GrantReservations(_ context.Context, reservations []*Reservation) error {
	if m.grantErr != nil {
		return m.grantErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// All-or-nothing: verify first, then apply.
	for _, res := range reservations {
		a, ok := m.assets[res.AssetID]
		if !ok || a.Availability != AvailabilityFree {
			return ErrReservationConflict
		}
		for _, other := range m.reservations {
			if other.AssetID == res.AssetID && other.ReleasedAt == nil {
				return ErrReservationConflict
			}
		}
	}
	for _, res := range reservations {
		copied := *res
		m.reservations[res.ID] = &copied
		a := m.assets[res.AssetID]
		a.Availability = AvailabilityReserved
		at := res.AcquiredAt
		a.LastReservedAt = &at
	}
	return nil
}

func (m *MockRepository) ReleaseRun(_ context.Context, runID string, at time.Time) ([]string, error) {
	if m.releaseErr != nil {
		return nil, m.releaseErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var freed []string
	for _, res := range m.reservations {
		if res.RunID == runID && res.ReleasedAt == nil {
			released := at
			res.ReleasedAt = &released
			if a, ok := m.assets[res.AssetID]; ok && a.Availability == AvailabilityReserved {
				a.Availability = AvailabilityFree
			}
			freed = append(freed, res.AssetID)
		}
	}
	return freed, nil
}

func (m *MockRepository) ReleaseReservation(_ context.Context, reservationID string, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok || res.ReleasedAt != nil {
		return "", nil
	}
	released := at
	res.ReleasedAt = &released
	if a, ok := m.assets[res.AssetID]; ok && a.Availability == AvailabilityReserved {
		a.Availability = AvailabilityFree
	}
	return res.AssetID, nil
}

func (m *MockRepository) ListActiveReservations(_ context.Context) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []Reservation
	for _, res := range m.reservations {
		if res.ReleasedAt == nil {
			active = append(active, *res)
		}
	}
	return active, nil
}

func (m *MockRepository) ListReservationsByRun(_ context.Context, runID string) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reservation
	for _, res := range m.reservations {
		if res.RunID == runID {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (m *MockRepository) RepairAvailability(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var repaired []string
	for id, a := range m.assets {
		if a.Availability != AvailabilityReserved {
			continue
		}
		held := false
		for _, res := range m.reservations {
			if res.AssetID == id && res.ReleasedAt == nil {
				held = true
				break
			}
		}
		if !held {
			a.Availability = AvailabilityFree
			repaired = append(repaired, id)
		}
	}
	return repaired, nil
}

// activeCount reports active reservations held in the mock.
func (m *MockRepository) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, res := range m.reservations {
		if res.ReleasedAt == nil {
			n++
		}
	}
	return n
}

// addAsset adds an asset directly to the mock for test setup.
func (m *MockRepository) addAsset(a *Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.ID] = a.DeepCopy()
}

// mockAsset builds a free machine asset for manager tests.
func mockAsset(id, typ, category string) *Asset {
	return &Asset{
		ID:           id,
		Name:         id,
		Kind:         KindMachine,
		Type:         typ,
		Category:     category,
		Availability: AvailabilityFree,
	}
}

// setupManager builds a manager over a mock repository with the given
// assets already cached.
func setupManager(t *testing.T, maxWait time.Duration, assets ...*Asset) (*Manager, *MockRepository) {
	t.Helper()

	repo := NewMockRepository()
	for _, a := range assets {
		repo.addAsset(a)
	}
	mgr := NewManager(repo, nil, ManagerConfig{MaxWait: maxWait})
	if err := mgr.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	return mgr, repo
}

// waitFor polls until cond holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type reserveResult struct {
	grant []*Reservation
	err   error
}

func TestManager_Reserve(t *testing.T) {
	ctx := context.Background()

	t.Run("grants a free asset immediately", func(t *testing.T) {
		mgr, repo := setupManager(t, time.Second, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		grant, err := mgr.Reserve(ctx, "run-1", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if len(grant) != 1 {
			t.Fatalf("grant size = %d, want 1", len(grant))
		}
		if grant[0].AssetID != "ot2-1" {
			t.Errorf("AssetID = %q, want ot2-1", grant[0].AssetID)
		}
		if grant[0].RunID != "run-1" {
			t.Errorf("RunID = %q, want run-1", grant[0].RunID)
		}
		if grant[0].RequirementName != "pipettor" {
			t.Errorf("RequirementName = %q, want pipettor", grant[0].RequirementName)
		}
		if repo.activeCount() != 1 {
			t.Errorf("active reservations = %d, want 1", repo.activeCount())
		}
		if stats := mgr.Stats(); stats.Reserved != 1 || stats.Free != 0 {
			t.Errorf("Stats() = %+v, want 1 reserved, 0 free", stats)
		}
	})

	t.Run("empty requirements grant nothing", func(t *testing.T) {
		mgr, repo := setupManager(t, time.Second, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		grant, err := mgr.Reserve(ctx, "run-1", nil)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if len(grant) != 0 {
			t.Errorf("grant size = %d, want 0", len(grant))
		}
		if repo.activeCount() != 0 {
			t.Errorf("active reservations = %d, want 0", repo.activeCount())
		}
	})

	t.Run("multi unit requirement takes several assets", func(t *testing.T) {
		mgr, _ := setupManager(t, time.Second,
			mockAsset("plate-1", "corning_96", "microplate"),
			mockAsset("plate-2", "corning_96", "microplate"),
			mockAsset("plate-3", "corning_96", "microplate"),
		)

		grant, err := mgr.Reserve(ctx, "run-1", []Requirement{{Name: "plates", Type: "corning_96", Count: 2}})
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if len(grant) != 2 {
			t.Errorf("grant size = %d, want 2", len(grant))
		}
		if stats := mgr.Stats(); stats.Free != 1 {
			t.Errorf("free after grant = %d, want 1", stats.Free)
		}
	})
}

func TestManager_Reserve_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	mgr, repo := setupManager(t, time.Second, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

	// First requirement is satisfiable, second matches nothing in the
	// inventory. Nothing at all may be held afterwards.
	_, err := mgr.Reserve(ctx, "run-1", []Requirement{
		{Name: "pipettor", Type: "opentrons_ot2"},
		{Name: "centrifuge", Type: "eppendorf_5430"},
	})
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Fatalf("Reserve() error = %v, want ErrUnsatisfiable", err)
	}
	if repo.activeCount() != 0 {
		t.Errorf("active reservations = %d, want 0 after failed reserve", repo.activeCount())
	}
	if stats := mgr.Stats(); stats.Reserved != 0 {
		t.Errorf("reserved = %d, want 0 after failed reserve", stats.Reserved)
	}

	// The single asset must still be grantable.
	if _, err := mgr.Reserve(ctx, "run-2", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
		t.Errorf("follow-up Reserve() error = %v", err)
	}
}

func TestManager_Reserve_Ranking(t *testing.T) {
	ctx := context.Background()

	t.Run("exact type beats category match", func(t *testing.T) {
		exact := mockAsset("plate-exact", "corning_96", "microplate")
		generic := mockAsset("plate-generic", "nest_96", "microplate")
		mgr, _ := setupManager(t, time.Second, exact, generic)

		grant, err := mgr.Reserve(ctx, "run-1", []Requirement{
			{Name: "plate", Type: "corning_96", Category: "microplate"},
		})
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if grant[0].AssetID != "plate-exact" {
			t.Errorf("AssetID = %q, want plate-exact", grant[0].AssetID)
		}
	})

	t.Run("never reserved beats recently reserved", func(t *testing.T) {
		fresh := mockAsset("plate-fresh", "corning_96", "microplate")
		used := mockAsset("plate-used", "corning_96", "microplate")
		usedAt := time.Now().UTC().Add(-time.Hour)
		used.LastReservedAt = &usedAt
		mgr, _ := setupManager(t, time.Second, fresh, used)

		grant, err := mgr.Reserve(ctx, "run-1", []Requirement{{Name: "plate", Type: "corning_96"}})
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if grant[0].AssetID != "plate-fresh" {
			t.Errorf("AssetID = %q, want plate-fresh", grant[0].AssetID)
		}
	})

	t.Run("least recently reserved wins among used", func(t *testing.T) {
		older := mockAsset("plate-older", "corning_96", "microplate")
		newer := mockAsset("plate-newer", "corning_96", "microplate")
		olderAt := time.Now().UTC().Add(-2 * time.Hour)
		newerAt := time.Now().UTC().Add(-time.Hour)
		older.LastReservedAt = &olderAt
		newer.LastReservedAt = &newerAt
		mgr, _ := setupManager(t, time.Second, older, newer)

		grant, err := mgr.Reserve(ctx, "run-1", []Requirement{{Name: "plate", Type: "corning_96"}})
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if grant[0].AssetID != "plate-older" {
			t.Errorf("AssetID = %q, want plate-older", grant[0].AssetID)
		}
	})

	t.Run("tags restrict matches", func(t *testing.T) {
		plain := mockAsset("plate-plain", "corning_96", "microplate")
		tagged := mockAsset("plate-tagged", "corning_96", "microplate")
		tagged.Tags = []string{"sterile"}
		mgr, _ := setupManager(t, time.Second, plain, tagged)

		grant, err := mgr.Reserve(ctx, "run-1", []Requirement{
			{Name: "plate", Type: "corning_96", Tags: []string{"sterile"}},
		})
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if grant[0].AssetID != "plate-tagged" {
			t.Errorf("AssetID = %q, want plate-tagged", grant[0].AssetID)
		}
	})
}

func TestManager_Reserve_Unsatisfiable(t *testing.T) {
	ctx := context.Background()

	t.Run("no matching inventory fails immediately", func(t *testing.T) {
		mgr, _ := setupManager(t, time.Minute, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		start := time.Now()
		_, err := mgr.Reserve(ctx, "run-1", []Requirement{{Name: "reader", Type: "plate_reader"}})
		if !errors.Is(err, ErrUnsatisfiable) {
			t.Fatalf("Reserve() error = %v, want ErrUnsatisfiable", err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("unsatisfiable reserve took %v, want immediate failure", elapsed)
		}
	})

	t.Run("count above inventory fails immediately", func(t *testing.T) {
		mgr, _ := setupManager(t, time.Minute, mockAsset("plate-1", "corning_96", "microplate"))

		_, err := mgr.Reserve(ctx, "run-1", []Requirement{{Name: "plates", Type: "corning_96", Count: 2}})
		if !errors.Is(err, ErrUnsatisfiable) {
			t.Errorf("Reserve() error = %v, want ErrUnsatisfiable", err)
		}
	})
}

func TestManager_Reserve_Contention(t *testing.T) {
	ctx := context.Background()

	t.Run("held asset times out after max wait", func(t *testing.T) {
		mgr, _ := setupManager(t, 50*time.Millisecond, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("first Reserve() error = %v", err)
		}

		_, err := mgr.Reserve(ctx, "run-b", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
		if !errors.Is(err, ErrReservationTimeout) {
			t.Errorf("second Reserve() error = %v, want ErrReservationTimeout", err)
		}
		if stats := mgr.Stats(); stats.Waiting != 0 {
			t.Errorf("waiting = %d, want 0 after timeout", stats.Waiting)
		}
	})

	t.Run("zero max wait does not wait", func(t *testing.T) {
		mgr, _ := setupManager(t, 0, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("first Reserve() error = %v", err)
		}

		start := time.Now()
		_, err := mgr.Reserve(ctx, "run-b", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
		if !errors.Is(err, ErrReservationTimeout) {
			t.Errorf("Reserve() error = %v, want ErrReservationTimeout", err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("zero max wait reserve took %v, want immediate failure", elapsed)
		}
	})

	t.Run("waiter acquires after release", func(t *testing.T) {
		mgr, _ := setupManager(t, 5*time.Second, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("first Reserve() error = %v", err)
		}

		done := make(chan reserveResult, 1)
		go func() {
			grant, err := mgr.Reserve(ctx, "run-b", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
			done <- reserveResult{grant, err}
		}()

		waitFor(t, 2*time.Second, "run-b to queue", func() bool {
			return mgr.Stats().Waiting == 1
		})

		if err := mgr.Release(ctx, "run-a"); err != nil {
			t.Fatalf("Release() error = %v", err)
		}

		select {
		case res := <-done:
			if res.err != nil {
				t.Fatalf("queued Reserve() error = %v", res.err)
			}
			if len(res.grant) != 1 || res.grant[0].AssetID != "ot2-1" {
				t.Errorf("queued grant = %v, want ot2-1", res.grant)
			}
			if res.grant[0].RunID != "run-b" {
				t.Errorf("RunID = %q, want run-b", res.grant[0].RunID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("queued Reserve() did not complete after release")
		}
	})

	t.Run("waiters are served in arrival order", func(t *testing.T) {
		mgr, _ := setupManager(t, 5*time.Second, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("first Reserve() error = %v", err)
		}

		reqs := []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}
		doneB := make(chan reserveResult, 1)
		go func() {
			grant, err := mgr.Reserve(ctx, "run-b", reqs)
			doneB <- reserveResult{grant, err}
		}()
		waitFor(t, 2*time.Second, "run-b to queue", func() bool {
			return mgr.Stats().Waiting == 1
		})

		doneC := make(chan reserveResult, 1)
		go func() {
			grant, err := mgr.Reserve(ctx, "run-c", reqs)
			doneC <- reserveResult{grant, err}
		}()
		waitFor(t, 2*time.Second, "run-c to queue", func() bool {
			return mgr.Stats().Waiting == 2
		})

		if err := mgr.Release(ctx, "run-a"); err != nil {
			t.Fatalf("Release(run-a) error = %v", err)
		}

		select {
		case res := <-doneB:
			if res.err != nil {
				t.Fatalf("run-b Reserve() error = %v", res.err)
			}
		case res := <-doneC:
			t.Fatalf("run-c granted before run-b: %+v", res)
		case <-time.After(2 * time.Second):
			t.Fatal("run-b not granted after first release")
		}

		if err := mgr.Release(ctx, "run-b"); err != nil {
			t.Fatalf("Release(run-b) error = %v", err)
		}

		select {
		case res := <-doneC:
			if res.err != nil {
				t.Fatalf("run-c Reserve() error = %v", res.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("run-c not granted after second release")
		}
	})

	t.Run("disjoint requests do not block each other", func(t *testing.T) {
		mgr, _ := setupManager(t, 50*time.Millisecond,
			mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"),
			mockAsset("reader-1", "plate_reader", "reader"),
		)

		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("first Reserve() error = %v", err)
		}

		// Needs a different asset entirely, so the hold on ot2-1 is irrelevant.
		grant, err := mgr.Reserve(ctx, "run-b", []Requirement{{Name: "reader", Type: "plate_reader"}})
		if err != nil {
			t.Fatalf("disjoint Reserve() error = %v", err)
		}
		if grant[0].AssetID != "reader-1" {
			t.Errorf("AssetID = %q, want reader-1", grant[0].AssetID)
		}
	})

	t.Run("caller context cancels the wait", func(t *testing.T) {
		mgr, _ := setupManager(t, time.Minute, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("first Reserve() error = %v", err)
		}

		waitCtx, cancel := context.WithCancel(ctx)
		done := make(chan reserveResult, 1)
		go func() {
			grant, err := mgr.Reserve(waitCtx, "run-b", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
			done <- reserveResult{grant, err}
		}()
		waitFor(t, 2*time.Second, "run-b to queue", func() bool {
			return mgr.Stats().Waiting == 1
		})

		cancel()

		select {
		case res := <-done:
			if !errors.Is(res.err, context.Canceled) {
				t.Errorf("Reserve() error = %v, want context.Canceled", res.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("cancelled Reserve() did not return")
		}
	})
}

func TestManager_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("frees all assets held by the run", func(t *testing.T) {
		mgr, repo := setupManager(t, time.Second,
			mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"),
			mockAsset("plate-1", "corning_96", "microplate"),
		)

		if _, err := mgr.Reserve(ctx, "run-1", []Requirement{
			{Name: "pipettor", Type: "opentrons_ot2"},
			{Name: "plate", Type: "corning_96"},
		}); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}

		if err := mgr.Release(ctx, "run-1"); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		if stats := mgr.Stats(); stats.Free != 2 || stats.Reserved != 0 {
			t.Errorf("Stats() = %+v, want 2 free", stats)
		}
		if repo.activeCount() != 0 {
			t.Errorf("active reservations = %d, want 0", repo.activeCount())
		}
	})

	t.Run("release is idempotent", func(t *testing.T) {
		mgr, _ := setupManager(t, time.Second, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		if _, err := mgr.Reserve(ctx, "run-1", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if err := mgr.Release(ctx, "run-1"); err != nil {
			t.Fatalf("first Release() error = %v", err)
		}
		if err := mgr.Release(ctx, "run-1"); err != nil {
			t.Errorf("second Release() error = %v", err)
		}
		if err := mgr.Release(ctx, "run-never-reserved"); err != nil {
			t.Errorf("Release() of unknown run error = %v", err)
		}
	})

	t.Run("repository errors propagate", func(t *testing.T) {
		mgr, repo := setupManager(t, time.Second, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		repo.releaseErr = errors.New("disk full")
		if err := mgr.Release(ctx, "run-1"); err == nil {
			t.Error("Release() error = nil, want error")
		}
	})

	t.Run("grant failure leaves nothing held", func(t *testing.T) {
		mgr, repo := setupManager(t, time.Second, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))
		reqs := []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}

		repo.grantErr = errors.New("database is locked")
		if _, err := mgr.Reserve(ctx, "run-1", reqs); err == nil {
			t.Fatal("Reserve() error = nil, want error")
		}

		repo.grantErr = nil
		if _, err := mgr.Reserve(ctx, "run-1", reqs); err != nil {
			t.Errorf("Reserve() after recovery error = %v", err)
		}
	})
}

func TestManager_ReleaseOne(t *testing.T) {
	ctx := context.Background()
	mgr, _ := setupManager(t, time.Second,
		mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"),
		mockAsset("plate-1", "corning_96", "microplate"),
	)

	grant, err := mgr.Reserve(ctx, "run-1", []Requirement{
		{Name: "pipettor", Type: "opentrons_ot2"},
		{Name: "plate", Type: "corning_96"},
	})
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	var plateRes *Reservation
	for _, res := range grant {
		if res.RequirementName == "plate" {
			plateRes = res
		}
	}
	if plateRes == nil {
		t.Fatal("no reservation recorded for plate requirement")
	}

	if err := mgr.ReleaseOne(ctx, plateRes.ID); err != nil {
		t.Fatalf("ReleaseOne() error = %v", err)
	}
	if stats := mgr.Stats(); stats.Free != 1 || stats.Reserved != 1 {
		t.Errorf("Stats() = %+v, want 1 free 1 reserved", stats)
	}

	// Repeat release and unknown reservation are no-ops.
	if err := mgr.ReleaseOne(ctx, plateRes.ID); err != nil {
		t.Errorf("repeat ReleaseOne() error = %v", err)
	}
	if err := mgr.ReleaseOne(ctx, "res-unknown"); err != nil {
		t.Errorf("unknown ReleaseOne() error = %v", err)
	}

	// The freed plate is immediately grantable to another run.
	if _, err := mgr.Reserve(ctx, "run-2", []Requirement{{Name: "plate", Type: "corning_96"}}); err != nil {
		t.Errorf("Reserve() of freed plate error = %v", err)
	}
}

func TestManager_Reserve_AncestorChain(t *testing.T) {
	ctx := context.Background()

	machine := mockAsset("machine-1", "opentrons_ot2", "liquid_handler")
	deck := mockAsset("deck-1", "ot2_deck", "deck")
	deck.Kind = KindDeck
	deck.ParentID = &machine.ID
	plate := mockAsset("plate-1", "corning_96", "microplate")
	plate.Kind = KindResource
	plate.ParentID = &deck.ID

	t.Run("blocked while an ancestor is held by another run", func(t *testing.T) {
		mgr, _ := setupManager(t, 0, machine, deck, plate)

		if _, err := mgr.Reserve(ctx, "run-x", []Requirement{{Name: "machine", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("Reserve(machine) error = %v", err)
		}

		_, err := mgr.Reserve(ctx, "run-y", []Requirement{{Name: "plate", Type: "corning_96"}})
		if !errors.Is(err, ErrReservationTimeout) {
			t.Errorf("Reserve(plate) error = %v, want ErrReservationTimeout", err)
		}
	})

	t.Run("allowed when the ancestor is held by the same run", func(t *testing.T) {
		mgr, _ := setupManager(t, 0, machine, deck, plate)

		if _, err := mgr.Reserve(ctx, "run-x", []Requirement{{Name: "machine", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("Reserve(machine) error = %v", err)
		}

		grant, err := mgr.Reserve(ctx, "run-x", []Requirement{{Name: "plate", Type: "corning_96"}})
		if err != nil {
			t.Fatalf("Reserve(plate) error = %v", err)
		}
		if grant[0].AssetID != "plate-1" {
			t.Errorf("AssetID = %q, want plate-1", grant[0].AssetID)
		}
	})

	t.Run("allowed when ancestors are part of the same grant", func(t *testing.T) {
		mgr, _ := setupManager(t, 0, machine, deck, plate)

		grant, err := mgr.Reserve(ctx, "run-z", []Requirement{
			{Name: "deck", Type: "ot2_deck"},
			{Name: "plate", Type: "corning_96"},
		})
		if err != nil {
			t.Fatalf("Reserve(deck+plate) error = %v", err)
		}
		if len(grant) != 2 {
			t.Errorf("grant size = %d, want 2", len(grant))
		}
	})
}

func TestManager_Health(t *testing.T) {
	ctx := context.Background()

	t.Run("offline assets never match", func(t *testing.T) {
		mgr, _ := setupManager(t, time.Minute, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		if err := mgr.MarkOffline(ctx, "ot2-1"); err != nil {
			t.Fatalf("MarkOffline() error = %v", err)
		}

		_, err := mgr.Reserve(ctx, "run-1", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
		if !errors.Is(err, ErrUnsatisfiable) {
			t.Errorf("Reserve() error = %v, want ErrUnsatisfiable", err)
		}
		if stats := mgr.Stats(); stats.Offline != 1 {
			t.Errorf("offline = %d, want 1", stats.Offline)
		}
	})

	t.Run("unknown asset returns ErrAssetNotFound", func(t *testing.T) {
		mgr, _ := setupManager(t, time.Second)

		if err := mgr.MarkOffline(ctx, "ghost"); !errors.Is(err, ErrAssetNotFound) {
			t.Errorf("MarkOffline() error = %v, want ErrAssetNotFound", err)
		}
		if err := mgr.MarkOnline(ctx, "ghost"); !errors.Is(err, ErrAssetNotFound) {
			t.Errorf("MarkOnline() error = %v, want ErrAssetNotFound", err)
		}
	})

	t.Run("reserved asset goes offline on release, not before", func(t *testing.T) {
		mgr, _ := setupManager(t, time.Second, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if err := mgr.MarkOffline(ctx, "ot2-1"); err != nil {
			t.Fatalf("MarkOffline() error = %v", err)
		}

		// Still reserved: the running run keeps its grant.
		if stats := mgr.Stats(); stats.Reserved != 1 || stats.Offline != 0 {
			t.Errorf("Stats() = %+v, want asset still reserved", stats)
		}

		if err := mgr.Release(ctx, "run-a"); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		if stats := mgr.Stats(); stats.Offline != 1 || stats.Free != 0 {
			t.Errorf("Stats() = %+v, want asset parked offline after release", stats)
		}
	})

	t.Run("waiter fails fast when released asset parks offline", func(t *testing.T) {
		mgr, _ := setupManager(t, time.Minute, mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"))

		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}

		done := make(chan reserveResult, 1)
		go func() {
			grant, err := mgr.Reserve(ctx, "run-b", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
			done <- reserveResult{grant, err}
		}()
		waitFor(t, 2*time.Second, "run-b to queue", func() bool {
			return mgr.Stats().Waiting == 1
		})

		if err := mgr.MarkOffline(ctx, "ot2-1"); err != nil {
			t.Fatalf("MarkOffline() error = %v", err)
		}
		if err := mgr.Release(ctx, "run-a"); err != nil {
			t.Fatalf("Release() error = %v", err)
		}

		select {
		case res := <-done:
			if !errors.Is(res.err, ErrUnsatisfiable) {
				t.Errorf("queued Reserve() error = %v, want ErrUnsatisfiable", res.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("queued Reserve() did not fail after asset parked offline")
		}
	})

	t.Run("mark online offers capacity to waiters", func(t *testing.T) {
		held := mockAsset("ot2-1", "opentrons_ot2", "liquid_handler")
		spare := mockAsset("ot2-2", "opentrons_ot2", "liquid_handler")
		spare.Availability = AvailabilityOffline
		mgr, _ := setupManager(t, time.Minute, held, spare)

		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}

		done := make(chan reserveResult, 1)
		go func() {
			grant, err := mgr.Reserve(ctx, "run-b", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
			done <- reserveResult{grant, err}
		}()
		waitFor(t, 2*time.Second, "run-b to queue", func() bool {
			return mgr.Stats().Waiting == 1
		})

		if err := mgr.MarkOnline(ctx, "ot2-2"); err != nil {
			t.Fatalf("MarkOnline() error = %v", err)
		}

		select {
		case res := <-done:
			if res.err != nil {
				t.Fatalf("queued Reserve() error = %v", res.err)
			}
			if res.grant[0].AssetID != "ot2-2" {
				t.Errorf("AssetID = %q, want ot2-2", res.grant[0].AssetID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("queued Reserve() not granted after MarkOnline")
		}
	})
}

func TestManager_Satisfiable(t *testing.T) {
	ctx := context.Background()
	mgr, _ := setupManager(t, time.Second,
		mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"),
		mockAsset("plate-1", "corning_96", "microplate"),
	)

	t.Run("ignores current holds", func(t *testing.T) {
		if _, err := mgr.Reserve(ctx, "run-a", []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}}); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}

		err := mgr.Satisfiable([]Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
		if err != nil {
			t.Errorf("Satisfiable() error = %v, want nil for held asset", err)
		}
	})

	t.Run("missing inventory is unsatisfiable", func(t *testing.T) {
		err := mgr.Satisfiable([]Requirement{{Name: "reader", Type: "plate_reader"}})
		if !errors.Is(err, ErrUnsatisfiable) {
			t.Errorf("Satisfiable() error = %v, want ErrUnsatisfiable", err)
		}
	})

	t.Run("requirements compete for the same inventory", func(t *testing.T) {
		err := mgr.Satisfiable([]Requirement{
			{Name: "first", Type: "corning_96"},
			{Name: "second", Type: "corning_96"},
		})
		if !errors.Is(err, ErrUnsatisfiable) {
			t.Errorf("Satisfiable() error = %v, want ErrUnsatisfiable", err)
		}
	})

	t.Run("offline assets do not count", func(t *testing.T) {
		if err := mgr.Release(ctx, "run-a"); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		if err := mgr.MarkOffline(ctx, "ot2-1"); err != nil {
			t.Fatalf("MarkOffline() error = %v", err)
		}

		err := mgr.Satisfiable([]Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
		if !errors.Is(err, ErrUnsatisfiable) {
			t.Errorf("Satisfiable() error = %v, want ErrUnsatisfiable", err)
		}
	})
}

func TestManager_ConcurrentReserveRelease(t *testing.T) {
	ctx := context.Background()

	pool := []*Asset{
		mockAsset("ot2-1", "opentrons_ot2", "liquid_handler"),
		mockAsset("ot2-2", "opentrons_ot2", "liquid_handler"),
		mockAsset("ot2-3", "opentrons_ot2", "liquid_handler"),
	}
	mgr, repo := setupManager(t, 10*time.Second, pool...)

	const goroutines = 6
	const iterations = 5

	var wg sync.WaitGroup
	errCh := make(chan error, goroutines*iterations)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				runID := fmt.Sprintf("run-%d-%d", worker, i)
				grant, err := mgr.Reserve(ctx, runID, []Requirement{{Name: "pipettor", Type: "opentrons_ot2"}})
				if err != nil {
					errCh <- fmt.Errorf("run %s reserve: %w", runID, err)
					return
				}
				if len(grant) != 1 {
					errCh <- fmt.Errorf("run %s grant size %d", runID, len(grant))
					return
				}
				if err := mgr.Release(ctx, runID); err != nil {
					errCh <- fmt.Errorf("run %s release: %w", runID, err)
					return
				}
			}
		}(g)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	if stats := mgr.Stats(); stats.Free != 3 || stats.Reserved != 0 || stats.Waiting != 0 {
		t.Errorf("Stats() = %+v, want all free and no waiters", stats)
	}
	if repo.activeCount() != 0 {
		t.Errorf("active reservations = %d, want 0", repo.activeCount())
	}
}
