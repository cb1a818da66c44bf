package recovery

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
	"github.com/maraxen/pylabpraxis-sub009/internal/notify"
	"github.com/maraxen/pylabpraxis-sub009/internal/run"
)

// =============================================================================
// Harness
// =============================================================================

// setupTestDB creates an in-memory SQLite database with the runs, assets,
// and reservations tables recovery reconciles.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE runs (
			id TEXT PRIMARY KEY,
			protocol TEXT NOT NULL,
			params TEXT,
			requirements TEXT,
			status TEXT NOT NULL DEFAULT 'queued'
				CHECK (status IN ('queued', 'preparing', 'running', 'completed', 'failed', 'cancelled')),
			current_step INTEGER NOT NULL DEFAULT 0,
			step_count INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			error_kind TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT
		) STRICT;

		CREATE TABLE assets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL CHECK (kind IN ('machine', 'resource', 'deck')),
			type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			tags TEXT,
			parent_id TEXT REFERENCES assets(id) ON DELETE SET NULL,
			availability TEXT NOT NULL DEFAULT 'free'
				CHECK (availability IN ('free', 'reserved', 'offline')),
			metadata TEXT,
			last_reserved_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE reservations (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			requirement_id TEXT NOT NULL,
			requirement_name TEXT NOT NULL,
			asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
			acquired_at TEXT NOT NULL,
			released_at TEXT
		) STRICT;
		CREATE UNIQUE INDEX idx_reservations_active_asset
			ON reservations(asset_id) WHERE released_at IS NULL;
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// captureSink collects published notify messages.
type captureSink struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (s *captureSink) Publish(runID, kind string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, notify.Message{RunID: runID, Kind: kind, Payload: payload})
}

func (s *captureSink) snapshot() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Message(nil), s.messages...)
}

type harness struct {
	t         *testing.T
	db        *sql.DB
	runs      run.Repository
	assets    asset.Repository
	sink      *captureSink
	reconcile *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := setupTestDB(t)
	runRepo := run.NewSQLiteRepository(db)
	assetRepo := asset.NewSQLiteRepository(db)
	sink := &captureSink{}

	rec, err := New(Options{Runs: runRepo, Assets: assetRepo, Notifier: sink})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{
		t:         t,
		db:        db,
		runs:      runRepo,
		assets:    assetRepo,
		sink:      sink,
		reconcile: rec,
	}
}

// addAsset creates a free machine asset.
func (h *harness) addAsset(id, name string) {
	h.t.Helper()
	a := &asset.Asset{
		ID:           id,
		Name:         name,
		Kind:         asset.KindMachine,
		Type:         "opentrons_ot2",
		Category:     "liquid_handler",
		Availability: asset.AvailabilityFree,
	}
	if err := h.assets.CreateAsset(context.Background(), a); err != nil {
		h.t.Fatalf("CreateAsset(%s) error = %v", id, err)
	}
}

// seedRun persists a run and walks it to the given status.
func (h *harness) seedRun(id string, status run.Status) {
	h.t.Helper()
	ctx := context.Background()

	r := &run.Run{ID: id, Protocol: "plate_prep", Status: run.StatusQueued}
	if err := h.runs.Create(ctx, r); err != nil {
		h.t.Fatalf("Create(%s) error = %v", id, err)
	}

	var path []run.Status
	switch status {
	case run.StatusQueued:
		return
	case run.StatusPreparing:
		path = []run.Status{run.StatusPreparing}
	case run.StatusRunning:
		path = []run.Status{run.StatusPreparing, run.StatusRunning}
	case run.StatusCompleted:
		path = []run.Status{run.StatusPreparing, run.StatusRunning}
	default:
		h.t.Fatalf("seedRun does not support status %s", status)
	}
	for _, s := range path {
		if err := h.runs.UpdateStatus(ctx, id, s); err != nil {
			h.t.Fatalf("UpdateStatus(%s, %s) error = %v", id, s, err)
		}
	}
	if status == run.StatusCompleted {
		if err := h.runs.Finish(ctx, id, run.StatusCompleted, "", ""); err != nil {
			h.t.Fatalf("Finish(%s) error = %v", id, err)
		}
	}
}

// reserve grants an active reservation binding the run to the asset.
func (h *harness) reserve(reservationID, runID, assetID string) {
	h.t.Helper()
	res := &asset.Reservation{
		ID:              reservationID,
		RunID:           runID,
		RequirementID:   "req-1",
		RequirementName: "instrument",
		AssetID:         assetID,
		AcquiredAt:      time.Now().UTC(),
	}
	if err := h.assets.GrantReservations(context.Background(), []*asset.Reservation{res}); err != nil {
		h.t.Fatalf("GrantReservations(%s) error = %v", reservationID, err)
	}
}

// mustGetRun reloads a run record.
func (h *harness) mustGetRun(id string) *run.Run {
	h.t.Helper()
	got, err := h.runs.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Get(%s) error = %v", id, err)
	}
	return got
}

// mustGetAsset reloads an asset record.
func (h *harness) mustGetAsset(id string) *asset.Asset {
	h.t.Helper()
	got, err := h.assets.GetAsset(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetAsset(%s) error = %v", id, err)
	}
	return got
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresDependencies(t *testing.T) {
	db := setupTestDB(t)
	runs := run.NewSQLiteRepository(db)
	assets := asset.NewSQLiteRepository(db)

	if _, err := New(Options{Assets: assets}); err == nil {
		t.Error("New() without runs expected error")
	}
	if _, err := New(Options{Runs: runs}); err == nil {
		t.Error("New() without assets expected error")
	}
}

func TestReconcile_CleanDatabaseIsNoop(t *testing.T) {
	h := newHarness(t)

	recovered, err := h.reconcile.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if recovered != 0 {
		t.Errorf("recovered = %d, want 0", recovered)
	}
	if msgs := h.sink.snapshot(); len(msgs) != 0 {
		t.Errorf("messages = %d, want 0", len(msgs))
	}
}

func TestReconcile_FailsOrphanedRuns(t *testing.T) {
	h := newHarness(t)
	h.addAsset("ot2-1", "OT-2 Alpha")
	h.addAsset("ot2-2", "OT-2 Beta")

	// A crash left one run mid-reservation and one mid-execution, the
	// latter still holding an instrument.
	h.seedRun("run-preparing", run.StatusPreparing)
	h.seedRun("run-running", run.StatusRunning)
	h.reserve("res-1", "run-running", "ot2-1")

	recovered, err := h.reconcile.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if recovered != 2 {
		t.Errorf("recovered = %d, want 2", recovered)
	}

	for _, id := range []string{"run-preparing", "run-running"} {
		got := h.mustGetRun(id)
		if got.Status != run.StatusFailed {
			t.Errorf("%s status = %s, want %s", id, got.Status, run.StatusFailed)
		}
		if got.ErrorKind == nil || *got.ErrorKind != run.ErrorKindRecovery {
			t.Errorf("%s error kind = %v, want %s", id, got.ErrorKind, run.ErrorKindRecovery)
		}
		if got.Error == nil || !strings.Contains(*got.Error, "restart") {
			t.Errorf("%s error = %v, want restart reason", id, got.Error)
		}
		if got.EndedAt == nil {
			t.Errorf("%s ended_at not set", id)
		}
	}

	// The held instrument is observed free within the one pass.
	if got := h.mustGetAsset("ot2-1"); got.Availability != asset.AvailabilityFree {
		t.Errorf("ot2-1 availability = %s, want %s", got.Availability, asset.AvailabilityFree)
	}
	active, err := h.assets.ListActiveReservations(context.Background())
	if err != nil {
		t.Fatalf("ListActiveReservations() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active reservations = %d, want 0", len(active))
	}

	// Each recovered run got a terminal message.
	msgs := h.sink.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	for _, msg := range msgs {
		if msg.Kind != notify.KindTerminal {
			t.Errorf("message kind = %s, want %s", msg.Kind, notify.KindTerminal)
		}
	}
}

func TestReconcile_LeavesSettledRunsAlone(t *testing.T) {
	h := newHarness(t)
	h.seedRun("run-queued", run.StatusQueued)
	h.seedRun("run-done", run.StatusCompleted)

	recovered, err := h.reconcile.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if recovered != 0 {
		t.Errorf("recovered = %d, want 0", recovered)
	}

	if got := h.mustGetRun("run-queued"); got.Status != run.StatusQueued {
		t.Errorf("queued run status = %s, want %s", got.Status, run.StatusQueued)
	}
	if got := h.mustGetRun("run-done"); got.Status != run.StatusCompleted {
		t.Errorf("completed run status = %s, want %s", got.Status, run.StatusCompleted)
	}
}

func TestReconcile_ReleasesStaleReservationsOfTerminalRuns(t *testing.T) {
	h := newHarness(t)
	h.addAsset("ot2-1", "OT-2 Alpha")

	// Crash window: the run's terminal status landed but its release did
	// not, leaving an active reservation behind a completed run.
	h.seedRun("run-done", run.StatusRunning)
	h.reserve("res-1", "run-done", "ot2-1")
	if err := h.runs.Finish(context.Background(), "run-done", run.StatusCompleted, "", ""); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	recovered, err := h.reconcile.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if recovered != 0 {
		t.Errorf("recovered = %d, want 0 (run already terminal)", recovered)
	}

	if got := h.mustGetRun("run-done"); got.Status != run.StatusCompleted {
		t.Errorf("run status = %s, want %s untouched", got.Status, run.StatusCompleted)
	}
	if got := h.mustGetAsset("ot2-1"); got.Availability != asset.AvailabilityFree {
		t.Errorf("asset availability = %s, want %s", got.Availability, asset.AvailabilityFree)
	}
}

func TestReconcile_RepairsReservedAssetWithNoReservation(t *testing.T) {
	h := newHarness(t)
	h.addAsset("ot2-1", "OT-2 Alpha")
	if err := h.assets.SetAvailability(context.Background(), "ot2-1", asset.AvailabilityReserved); err != nil {
		t.Fatalf("SetAvailability() error = %v", err)
	}

	if _, err := h.reconcile.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if got := h.mustGetAsset("ot2-1"); got.Availability != asset.AvailabilityFree {
		t.Errorf("availability = %s, want %s", got.Availability, asset.AvailabilityFree)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.addAsset("ot2-1", "OT-2 Alpha")
	h.seedRun("run-running", run.StatusRunning)
	h.reserve("res-1", "run-running", "ot2-1")

	first, err := h.reconcile.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	if first != 1 {
		t.Errorf("first pass recovered = %d, want 1", first)
	}

	second, err := h.reconcile.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if second != 0 {
		t.Errorf("second pass recovered = %d, want 0", second)
	}
}
