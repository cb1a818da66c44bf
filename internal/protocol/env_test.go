package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/maraxen/pylabpraxis-sub009/internal/workcell"
)

// fakeHandle is a minimal workcell.Handle for environment tests.
type fakeHandle struct {
	id string
}

func (h *fakeHandle) AssetID() string { return h.id }
func (h *fakeHandle) Name() string    { return h.id }
func (h *fakeHandle) Execute(context.Context, string, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}
func (h *fakeHandle) State() map[string]any      { return map[string]any{} }
func (h *fakeHandle) Close(context.Context) error { return nil }

// captureRecorder records SetVar and Log calls.
type captureRecorder struct {
	mu   sync.Mutex
	vars map[string]any
	logs []string
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{vars: make(map[string]any)}
}

func (r *captureRecorder) SetVar(_ context.Context, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vars[key] = value
	return nil
}

func (r *captureRecorder) Log(_ context.Context, level, message string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, level+": "+message)
	return nil
}

func TestEnv_Handle(t *testing.T) {
	h1 := &fakeHandle{id: "ot2-1"}
	h2 := &fakeHandle{id: "plate-1"}
	h3 := &fakeHandle{id: "plate-2"}

	env := NewEnv(EnvOptions{
		RunID: "run-1",
		Handles: map[string][]workcell.Handle{
			"handler": {h1},
			"plates":  {h2, h3},
		},
	})

	if env.RunID() != "run-1" {
		t.Errorf("RunID() = %q, want %q", env.RunID(), "run-1")
	}

	got, err := env.Handle("handler")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got.AssetID() != "ot2-1" {
		t.Errorf("Handle().AssetID() = %q, want %q", got.AssetID(), "ot2-1")
	}

	// Multi-unit requirements return the first handle from Handle and all
	// of them from HandlesFor.
	first, err := env.Handle("plates")
	if err != nil {
		t.Fatalf("Handle(plates) error = %v", err)
	}
	if first.AssetID() != "plate-1" {
		t.Errorf("Handle(plates).AssetID() = %q, want plate-1", first.AssetID())
	}
	all := env.HandlesFor("plates")
	if len(all) != 2 {
		t.Fatalf("HandlesFor(plates) len = %d, want 2", len(all))
	}

	_, err = env.Handle("missing")
	if !errors.Is(err, ErrUnknownRequirement) {
		t.Errorf("Handle(missing) error = %v, want ErrUnknownRequirement", err)
	}
	if got := env.HandlesFor("missing"); got != nil {
		t.Errorf("HandlesFor(missing) = %v, want nil", got)
	}
}

func TestEnv_Params(t *testing.T) {
	env := NewEnv(EnvOptions{
		Params: map[string]any{
			"volume_ul": 75.0,
			"cycles":    3,
			"well":      "C4",
			"label":     42,
		},
	})

	if v, ok := env.Param("volume_ul"); !ok || v != 75.0 {
		t.Errorf("Param(volume_ul) = %v, %v; want 75.0, true", v, ok)
	}
	if _, ok := env.Param("missing"); ok {
		t.Error("Param(missing) reported present")
	}

	if got := env.FloatParam("volume_ul", 50); got != 75.0 {
		t.Errorf("FloatParam(volume_ul) = %v, want 75.0", got)
	}
	if got := env.FloatParam("cycles", 1); got != 3.0 {
		t.Errorf("FloatParam(cycles) = %v, want 3.0", got)
	}
	if got := env.FloatParam("missing", 50); got != 50.0 {
		t.Errorf("FloatParam(missing) = %v, want default 50.0", got)
	}
	if got := env.FloatParam("well", 50); got != 50.0 {
		t.Errorf("FloatParam(well) = %v, want default for non-numeric", got)
	}

	if got := env.StringParam("well", "A1"); got != "C4" {
		t.Errorf("StringParam(well) = %q, want C4", got)
	}
	if got := env.StringParam("missing", "A1"); got != "A1" {
		t.Errorf("StringParam(missing) = %q, want default A1", got)
	}
	if got := env.StringParam("label", "A1"); got != "A1" {
		t.Errorf("StringParam(label) = %q, want default for non-string", got)
	}
}

func TestEnv_Recorder(t *testing.T) {
	rec := newCaptureRecorder()
	env := NewEnv(EnvOptions{RunID: "run-1", Recorder: rec})
	ctx := context.Background()

	if err := env.SetVar(ctx, "tip_volume_ul", 40.0); err != nil {
		t.Fatalf("SetVar() error = %v", err)
	}
	if err := env.Log(ctx, LevelInfo, "transfer complete", nil); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	if got := rec.vars["tip_volume_ul"]; got != 40.0 {
		t.Errorf("recorded var = %v, want 40.0", got)
	}
	if len(rec.logs) != 1 || rec.logs[0] != "info: transfer complete" {
		t.Errorf("recorded logs = %v", rec.logs)
	}
}

func TestEnv_NoRecorder(t *testing.T) {
	env := NewEnv(EnvOptions{RunID: "run-1"})
	ctx := context.Background()

	if err := env.SetVar(ctx, "k", "v"); err != nil {
		t.Errorf("SetVar() without recorder error = %v", err)
	}
	if err := env.Log(ctx, LevelWarn, "m", nil); err != nil {
		t.Errorf("Log() without recorder error = %v", err)
	}
}
