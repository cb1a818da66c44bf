package workcell

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
)

// Simulation defaults.
const (
	// defaultTipCapacityUL is the simulated tip volume limit.
	defaultTipCapacityUL = 200.0

	// defaultTipRackSize is how many tips a simulated machine starts with.
	defaultTipRackSize = 96

	// defaultWellCount is the well count for labware loaded without one.
	defaultWellCount = 96

	// defaultWellCapacityUL is the per-well volume limit for labware
	// loaded without one.
	defaultWellCapacityUL = 200.0

	// wellRows is the number of rows in the simulated well layout.
	wellRows = 8
)

// SimulatedBackendConfig holds tunables for the simulated backend.
type SimulatedBackendConfig struct {
	// TipCapacityUL is the tip volume limit for simulated machines.
	// Default 200.
	TipCapacityUL float64

	// TipRackSize is the number of tips each machine starts with.
	// Default 96.
	TipRackSize int

	// CommandDelay adds artificial latency to every command, useful for
	// exercising cancellation paths. Default none.
	CommandDelay time.Duration
}

// SimulatedBackend fabricates in-memory driver handles. Machines get a
// liquid-handler handle that tracks tip state and per-well volumes, so
// protocol logic behaves identically with and without hardware. Decks and
// labware get passive handles; their liquid state lives on whichever
// machine they are loaded onto.
type SimulatedBackend struct {
	cfg SimulatedBackendConfig

	mu     sync.Mutex
	closed bool
}

// NewSimulatedBackend creates a simulated backend.
func NewSimulatedBackend(cfg SimulatedBackendConfig) *SimulatedBackend {
	if cfg.TipCapacityUL <= 0 {
		cfg.TipCapacityUL = defaultTipCapacityUL
	}
	if cfg.TipRackSize <= 0 {
		cfg.TipRackSize = defaultTipRackSize
	}
	return &SimulatedBackend{cfg: cfg}
}

// Name identifies the backend kind.
func (b *SimulatedBackend) Name() string { return "simulated" }

// Connect fabricates a handle for the asset. Machines get full
// liquid-handler semantics; everything else gets a passive handle.
func (b *SimulatedBackend) Connect(_ context.Context, a *asset.Asset) (Handle, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBackendClosed
	}

	if a.Kind == asset.KindMachine {
		return &simMachine{
			assetID:     a.ID,
			name:        a.Name,
			delay:       b.cfg.CommandDelay,
			tipCapacity: b.cfg.TipCapacityUL,
			tipsLeft:    b.cfg.TipRackSize,
			position:    "home",
			labware:     make(map[string]*simLabware),
		}, nil
	}
	return &simPassive{assetID: a.ID, name: a.Name, kind: string(a.Kind)}, nil
}

// Close marks the backend closed. Existing handles keep working; new
// connects fail.
func (b *SimulatedBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// simLabware is the liquid state of one labware item loaded onto a
// simulated machine.
type simLabware struct {
	wells    map[string]float64
	capacity float64
}

// simMachine is a simulated liquid-handler driver. It owns the liquid state
// of every labware item loaded onto it, so commands never reach across
// handles and a single mutex covers each machine.
type simMachine struct {
	assetID string
	name    string
	delay   time.Duration

	mu          sync.Mutex
	tipLoaded   bool
	tipVolume   float64
	tipCapacity float64
	tipsLeft    int
	position    string
	labware     map[string]*simLabware
	commands    int
	closed      bool
}

// AssetID returns the asset this handle drives.
func (m *simMachine) AssetID() string { return m.assetID }

// Name returns the asset's human-readable name.
func (m *simMachine) Name() string { return m.name }

// Execute runs one liquid-handler command against the in-memory state.
//
// Supported commands and their arguments:
//
//	load_labware   labware, wells?, well_volume_ul?, capacity_ul?
//	pick_up_tip    (none)
//	drop_tip       (none)
//	aspirate       labware, well, volume_ul
//	dispense       labware, well, volume_ul
//	move           labware, well
//	home           (none)
func (m *simMachine) Execute(ctx context.Context, command string, args map[string]any) (map[string]any, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, driverErr(m.assetID, command, ctx.Err())
		case <-time.After(m.delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, driverErr(m.assetID, command, ErrBackendClosed)
	}
	m.commands++

	var (
		result map[string]any
		err    error
	)
	switch command {
	case "load_labware":
		result, err = m.loadLabwareLocked(args)
	case "pick_up_tip":
		result, err = m.pickUpTipLocked()
	case "drop_tip":
		result, err = m.dropTipLocked()
	case "aspirate":
		result, err = m.aspirateLocked(args)
	case "dispense":
		result, err = m.dispenseLocked(args)
	case "move":
		result, err = m.moveLocked(args)
	case "home":
		m.position = "home"
		result = map[string]any{"position": m.position}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}

	if err != nil {
		return nil, driverErr(m.assetID, command, err)
	}
	return result, nil
}

// loadLabwareLocked registers a labware item and its well layout.
func (m *simMachine) loadLabwareLocked(args map[string]any) (map[string]any, error) {
	id, err := stringArg(args, "labware")
	if err != nil {
		return nil, err
	}
	if _, ok := m.labware[id]; ok {
		return nil, fmt.Errorf("%w: labware %q already loaded", ErrInvalidArgument, id)
	}

	wells := defaultWellCount
	if _, ok := args["wells"]; ok {
		f, ferr := floatArg(args, "wells")
		if ferr != nil {
			return nil, ferr
		}
		if f < 1 {
			return nil, fmt.Errorf("%w: wells must be positive", ErrInvalidArgument)
		}
		wells = int(f)
	}

	capacity := defaultWellCapacityUL
	if _, ok := args["capacity_ul"]; ok {
		if capacity, err = floatArg(args, "capacity_ul"); err != nil {
			return nil, err
		}
		if capacity <= 0 {
			return nil, fmt.Errorf("%w: capacity_ul must be positive", ErrInvalidArgument)
		}
	}

	initial := 0.0
	if _, ok := args["well_volume_ul"]; ok {
		if initial, err = floatArg(args, "well_volume_ul"); err != nil {
			return nil, err
		}
		if initial < 0 || initial > capacity {
			return nil, fmt.Errorf("%w: well_volume_ul must be 0-%.1f", ErrInvalidArgument, capacity)
		}
	}

	lw := &simLabware{
		wells:    make(map[string]float64, wells),
		capacity: capacity,
	}
	for i := 0; i < wells; i++ {
		lw.wells[wellName(i)] = initial
	}
	m.labware[id] = lw

	return map[string]any{"labware": id, "wells": wells}, nil
}

// pickUpTipLocked loads a fresh tip from the rack.
func (m *simMachine) pickUpTipLocked() (map[string]any, error) {
	if m.tipLoaded {
		return nil, ErrTipOccupied
	}
	if m.tipsLeft <= 0 {
		return nil, ErrNoTipsLeft
	}
	m.tipsLeft--
	m.tipLoaded = true
	m.tipVolume = 0

	return map[string]any{"tips_left": m.tipsLeft}, nil
}

// dropTipLocked discards the current tip and any liquid in it.
func (m *simMachine) dropTipLocked() (map[string]any, error) {
	if !m.tipLoaded {
		return nil, ErrNoTip
	}
	m.tipLoaded = false
	m.tipVolume = 0

	return map[string]any{"tips_left": m.tipsLeft}, nil
}

// aspirateLocked draws liquid from a well into the tip.
func (m *simMachine) aspirateLocked(args map[string]any) (map[string]any, error) {
	lw, well, volume, err := m.liquidTargetLocked(args)
	if err != nil {
		return nil, err
	}
	if !m.tipLoaded {
		return nil, ErrNoTip
	}

	held := lw.wells[well]
	if held < volume {
		return nil, fmt.Errorf("%w: well %s holds %.1f ul, need %.1f", ErrInsufficientVolume, well, held, volume)
	}
	if m.tipVolume+volume > m.tipCapacity {
		return nil, fmt.Errorf("%w: tip holds %.1f ul of %.1f", ErrOverflow, m.tipVolume, m.tipCapacity)
	}

	lw.wells[well] = held - volume
	m.tipVolume += volume
	m.position = well

	return map[string]any{
		"well_volume_ul": lw.wells[well],
		"tip_volume_ul":  m.tipVolume,
	}, nil
}

// dispenseLocked pushes liquid from the tip into a well.
func (m *simMachine) dispenseLocked(args map[string]any) (map[string]any, error) {
	lw, well, volume, err := m.liquidTargetLocked(args)
	if err != nil {
		return nil, err
	}
	if !m.tipLoaded {
		return nil, ErrNoTip
	}

	if m.tipVolume < volume {
		return nil, fmt.Errorf("%w: tip holds %.1f ul, need %.1f", ErrInsufficientVolume, m.tipVolume, volume)
	}
	held := lw.wells[well]
	if held+volume > lw.capacity {
		return nil, fmt.Errorf("%w: well %s holds %.1f ul of %.1f", ErrOverflow, well, held, lw.capacity)
	}

	lw.wells[well] = held + volume
	m.tipVolume -= volume
	m.position = well

	return map[string]any{
		"well_volume_ul": lw.wells[well],
		"tip_volume_ul":  m.tipVolume,
	}, nil
}

// moveLocked positions the gantry over a well without touching liquid.
func (m *simMachine) moveLocked(args map[string]any) (map[string]any, error) {
	id, err := stringArg(args, "labware")
	if err != nil {
		return nil, err
	}
	well, err := stringArg(args, "well")
	if err != nil {
		return nil, err
	}
	lw, ok := m.labware[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabware, id)
	}
	if _, ok := lw.wells[well]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWell, well)
	}
	m.position = well

	return map[string]any{"position": m.position}, nil
}

// liquidTargetLocked resolves the labware, well, and volume arguments shared
// by aspirate and dispense.
func (m *simMachine) liquidTargetLocked(args map[string]any) (*simLabware, string, float64, error) {
	id, err := stringArg(args, "labware")
	if err != nil {
		return nil, "", 0, err
	}
	well, err := stringArg(args, "well")
	if err != nil {
		return nil, "", 0, err
	}
	volume, err := floatArg(args, "volume_ul")
	if err != nil {
		return nil, "", 0, err
	}
	if volume <= 0 {
		return nil, "", 0, fmt.Errorf("%w: volume_ul must be positive", ErrInvalidArgument)
	}

	lw, ok := m.labware[id]
	if !ok {
		return nil, "", 0, fmt.Errorf("%w: %q", ErrUnknownLabware, id)
	}
	if _, ok := lw.wells[well]; !ok {
		return nil, "", 0, fmt.Errorf("%w: %q", ErrUnknownWell, well)
	}
	return lw, well, volume, nil
}

// State snapshots the machine's in-memory state.
func (m *simMachine) State() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	labware := make(map[string]any, len(m.labware))
	for id, lw := range m.labware {
		wells := make(map[string]float64, len(lw.wells))
		for w, v := range lw.wells {
			wells[w] = v
		}
		labware[id] = wells
	}

	return map[string]any{
		"tip_loaded":    m.tipLoaded,
		"tip_volume_ul": m.tipVolume,
		"tips_left":     m.tipsLeft,
		"position":      m.position,
		"labware":       labware,
		"commands":      m.commands,
	}
}

// Close ends the session. Further commands fail.
func (m *simMachine) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// simPassive is the handle for decks and labware. Passive assets expose no
// driver verbs; their liquid state lives on the machine they are loaded
// onto.
type simPassive struct {
	assetID string
	name    string
	kind    string
}

func (p *simPassive) AssetID() string { return p.assetID }

func (p *simPassive) Name() string { return p.name }

// Execute rejects every command.
func (p *simPassive) Execute(_ context.Context, command string, _ map[string]any) (map[string]any, error) {
	return nil, driverErr(p.assetID, command, fmt.Errorf("%w: passive asset", ErrUnknownCommand))
}

// State reports the asset kind.
func (p *simPassive) State() map[string]any {
	return map[string]any{"kind": p.kind}
}

// Close is a no-op for passive handles.
func (p *simPassive) Close(context.Context) error { return nil }

// wellName maps a well index to its plate coordinate. Wells fill column
// by column: A1..H1, A2..H2, and so on.
func wellName(i int) string {
	return fmt.Sprintf("%c%d", 'A'+i%wellRows, i/wellRows+1)
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidArgument, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidArgument, key)
	}
	return s, nil
}

// floatArg extracts a required numeric argument. JSON decoding yields
// float64; protocol code written in Go may pass untyped int constants.
func floatArg(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidArgument, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidArgument, key)
	}
}
