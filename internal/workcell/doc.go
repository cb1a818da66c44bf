// Package workcell manages live driver sessions for laboratory assets.
//
// A workcell is the physical (or simulated) collection of instruments and
// labware a protocol runs against. This package turns reserved assets into
// Handles that protocol steps execute commands on, and tears those sessions
// down again when the run finishes.
//
// # Architecture
//
// The Runtime is the registry of live handles, one per attached asset. It
// delegates session establishment to a Backend:
//
//	┌──────────────┐          ┌──────────────┐           ┌───────────────┐
//	│ Orchestrator │─Attach──►│   Runtime    │─Connect──►│    Backend    │
//	│              │◄─Handle──│ (this pkg)   │◄─Handle───│ sim │ mqtt    │
//	└──────────────┘          └──────────────┘           └───────────────┘
//
// Two backends exist:
//
//   - SimulatedBackend executes commands against in-memory instrument
//     models (tips, well volumes, positions) with no hardware.
//   - MQTTBackend publishes commands to per-asset driver topics and waits
//     for correlated replies from external driver processes.
//
// Protocol logic cannot tell them apart: both return the same Handle
// interface and report failures as *DriverError wrapping the same
// sentinels.
//
// # Driver Topics
//
// Real drivers communicate over three topics per asset:
//
//	praxis/driver/{asset_id}/command   engine → driver
//	praxis/driver/{asset_id}/reply     driver → engine (correlated by id)
//	praxis/driver/{asset_id}/status    driver health (retained, LWT)
//
// Status transitions are pushed to a HealthSink (satisfied by the asset
// manager) so offline instruments drop out of reservation candidate sets.
//
// # Usage
//
//	backend := workcell.NewSimulatedBackend(workcell.SimulatedBackendConfig{})
//	runtime, err := workcell.NewRuntime(workcell.RuntimeOptions{
//	    Backend: backend,
//	    Health:  assetManager,
//	    Logger:  logger,
//	})
//	if err != nil {
//	    return err
//	}
//
//	handle, err := runtime.Attach(ctx, a)
//	if err != nil {
//	    return err
//	}
//	result, err := handle.Execute(ctx, "aspirate", map[string]any{
//	    "labware":   "plate-1",
//	    "well":      "A1",
//	    "volume_ul": 50.0,
//	})
//
// # Thread Safety
//
// Runtime, both backends, and all handles are safe for concurrent use.
package workcell
