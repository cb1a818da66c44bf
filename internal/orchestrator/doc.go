// Package orchestrator executes a single protocol run from queued to a
// terminal status. It owns the run lifecycle: asset reservation, handle
// binding, sequential step execution with durable acknowledgement, and the
// terminal bookkeeping that releases everything the run held.
//
//	            ┌────────┐
//	 cancel ──> │ QUEUED │
//	            └───┬────┘
//	                │ Execute
//	            ┌───▼───────┐  reserve assets, bind handles
//	 cancel ──> │ PREPARING │  ── failure ──> FAILED
//	            └───┬───────┘
//	                │ all requirements granted
//	            ┌───▼─────┐  step loop: run, then ack
//	 cancel ──> │ RUNNING │  (progress + log + step counters)
//	            └───┬─────┘
//	                │
//	    ┌───────────┼───────────┐
//	    ▼           ▼           ▼
//	COMPLETED    FAILED     CANCELLED
//	    └───────────┴───────────┘
//	       assets released, terminal event published
//
// A step is acknowledged by writing progress, a log entry, and the run's
// step counters before the next step starts. Execution never advances past
// a write that did not land, so after a crash the recorded current step is
// a floor on what actually ran.
//
// Cancellation is observed between steps. A step that is already executing
// runs to completion; the loop then finishes the run as cancelled without
// starting the next step.
//
// # Key Types
//
//   - Orchestrator: the executor. One Execute call drives one run.
//   - StepError: returned when a step fails, carrying the 1-based step
//     number and name. Unwrap exposes the cause for errors.Is checks
//     against driver refusals.
//   - Telemetry: optional consumer for run outcomes and step durations.
//
// # Thread Safety
//
// An Orchestrator is safe for concurrent use; each Execute call works on
// its own run. A single run must only be executed once.
//
// # Usage
//
//	orc, err := orchestrator.New(orchestrator.Options{
//		Runs:     runRepo,
//		Assets:   assetManager,
//		Runtime:  runtime,
//		State:    stateStore,
//		Notifier: sink,
//	})
//	if err != nil {
//		return err
//	}
//
//	// The scheduler closes cancel to request cancellation.
//	err = orc.Execute(ctx, r, proto, cancel)
package orchestrator
