// Package scheduler owns run admission and dispatch: it accepts protocol
// run submissions, keeps a durable FIFO queue, and hands runs to a bounded
// pool of orchestrator workers.
//
//	 Submit / Cancel          ┌────────────┐   queue (FIFO, durable)
//	──────────────────────>   │ Scheduler  │  ────────────────────────┐
//	 (in-process or via       └─────┬──────┘                          │
//	  praxis/run/submit and         │ dispatch pass:                  │
//	  praxis/run/cancel)            │ pool slot free AND              │
//	                                │ requirements satisfiable        ▼
//	                          ┌─────▼──────┐  Execute(run, protocol, cancel)
//	                          │  workers   │ ───────────────────────────────>
//	                          │ (bounded)  │          orchestrator
//	                          └────────────┘
//
// Dispatch order is submission order, with one exception: a run whose
// requirements the asset manager cannot plausibly satisfy right now is
// skipped, not failed. It stays queued and is re-examined whenever a
// worker finishes or the dispatch interval elapses, so a run waiting for
// a busy instrument does not burn a worker slot doing so.
//
// Run records are persisted at submission, before dispatch. On restart the
// scheduler reloads every run still marked queued, so accepted work is not
// lost with the process.
//
// # Key Types
//
//   - Scheduler: admission, queueing, dispatch, cancellation.
//   - Executor: the seam the orchestrator satisfies; one Execute call per
//     dispatched run.
//   - ControlPlane: MQTT front door for Submit/Cancel, for clients outside
//     the process.
//
// # Thread Safety
//
// All Scheduler methods are safe for concurrent use.
//
// # Usage
//
//	sched, err := scheduler.New(scheduler.Options{
//		Runs:      runRepo,
//		Protocols: registry,
//		Assets:    manager,
//		Executor:  orc,
//		Workers:   cfg.Scheduler.Workers,
//		QueueSize: cfg.Scheduler.QueueSize,
//	})
//	if err != nil {
//		return err
//	}
//	if err := sched.Start(ctx); err != nil {
//		return err
//	}
//	defer sched.Stop()
//
//	runID, err := sched.Submit(ctx, "self_test", nil)
package scheduler
