// Package recovery reconciles durable state after a crash. It runs once at
// startup, before the scheduler dispatches anything and before the asset
// manager builds its availability cache.
//
// The premise is conservative: if a run was in flight when the process
// died, nobody knows what its instruments did after the last acknowledged
// step. Such runs are failed with a recovery reason rather than resumed.
//
//	startup ─> Reconcile(ctx)
//	             │
//	             ├─ PREPARING / RUNNING runs with no orchestrator
//	             │    └─> FAILED (recovery reason), reservations released
//	             ├─ active reservations owned by terminal or missing runs
//	             │    └─> released
//	             └─ assets marked reserved with no reservation row
//	                  └─> freed
//
// Runs failed here carry run.ErrorKindRecovery, so a crash-induced failure
// is distinguishable from a cancellation or a protocol error in the run
// record and in the terminal message observers receive.
//
// The pass is idempotent. Running it on a clean database is a no-op.
package recovery
