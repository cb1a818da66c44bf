// Package runstate provides the durable per-run working state: a key/value
// variable map, an append-only log, and change events for observers.
//
// Orchestration writes land here synchronously. A step is not acknowledged
// until its state write is on disk, which is what makes crash recovery
// honest: whatever the store says happened, happened.
//
//	┌──────────────┐   Set / SetProgress / AppendLog   ┌────────────┐
//	│ Orchestrator │ ────────────────────────────────> │   Store    │
//	└──────────────┘                                   └─────┬──────┘
//	                                                   write │ then emit
//	                                          ┌──────────────┼─────────────┐
//	                                          ▼              ▼             │
//	                                   ┌────────────┐  ┌───────────┐       │
//	                                   │ Repository │  │ EventSink │       │
//	                                   │  (SQLite)  │  │ (notify)  │       │
//	                                   └────────────┘  └───────────┘       │
//	                                   run_state +      state/log events   │
//	                                   run_log tables   in write order  <──┘
//
// # Key Types
//
//   - Store: the facade. Each write is durable before its event is emitted
//     and before the call returns.
//   - Repository: the persistence seam. SQLiteRepository stores one
//     run_state row per run and append-only run_log rows with a per-run
//     sequence number.
//   - Entry: one log record. Seq starts at 1 and has no gaps for a run
//     that was never pruned.
//   - Sweeper: background retention loop. Terminal runs keep their state
//     and logs for a configured window, then both are purged. The runs
//     table itself is never touched.
//
// # Thread Safety
//
// Store and Sweeper are safe for concurrent use. The store serialises
// writes so that events reach the sink in the order the writes landed.
//
// # Usage
//
//	store, err := runstate.NewStore(runstate.StoreOptions{
//		Repository: runstate.NewSQLiteRepository(db),
//		Sink:       hub,
//	})
//	if err != nil {
//		return err
//	}
//
//	err = store.SetProgress(ctx, runID, 3, 0.5)
//	err = store.Set(ctx, runID, "plate_asset_id", "plate-7")
//	err = store.AppendLog(ctx, runID, &runstate.Entry{
//		StepIndex: 3,
//		Level:     runstate.LevelInfo,
//		Message:   "transfer complete",
//	})
//
//	entries, err := store.ReadLog(ctx, runID, 1, 0)
package runstate
