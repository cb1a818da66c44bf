// Package run defines the durable protocol run record and its lifecycle
// state machine.
//
// A run moves queued -> preparing -> running and ends in exactly one of
// completed, failed, or cancelled. Cancellation is honoured from any
// non-terminal state; terminal states never move again. The SQLite
// repository enforces the machine with optimistic status updates, so an
// illegal move (or a race between the dispatcher and a cancel request)
// loses cleanly instead of corrupting the record.
//
// Example usage:
//
//	repo := run.NewSQLiteRepository(db.DB())
//	r := &run.Run{ID: id, Protocol: "plate_prep", Status: run.StatusQueued}
//	if err := repo.Create(ctx, r); err != nil {
//	    return err
//	}
//	if err := repo.UpdateStatus(ctx, id, run.StatusPreparing); err != nil {
//	    return err
//	}
package run
