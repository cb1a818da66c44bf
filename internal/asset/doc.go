// Package asset provides the Asset Manager for Praxis Core.
//
// The Asset Manager is the arbiter of exclusive access to everything a
// protocol run can touch: machines, consumable resources, and deck
// positions. Runs declare requirements; the manager grants them
// all-or-nothing, holds contended requests in a fair queue, and records
// every grant durably so reservations survive restarts.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────┐
//	│                           Asset Manager                              │
//	│                                                                      │
//	│  ┌────────────────┐    ┌──────────────────┐    ┌─────────────────┐  │
//	│  │    Manager     │    │    Repository    │    │    Validation   │  │
//	│  │  (manager.go)  │───▶│ (repository.go)  │    │ (validation.go) │  │
//	│  │                │    │                  │    │                 │  │
//	│  │ • Reserve      │    │ • SQLite queries │    │ • Asset checks  │  │
//	│  │ • Release      │    │ • Grant tx       │    │ • Requirement   │  │
//	│  │ • Waiter queue │    │ • Active index   │    │   checks        │  │
//	│  │ • Avail. cache │    │ • Repair         │    │ • Tag normalise │  │
//	│  └────────────────┘    └──────────────────┘    └─────────────────┘  │
//	│          │                      │                                    │
//	└──────────│──────────────────────│────────────────────────────────────┘
//	           │                      │
//	           ▼                      ▼
//	┌────────────────────┐   ┌──────────────────────┐
//	│ Orchestrator /     │   │   SQLite Database    │
//	│ Scheduler          │   │ (assets,             │
//	│ • Reserve per run  │   │  reservations)       │
//	│ • Release on done  │   └──────────────────────┘
//	└────────────────────┘
//
// # Key Types
//
//   - Asset: A machine, resource, or deck position in the workcell inventory
//   - Requirement: A named, typed need declared by a protocol
//   - Reservation: A durable grant binding one asset to one run
//   - Manager: All-or-nothing reservation arbiter with a waiter queue
//   - Layout: The declared inventory loaded from a workcell layout file
//
// # Reservation Semantics
//
// Reserve resolves requirements in declaration order. Each requirement
// prefers an exact type match over a category match and, among equals,
// takes the least recently reserved asset. A request whose requirements
// match live inventory that is merely held elsewhere waits in FIFO order
// up to the configured maximum; a request no combination of known,
// non-offline assets could ever satisfy fails immediately. Assets placed
// on or in other assets reserve only when their whole ancestor chain is
// free, held by the same run, or part of the same grant.
//
// # Usage
//
//	repo := asset.NewSQLiteRepository(db.DB())
//	mgr := asset.NewManager(repo, logger, asset.ManagerConfig{
//	    MaxWait: cfg.GetReservationMaxWait(),
//	})
//	if err := mgr.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	grant, err := mgr.Reserve(ctx, runID, []asset.Requirement{
//	    {Name: "pipettor", Type: "opentrons_ot2"},
//	    {Name: "plates", Category: "microplate", Count: 2},
//	})
//	if err != nil {
//	    return err
//	}
//	defer mgr.Release(context.Background(), runID)
//
// # Thread Safety
//
// The Manager is safe for concurrent use. All reservation decisions happen
// under a single mutex; blocked requests wait outside it and are woken by
// whichever release frees the capacity they need.
package asset
