// Praxis Core - Protocol Orchestration Engine
//
// This is the main entry point for the Praxis Core engine. Praxis drives
// laboratory automation workcells: it admits protocol runs, reserves the
// instruments and consumables they need, and executes their steps against
// driver processes reached over MQTT (or simulated in-process).
//
// For architecture details, see the package doc comments under internal/.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/maraxen/pylabpraxis-sub009/migrations"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/config"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/database"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/influxdb"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/mqtt"
	"github.com/maraxen/pylabpraxis-sub009/internal/notify"
	"github.com/maraxen/pylabpraxis-sub009/internal/orchestrator"
	"github.com/maraxen/pylabpraxis-sub009/internal/protocol"
	"github.com/maraxen/pylabpraxis-sub009/internal/recovery"
	runstore "github.com/maraxen/pylabpraxis-sub009/internal/run"
	"github.com/maraxen/pylabpraxis-sub009/internal/runstate"
	"github.com/maraxen/pylabpraxis-sub009/internal/scheduler"
	"github.com/maraxen/pylabpraxis-sub009/internal/workcell"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// The run record package is imported as runstore to keep this name free.
//
// Returns nil on clean shutdown, or an error describing the failure.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Praxis Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Repositories over the shared connection
	assetRepo := asset.NewSQLiteRepository(db.DB)
	runRepo := runstore.NewSQLiteRepository(db.DB)
	stateRepo := runstate.NewSQLiteRepository(db.DB)

	// Connect to MQTT broker (optional; simulated workcells can run without)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Notification fan-out: in-process hub always, MQTT relay when connected
	hub := notify.NewHub(notify.HubOptions{
		Buffer: cfg.Notifier.BufferSize,
		Logger: log,
	})
	defer hub.Close()

	notifier := notify.Sink(hub)
	if mqttClient != nil {
		relay, relayErr := notify.NewRelay(notify.RelayOptions{
			Client: mqttClient,
			QoS:    byte(cfg.MQTT.QoS),
			Logger: log,
		})
		if relayErr != nil {
			return fmt.Errorf("creating notify relay: %w", relayErr)
		}
		notifier = notify.Multi(hub, relay)
	}

	// Reconcile interrupted work before anything reads availability:
	// runs left PREPARING or RUNNING by a previous process are failed,
	// their reservations released, and availability flags repaired.
	reconciler, err := recovery.New(recovery.Options{
		Runs:     runRepo,
		Assets:   assetRepo,
		Notifier: notifier,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("creating reconciler: %w", err)
	}
	recovered, err := reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if recovered > 0 {
		log.Warn("recovered interrupted runs from previous session", "count", recovered)
	}

	// Import the workcell layout (if configured) before the availability
	// cache is built, so new inventory is reservable immediately.
	if cfg.Workcell.LayoutPath != "" {
		layout, layoutErr := asset.LoadLayout(cfg.Workcell.LayoutPath)
		if layoutErr != nil {
			return fmt.Errorf("loading workcell layout: %w", layoutErr)
		}
		stats, importErr := asset.ImportLayout(ctx, assetRepo, layout, log)
		if importErr != nil {
			return fmt.Errorf("importing workcell layout: %w", importErr)
		}
		log.Info("workcell layout imported",
			"path", cfg.Workcell.LayoutPath,
			"created", stats.Created,
			"updated", stats.Updated,
			"unchanged", stats.Unchanged,
		)
	}

	// Asset manager: reservation arbitration over the imported inventory
	policy, err := asset.NewPolicy(cfg.Assets.Policy)
	if err != nil {
		return fmt.Errorf("resolving reservation policy: %w", err)
	}
	assetMgr := asset.NewManager(assetRepo, log, asset.ManagerConfig{
		MaxWait: cfg.GetReservationMaxWait(),
		Policy:  policy,
	})
	if refreshErr := assetMgr.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("building availability cache: %w", refreshErr)
	}
	log.Info("asset manager initialised", "assets", assetMgr.Stats().Total)

	// Workcell runtime: driver sessions for every asset in the inventory
	var backend workcell.Backend
	if cfg.Workcell.Simulate {
		backend = workcell.NewSimulatedBackend(workcell.SimulatedBackendConfig{})
		log.Info("using simulated driver backend")
	} else {
		if mqttClient == nil {
			return fmt.Errorf("workcell.simulate is false but mqtt is disabled")
		}
		backend, err = workcell.NewMQTTBackend(workcell.MQTTBackendOptions{
			Client:         mqttClient,
			Health:         assetMgr,
			Logger:         log,
			QoS:            byte(cfg.MQTT.QoS),
			CommandTimeout: cfg.GetCommandTimeout(),
		})
		if err != nil {
			return fmt.Errorf("creating MQTT driver backend: %w", err)
		}
	}

	runtime, err := workcell.NewRuntime(workcell.RuntimeOptions{
		Backend: backend,
		Health:  assetMgr,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("creating workcell runtime: %w", err)
	}
	defer func() {
		log.Info("detaching driver sessions")
		runtime.DetachAll(context.Background())
	}()

	inventory, err := assetRepo.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("listing inventory: %w", err)
	}
	// Every asset gets a handle: machines get driver sessions, decks and
	// labware get passive handles, so reservation binding always resolves.
	attachable := make([]*asset.Asset, 0, len(inventory))
	for i := range inventory {
		attachable = append(attachable, &inventory[i])
	}
	handles, err := runtime.AttachAll(ctx, attachable)
	if err != nil {
		return fmt.Errorf("attaching drivers: %w", err)
	}
	log.Info("drivers attached", "handles", len(handles))

	// Run state store and retention sweeper
	stateStore, err := runstate.NewStore(runstate.StoreOptions{
		Repository: stateRepo,
		Sink:       notifier,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("creating run state store: %w", err)
	}

	sweeper, err := runstate.NewSweeper(runstate.SweeperOptions{
		Store:     stateStore,
		Retention: cfg.GetStateRetention(),
		Interval:  cfg.GetSweepInterval(),
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating state sweeper: %w", err)
	}
	sweeper.Start(ctx)
	defer func() {
		log.Info("stopping state sweeper")
		sweeper.Stop()
	}()

	// Protocol registry. The self-test protocol ships with simulated
	// workcells so a fresh install can verify the full pipeline.
	registry := protocol.NewRegistry()
	registry.SetLogger(log)
	if cfg.Workcell.Simulate {
		if regErr := registry.Register(protocol.SelfTest()); regErr != nil {
			return fmt.Errorf("registering self-test protocol: %w", regErr)
		}
	}
	log.Info("protocol registry initialised", "protocols", len(registry.List()))

	// Orchestrator and scheduler
	orchOpts := orchestrator.Options{
		Runs:     runRepo,
		Assets:   assetMgr,
		Runtime:  runtime,
		State:    stateStore,
		Notifier: notifier,
		Logger:   log,
	}
	if influxClient != nil {
		orchOpts.Telemetry = influxClient
	}
	orch, err := orchestrator.New(orchOpts)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	schedOpts := scheduler.Options{
		Runs:             runRepo,
		Protocols:        registry,
		Assets:           assetMgr,
		Executor:         orch,
		Notifier:         notifier,
		Logger:           log,
		Workers:          cfg.Scheduler.Workers,
		QueueSize:        cfg.Scheduler.QueueSize,
		DispatchInterval: cfg.GetDispatchInterval(),
	}
	if influxClient != nil {
		schedOpts.Telemetry = influxClient
	}
	sched, err := scheduler.New(schedOpts)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	if startErr := sched.Start(ctx); startErr != nil {
		return fmt.Errorf("starting scheduler: %w", startErr)
	}
	defer func() {
		log.Info("stopping scheduler")
		sched.Stop()
	}()
	log.Info("scheduler started",
		"workers", cfg.Scheduler.Workers,
		"queue_size", cfg.Scheduler.QueueSize,
	)

	// Periodic asset utilisation snapshot for the telemetry store
	if influxClient != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s := assetMgr.Stats()
					influxClient.RecordAssetStats(s.Total, s.Free, s.Reserved, s.Offline)
				}
			}
		}()
	}

	// MQTT control plane: run submission and cancellation over the bus
	var control *scheduler.ControlPlane
	if mqttClient != nil {
		control, err = scheduler.NewControlPlane(scheduler.ControlPlaneOptions{
			Client: mqttClient,
			Runs:   sched,
			Logger: log,
			QoS:    byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return fmt.Errorf("creating control plane: %w", err)
		}
		if startErr := control.Start(); startErr != nil {
			return fmt.Errorf("starting control plane: %w", startErr)
		}
		defer func() {
			log.Info("stopping control plane")
			control.Stop()
		}()
		log.Info("control plane started")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"workcell", cfg.Workcell.ID,
		"simulate", cfg.Workcell.Simulate,
	)

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls unwind in reverse order: control plane, scheduler,
	// sweeper, driver sessions, hub, InfluxDB, MQTT, database.

	log.Info("Praxis Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PRAXIS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PRAXIS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when the corresponding
// subsystem is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
