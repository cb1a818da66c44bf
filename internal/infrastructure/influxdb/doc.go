// Package influxdb provides InfluxDB connectivity for Praxis Core.
//
// It wraps the official influxdb-client-go v2 library with Praxis-specific
// patterns for connection management, telemetry writing, and health
// monitoring.
//
// # Purpose
//
// This package handles time-series telemetry for:
//   - Run outcomes (run_events measurement)
//   - Protocol step latency (step_duration)
//   - Scheduler occupancy (scheduler_queue)
//   - Inventory utilisation (asset_utilisation)
//
// Telemetry is optional: when disabled in config, Connect returns
// ErrDisabled and callers fall back to no-op recorders.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "praxis",
//	    Bucket: "telemetry",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.RecordRunEvent(runID, "self_test", "completed", "")
//	client.RecordStepDuration(runID, "self_test", 3, "transfer", 420*time.Millisecond)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// Run telemetry is low-volume, so batching exists mainly to keep step-level
// writes off the orchestrator's critical path.
package influxdb
