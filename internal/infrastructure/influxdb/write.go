package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// RecordRunEvent writes a run outcome measurement.
//
// One point is written per run reaching a terminal status, tagged by
// protocol and status so dashboards can break completion rates down
// per protocol. The write is non-blocking; data is batched and sent
// asynchronously.
//
// Parameters:
//   - runID: The run identifier
//   - protocolName: The protocol the run executed
//   - status: The terminal status (completed, failed, cancelled)
//   - errorKind: The failure category, empty for clean outcomes
func (c *Client) RecordRunEvent(runID, protocolName, status, errorKind string) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"protocol": protocolName,
		"status":   status,
	}
	if errorKind != "" {
		tags["error_kind"] = errorKind
	}

	point := write.NewPoint(
		"run_events",
		tags,
		map[string]interface{}{
			"run_id": runID,
			"count":  1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordStepDuration writes how long one protocol step took.
//
// Tagged by protocol and step name, with the step's position and duration
// as fields, for per-step latency tracking across runs.
//
// Parameters:
//   - runID: The run identifier
//   - protocolName: The protocol the run executed
//   - step: The 1-based step position
//   - name: The step's name in the protocol definition
//   - d: How long the step ran
func (c *Client) RecordStepDuration(runID, protocolName string, step int, name string, d time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"step_duration",
		map[string]string{
			"protocol": protocolName,
			"step":     name,
		},
		map[string]interface{}{
			"run_id":      runID,
			"position":    step,
			"duration_ms": d.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordQueueDepth writes scheduler occupancy after a dispatch pass.
//
// Parameters:
//   - queued: Runs waiting for a worker
//   - active: Runs currently executing
func (c *Client) RecordQueueDepth(queued, active int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"scheduler_queue",
		nil,
		map[string]interface{}{
			"queued": queued,
			"active": active,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordAssetStats writes an inventory utilisation snapshot.
//
// Parameters:
//   - total: All known assets
//   - free: Assets available for reservation
//   - reserved: Assets currently held by runs
//   - offline: Assets excluded from reservation
func (c *Client) RecordAssetStats(total, free, reserved, offline int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"asset_utilisation",
		nil,
		map[string]interface{}{
			"total":    total,
			"free":     free,
			"reserved": reserved,
			"offline":  offline,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "core-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
