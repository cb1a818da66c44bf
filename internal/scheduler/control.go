package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/mqtt"
)

// controlTimeout bounds how long one control request may spend in the
// scheduler before it is abandoned.
const controlTimeout = 10 * time.Second

// MQTTClient is the MQTT client interface the control plane requires.
// *mqtt.Client satisfies this.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// RunService is the scheduler surface the control plane drives.
// *Scheduler satisfies this.
type RunService interface {
	Submit(ctx context.Context, protocolName string, params map[string]any) (string, error)
	Cancel(ctx context.Context, runID string) error
}

// SubmitRequest is the JSON body accepted on the run submission topic.
type SubmitRequest struct {
	// Protocol names a registered protocol.
	Protocol string `json:"protocol"`

	// Params are caller-supplied run parameters.
	Params map[string]any `json:"params,omitempty"`

	// ReplyTopic, when set, receives a ControlReply for this request.
	ReplyTopic string `json:"reply_topic,omitempty"`
}

// CancelRequest is the JSON body accepted on the run cancellation topic.
type CancelRequest struct {
	// RunID identifies the run to cancel.
	RunID string `json:"run_id"`

	// ReplyTopic, when set, receives a ControlReply for this request.
	ReplyTopic string `json:"reply_topic,omitempty"`
}

// ControlReply reports the outcome of a control request.
type ControlReply struct {
	// OK is true when the request was accepted.
	OK bool `json:"ok"`

	// RunID is the affected run (the new run for submissions).
	RunID string `json:"run_id,omitempty"`

	// Error describes the failure when OK is false.
	Error string `json:"error,omitempty"`

	// Timestamp is when the reply was produced (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// ControlPlaneOptions contains dependencies for creating a ControlPlane.
type ControlPlaneOptions struct {
	// Client is the MQTT client (required).
	Client MQTTClient

	// Runs is the scheduler handling requests (required).
	Runs RunService

	// Logger for control events (optional, defaults to logging.Default()).
	Logger *logging.Logger

	// QoS for control and reply topics (defaults to 1).
	QoS byte
}

// ControlPlane accepts run submissions and cancellations over MQTT, so
// external clients can drive the engine without the out-of-scope web
// transport. Requests are JSON on praxis/run/submit and praxis/run/cancel;
// a request carrying a reply_topic gets a ControlReply published back.
type ControlPlane struct {
	client MQTTClient
	runs   RunService
	logger *logging.Logger
	qos    byte
	topics mqtt.Topics
}

// NewControlPlane creates a control plane. Call Start to subscribe.
func NewControlPlane(opts ControlPlaneOptions) (*ControlPlane, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("scheduler: mqtt client is required")
	}
	if opts.Runs == nil {
		return nil, fmt.Errorf("scheduler: run service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}
	return &ControlPlane{
		client: opts.Client,
		runs:   opts.Runs,
		logger: logger,
		qos:    qos,
	}, nil
}

// Start subscribes to the control topics.
func (c *ControlPlane) Start() error {
	if err := c.client.Subscribe(c.topics.RunSubmit(), c.qos, c.handleSubmit); err != nil {
		return fmt.Errorf("subscribing to %s: %w", c.topics.RunSubmit(), err)
	}
	if err := c.client.Subscribe(c.topics.RunCancel(), c.qos, c.handleCancel); err != nil {
		return fmt.Errorf("subscribing to %s: %w", c.topics.RunCancel(), err)
	}
	c.logger.Info("run control plane listening",
		"submit", c.topics.RunSubmit(), "cancel", c.topics.RunCancel())
	return nil
}

// Stop unsubscribes from the control topics.
func (c *ControlPlane) Stop() {
	if err := c.client.Unsubscribe(c.topics.RunSubmit()); err != nil {
		c.logger.Warn("unsubscribe failed", "topic", c.topics.RunSubmit(), "error", err)
	}
	if err := c.client.Unsubscribe(c.topics.RunCancel()); err != nil {
		c.logger.Warn("unsubscribe failed", "topic", c.topics.RunCancel(), "error", err)
	}
}

// handleSubmit processes one submission request.
func (c *ControlPlane) handleSubmit(_ string, payload []byte) error {
	var req SubmitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.logger.Warn("malformed submit request", "error", err)
		return fmt.Errorf("decoding submit request: %w", err)
	}
	if strings.TrimSpace(req.Protocol) == "" {
		c.reply(req.ReplyTopic, ControlReply{Error: "protocol is required"})
		return fmt.Errorf("submit request missing protocol")
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	runID, err := c.runs.Submit(ctx, req.Protocol, req.Params)
	if err != nil {
		c.logger.Warn("submit request rejected", "protocol", req.Protocol, "error", err)
		c.reply(req.ReplyTopic, ControlReply{Error: err.Error()})
		return err
	}
	c.reply(req.ReplyTopic, ControlReply{OK: true, RunID: runID})
	return nil
}

// handleCancel processes one cancellation request.
func (c *ControlPlane) handleCancel(_ string, payload []byte) error {
	var req CancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.logger.Warn("malformed cancel request", "error", err)
		return fmt.Errorf("decoding cancel request: %w", err)
	}
	if strings.TrimSpace(req.RunID) == "" {
		c.reply(req.ReplyTopic, ControlReply{Error: "run_id is required"})
		return fmt.Errorf("cancel request missing run_id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	if err := c.runs.Cancel(ctx, req.RunID); err != nil {
		c.logger.Warn("cancel request rejected", "run_id", req.RunID, "error", err)
		c.reply(req.ReplyTopic, ControlReply{RunID: req.RunID, Error: err.Error()})
		return err
	}
	c.reply(req.ReplyTopic, ControlReply{OK: true, RunID: req.RunID})
	return nil
}

// reply publishes a control reply when the request asked for one.
// Best-effort: a lost reply does not undo the request.
func (c *ControlPlane) reply(topic string, r ControlReply) {
	if topic == "" {
		return
	}
	r.Timestamp = time.Now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		c.logger.Error("encoding control reply failed", "error", err)
		return
	}
	if err := c.client.Publish(topic, data, c.qos, false); err != nil {
		c.logger.Warn("publishing control reply failed", "topic", topic, "error", err)
	}
}
