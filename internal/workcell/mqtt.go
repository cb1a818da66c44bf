package workcell

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/mqtt"
)

// defaultCommandTimeout bounds how long a command waits for a driver reply
// when no timeout is configured.
const defaultCommandTimeout = 30 * time.Second

// MQTTClient is the MQTT client interface the backend requires.
// *mqtt.Client satisfies this.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// MQTTBackendOptions contains dependencies for creating an MQTTBackend.
type MQTTBackendOptions struct {
	// Client is the MQTT client (required).
	Client MQTTClient

	// Health receives availability changes from driver status topics
	// (optional).
	Health HealthSink

	// Logger for backend events (optional, defaults to logging.Default()).
	Logger *logging.Logger

	// QoS for command, reply, and status topics (defaults to 1).
	QoS byte

	// CommandTimeout bounds how long Execute waits for a driver reply
	// (defaults to 30s).
	CommandTimeout time.Duration
}

// MQTTBackend connects assets to external driver processes over MQTT.
//
// Each command is published to praxis/driver/{asset_id}/command with a
// unique id, and the backend waits for the correlated reply on
// praxis/driver/{asset_id}/reply. Drivers additionally publish retained
// health on praxis/driver/{asset_id}/status; those transitions are pushed
// to the configured HealthSink so reservations stop handing out assets
// whose drivers have gone away.
type MQTTBackend struct {
	client  MQTTClient
	health  HealthSink
	logger  *logging.Logger
	qos     byte
	timeout time.Duration
	topics  mqtt.Topics

	mu      sync.Mutex
	pending map[string]chan ReplyMessage
	closed  bool
}

// NewMQTTBackend creates a backend that drives assets over MQTT.
func NewMQTTBackend(opts MQTTBackendOptions) (*MQTTBackend, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("workcell: mqtt client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}

	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	return &MQTTBackend{
		client:  opts.Client,
		health:  opts.Health,
		logger:  logger,
		qos:     qos,
		timeout: timeout,
		pending: make(map[string]chan ReplyMessage),
	}, nil
}

// Name identifies this backend.
func (b *MQTTBackend) Name() string {
	return "mqtt"
}

// Connect subscribes to the asset's reply and status topics and performs a
// connect handshake with the driver. The returned handle publishes commands
// and waits for correlated replies.
func (b *MQTTBackend) Connect(ctx context.Context, a *asset.Asset) (Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBackendClosed
	}
	b.mu.Unlock()

	if !b.client.IsConnected() {
		return nil, fmt.Errorf("workcell: mqtt client not connected")
	}

	h := &mqttHandle{
		backend: b,
		assetID: a.ID,
		name:    a.Name,
	}

	replyTopic := b.topics.DriverReply(a.ID)
	if err := b.client.Subscribe(replyTopic, b.qos, b.routeReply); err != nil {
		return nil, fmt.Errorf("workcell: subscribe %s: %w", replyTopic, err)
	}

	statusTopic := b.topics.DriverStatus(a.ID)
	if err := b.client.Subscribe(statusTopic, b.qos, b.statusHandler(h)); err != nil {
		b.client.Unsubscribe(replyTopic)
		return nil, fmt.Errorf("workcell: subscribe %s: %w", statusTopic, err)
	}

	// Handshake so a missing driver is caught at attach time rather than
	// on the first protocol step.
	if _, err := b.execute(ctx, a.ID, "connect", nil); err != nil {
		b.client.Unsubscribe(replyTopic)
		b.client.Unsubscribe(statusTopic)
		return nil, err
	}

	h.setConnected(true)
	b.logger.Info("driver connected",
		"asset_id", a.ID,
		"asset_name", a.Name)
	return h, nil
}

// Close marks the backend closed. Existing handles fail further commands.
func (b *MQTTBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// execute publishes a command and waits for the correlated reply.
func (b *MQTTBackend) execute(ctx context.Context, assetID, command string, args map[string]any) (map[string]any, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, driverErr(assetID, command, ErrBackendClosed)
	}
	msg := NewCommandMessage(assetID, command, args)
	replyCh := make(chan ReplyMessage, 1)
	b.pending[msg.ID] = replyCh
	b.mu.Unlock()

	defer b.forget(msg.ID)

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, driverErr(assetID, command, fmt.Errorf("marshal command: %w", err))
	}

	topic := b.topics.DriverCommand(assetID)
	if err := b.client.Publish(topic, payload, b.qos, false); err != nil {
		return nil, driverErr(assetID, command, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if !reply.Success {
			return nil, driverErr(assetID, command, faultError(reply.Error))
		}
		return reply.Result, nil

	case <-timer.C:
		b.logger.Warn("driver reply timeout",
			"asset_id", assetID,
			"command", command,
			"command_id", msg.ID,
			"timeout", b.timeout.String())
		return nil, driverErr(assetID, command, fmt.Errorf("%w after %s", ErrCommandTimeout, b.timeout))

	case <-ctx.Done():
		return nil, driverErr(assetID, command, ctx.Err())
	}
}

// routeReply delivers a driver reply to the waiter registered for its
// command id. Replies arriving after the waiter gave up are dropped.
func (b *MQTTBackend) routeReply(topic string, payload []byte) error {
	var reply ReplyMessage
	if err := json.Unmarshal(payload, &reply); err != nil {
		return fmt.Errorf("parse reply on %s: %w", topic, err)
	}

	b.mu.Lock()
	ch, ok := b.pending[reply.CommandID]
	if ok {
		delete(b.pending, reply.CommandID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("dropping unmatched driver reply",
			"topic", topic,
			"command_id", reply.CommandID)
		return nil
	}

	ch <- reply
	return nil
}

// statusHandler returns a handler that applies driver status transitions to
// the handle and the health sink.
func (b *MQTTBackend) statusHandler(h *mqttHandle) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		var status StatusMessage
		if err := json.Unmarshal(payload, &status); err != nil {
			return fmt.Errorf("parse status on %s: %w", topic, err)
		}

		online := status.Status == DriverOnline
		h.setConnected(online)

		b.logger.Info("driver status",
			"asset_id", h.assetID,
			"status", status.Status,
			"reason", status.Reason)

		if b.health == nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		if online {
			err = b.health.MarkOnline(ctx, h.assetID)
		} else {
			err = b.health.MarkOffline(ctx, h.assetID)
		}
		if err != nil {
			b.logger.Error("health update failed",
				"asset_id", h.assetID,
				"status", status.Status,
				"error", err)
		}
		return nil
	}
}

// forget removes a pending reply waiter.
func (b *MQTTBackend) forget(commandID string) {
	b.mu.Lock()
	delete(b.pending, commandID)
	b.mu.Unlock()
}

// mqttHandle is a live connection to one asset's external driver.
type mqttHandle struct {
	backend *MQTTBackend
	assetID string
	name    string

	mu        sync.Mutex
	connected bool
	commands  int
	lastReply map[string]any
}

// AssetID returns the asset this handle controls.
func (h *mqttHandle) AssetID() string {
	return h.assetID
}

// Name returns the asset's human-readable name.
func (h *mqttHandle) Name() string {
	return h.name
}

// Execute publishes the command to the driver and waits for its reply.
func (h *mqttHandle) Execute(ctx context.Context, command string, args map[string]any) (map[string]any, error) {
	result, err := h.backend.execute(ctx, h.assetID, command, args)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.commands++
	h.lastReply = result
	h.mu.Unlock()
	return result, nil
}

// State reports the handle's view of the driver.
func (h *mqttHandle) State() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := map[string]any{
		"backend":   "mqtt",
		"connected": h.connected,
		"commands":  h.commands,
	}
	for k, v := range h.lastReply {
		state["last_"+k] = v
	}
	return state
}

// Close notifies the driver and unsubscribes from its topics. The
// disconnect command is best-effort so a dead driver cannot block detach.
func (h *mqttHandle) Close(ctx context.Context) error {
	b := h.backend

	msg := NewCommandMessage(h.assetID, "disconnect", nil)
	if payload, err := json.Marshal(msg); err == nil {
		if err := b.client.Publish(b.topics.DriverCommand(h.assetID), payload, b.qos, false); err != nil {
			b.logger.Warn("disconnect notify failed",
				"asset_id", h.assetID,
				"error", err)
		}
	}

	var firstErr error
	if err := b.client.Unsubscribe(b.topics.DriverReply(h.assetID)); err != nil {
		firstErr = err
	}
	if err := b.client.Unsubscribe(b.topics.DriverStatus(h.assetID)); err != nil && firstErr == nil {
		firstErr = err
	}

	h.setConnected(false)
	if firstErr != nil {
		return driverErr(h.assetID, "close", firstErr)
	}
	return nil
}

func (h *mqttHandle) setConnected(connected bool) {
	h.mu.Lock()
	h.connected = connected
	h.mu.Unlock()
}
