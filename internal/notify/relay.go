package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/mqtt"
)

// MQTTPublisher is the client surface the relay needs. Satisfied by
// *mqtt.Client.
type MQTTPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// RelayOptions holds construction parameters for a Relay.
type RelayOptions struct {
	// Client publishes to the platform bus. Required.
	Client MQTTPublisher

	// QoS for run event publishes. Default: 1.
	QoS byte

	// Logger is the structured logger. Optional.
	Logger *logging.Logger
}

// Relay forwards run change events to the platform bus, one topic per run
// and kind. Terminal messages are retained so a subscriber that connects
// after a run ends still sees how it finished. Delivery is best-effort:
// a failed publish is logged and dropped, never surfaced to the writer.
type Relay struct {
	client MQTTPublisher
	topics mqtt.Topics
	qos    byte
	logger *logging.Logger
}

// NewRelay creates a relay over the given MQTT client.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("notify: mqtt client is required")
	}
	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Relay{
		client: opts.Client,
		qos:    qos,
		logger: logger,
	}, nil
}

// Publish forwards one run event to the bus.
func (r *Relay) Publish(runID, kind string, payload any) {
	msg := Message{
		RunID:     runID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to marshal run event", "run_id", runID, "kind", kind, "error", err)
		return
	}

	retained := kind == KindTerminal
	if err := r.client.Publish(r.topics.RunMessage(runID, kind), data, r.qos, retained); err != nil {
		r.logger.Warn("run event publish failed", "run_id", runID, "kind", kind, "error", err)
	}
}
