package notify

import "time"

// Message kinds. State and log messages originate from run state writes;
// terminal messages are published once by the orchestrator when a run
// reaches a final status.
const (
	KindState    = "state"
	KindLog      = "log"
	KindTerminal = "terminal"
)

// Message is one run change notification.
type Message struct {
	// RunID is the run the message belongs to.
	RunID string `json:"run_id"`

	// Kind is one of the Kind constants.
	Kind string `json:"kind"`

	// Timestamp is when the message was published (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Payload carries the change itself: a var or progress delta for
	// state messages, the stored log entry for log messages, the final
	// status summary for terminal messages.
	Payload any `json:"payload,omitempty"`
}

// Sink is the destination side of run change events. Hub and Relay both
// satisfy it. Publish must not block.
type Sink interface {
	Publish(runID, kind string, payload any)
}

// multiSink forwards each event to every sink in order.
type multiSink []Sink

func (m multiSink) Publish(runID, kind string, payload any) {
	for _, s := range m {
		s.Publish(runID, kind, payload)
	}
}

// Multi combines sinks so one event reaches all of them, in the order
// given. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
