package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
)

// defaultBufferSize is the per-observer message buffer size.
const defaultBufferSize = 256

// Hub fans run change events out to in-process observers. Each observer
// has its own bounded buffer; when an observer falls behind, its oldest
// buffered messages are dropped first, so publishers never block and a
// slow consumer only ever hurts itself.
type Hub struct {
	buffer int
	logger *logging.Logger

	mu        sync.RWMutex
	observers map[*Observer]struct{}
	closed    bool
}

// HubOptions holds construction parameters for a Hub.
type HubOptions struct {
	// Buffer is the per-observer message buffer size. Default: 256.
	Buffer int

	// Logger is the structured logger. Optional.
	Logger *logging.Logger
}

// Observer is one subscription to the hub. Receive from Messages until it
// is closed, and call Close when done.
type Observer struct {
	hub     *Hub
	runID   string // empty means all runs
	ch      chan Message
	dropped atomic.Uint64
}

// NewHub creates a hub.
func NewHub(opts HubOptions) *Hub {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		buffer:    buffer,
		logger:    logger,
		observers: make(map[*Observer]struct{}),
	}
}

// Subscribe registers an observer. A non-empty runID narrows the stream to
// one run; empty observes every run. Subscribing to a closed hub returns
// an observer whose channel is already closed.
func (h *Hub) Subscribe(runID string) *Observer {
	o := &Observer{
		hub:   h,
		runID: runID,
		ch:    make(chan Message, h.buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(o.ch)
		return o
	}
	h.observers[o] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("observer subscribed", "run_id", runID, "observers", h.ObserverCount())
	return o
}

// Publish delivers one message to every observer watching the run.
// It never blocks: full observer buffers shed their oldest message.
func (h *Hub) Publish(runID, kind string, payload any) {
	msg := Message{
		RunID:     runID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	// Snapshot observers under the hub lock, then deliver without it.
	h.mu.RLock()
	observers := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.RUnlock()

	sent := 0
	for _, o := range observers {
		if o.wants(runID) {
			o.trySend(msg)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("run event delivered", "run_id", runID, "kind", kind, "observers", sent)
	}
}

// ObserverCount returns the number of registered observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close unsubscribes every observer and closes their channels. Further
// publishes go nowhere.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for o := range h.observers {
		close(o.ch)
		delete(h.observers, o)
	}
}

// unsubscribe removes an observer from the hub.
// Only the goroutine that removes the observer from the map closes its
// channel, preventing double-close panics during shutdown.
func (h *Hub) unsubscribe(o *Observer) {
	h.mu.Lock()
	_, existed := h.observers[o]
	delete(h.observers, o)
	h.mu.Unlock()

	if existed {
		close(o.ch)
	}
	h.logger.Debug("observer unsubscribed", "observers", h.ObserverCount())
}

// Messages returns the observer's stream. The channel closes when the
// observer or its hub is closed.
func (o *Observer) Messages() <-chan Message {
	return o.ch
}

// Dropped returns how many messages this observer has lost to buffer
// overflow.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}

// Close unsubscribes the observer. Safe to call multiple times.
func (o *Observer) Close() {
	o.hub.unsubscribe(o)
}

// wants reports whether the observer watches the given run.
func (o *Observer) wants(runID string) bool {
	return o.runID == "" || o.runID == runID
}

// trySend delivers a message to the observer's buffer, shedding the oldest
// buffered message when full.
func (o *Observer) trySend(msg Message) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic from an observer closed mid-broadcast
	}()

	select {
	case o.ch <- msg:
		return
	default:
	}

	// Buffer full: drop the oldest to make room for the newest.
	select {
	case <-o.ch:
		o.dropped.Add(1)
	default:
	}
	select {
	case o.ch <- msg:
	default:
		o.dropped.Add(1)
	}
}
