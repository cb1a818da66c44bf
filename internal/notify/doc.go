// Package notify fans run change events out to observers without ever
// blocking the code that produces them.
//
// The state store and the orchestrator publish into a Sink; the two
// implementations carry the events to different audiences:
//
//	                      ┌──────────┐  per-observer bounded buffer
//	 state/log/terminal   │   Hub    │ ────────────────────────────> in-process
//	 ──────────────────>  ├──────────┤  drop-oldest when full        observers
//	   (notify.Multi)     │  Relay   │ ────────────────────────────> praxis/run/{id}/{kind}
//	                      └──────────┘  QoS 1, terminal retained     (platform bus)
//
// A slow observer loses its oldest messages, never the publisher's time.
// Per run, messages arrive in the order the underlying writes landed; a
// gap is possible after a drop, a reorder is not.
//
// # Usage
//
//	hub := notify.NewHub(notify.HubOptions{Buffer: cfg.Notifier.BufferSize})
//	relay, err := notify.NewRelay(notify.RelayOptions{Client: mqttClient})
//	sink := notify.Multi(hub, relay)
//
//	obs := hub.Subscribe(runID)
//	defer obs.Close()
//	for msg := range obs.Messages() {
//		// msg.Kind is state, log or terminal
//	}
package notify
