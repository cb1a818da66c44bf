// Package mqtt provides MQTT client connectivity for Praxis Core.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Praxis uses MQTT as the platform message bus: run notifications fan out
// to external observers, submit/cancel control requests arrive from lab
// tooling, and instrument drivers are reached over per-asset command,
// reply, and status topics. The broker (Mosquitto) decouples the engine
// from driver processes.
//
//	Praxis Core ↔ MQTT Broker ↔ Instrument Drivers / Lab Tooling
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to every run notification
//	err = client.Subscribe(mqtt.Topics{}.AllRunMessages(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Send a driver command
//	topic := mqtt.Topics{}.DriverCommand("asset-ot2-1")
//	client.Publish(topic, []byte(`{"command":"home"}`), 1, false)
package mqtt
