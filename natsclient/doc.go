// Package natsclient provides a NATS connection manager with circuit breaker
// protection, automatic reconnection and health monitoring. It backs the
// nats transport of the Secure Reef.
//
// # Core Features
//
// Circuit Breaker Pattern: after a threshold of consecutive failures
// (default 5) the circuit opens and Connect and Publish fail fast with
// ErrCircuitOpen. The circuit half-opens after a backoff that doubles each
// round, capped by WithMaxBackoff.
//
// Connection Lifecycle Management: Disconnected → Connecting → Connected →
// Reconnecting → Connected. The NATS client reconnects on its own; the
// manager mirrors its state and fires the configured callbacks.
//
// Streams: EnsureStream creates or updates a JetStream stream so spores
// published on core subjects are retained for later inspection.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("reef-A"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Subscribe("agent.A.*", func(msg *nats.Msg) {
//	    handle(msg.Subject, msg.Data)
//	})
//
//	msg := nats.NewMsg("agent.B.knowledge")
//	msg.Data = wire
//	err = client.Publish(ctx, msg)
//
// # Shutdown
//
// Close unsubscribes, drains the connection and clears credentials. The
// drain is bounded by WithDrainTimeout or the context deadline, whichever
// is sooner.
//
// # Testing
//
// Unit tests cover the circuit breaker and state machine without a
// server. Tests tagged integration start NATS in a container:
//
//	go test -tags integration ./natsclient/...
package natsclient
