// Package reef is a knowledge message bus for cooperating agents.
//
// Agents exchange spores: small, immutable, prioritised messages carrying a
// JSON-compatible payload and an optional expiry. The module has two
// layers.
//
// In-process bus (package reef/reef): named channels, each a bounded ring
// that evicts the oldest spore when full, with a worker pool delivering to
// subscribed agents. Unicast reaches the addressed agent, broadcast reaches
// every subscriber except the sender, system broadcast reaches everyone. A
// sweeper removes expired spores.
//
// Secure Reef (package reef/secure): the same spore kinds between
// processes. Payloads are sealed with the recipient's X25519 key and signed
// with the sender's Ed25519 key (package reef/keys); inbound spores are
// verified before any handler runs. Transports are pluggable by protocol
// name:
//
//	memory  in-process hub, for tests and single-process deployments
//	nats    core NATS subjects, optional JetStream retention
//	mqtt    MQTT 3.1.1 topics
//	redis   Redis pub/sub
//	amqp    RabbitMQ topic exchange
//	stomp   STOMP destinations
//
// # Packages
//
//	spore         spore type, kinds, canonical payload encoding
//	reef          channels, subscriptions, dispatch, sweeper
//	secure        secure spores, wire codec, factory, Secure Reef
//	keys          key manager, registry, provisioning files
//	transport     transport contract, registry, memory hub, broker adapters
//	natsclient    NATS connection manager with circuit breaker
//	config        layered configuration with schema validation
//	metric        prometheus registry and endpoint
//	health        health aggregation for the daemon
//	errors        classified errors and sentinels
//	pkg/...       retry, worker pool, ring buffer, cache, TLS helpers
//	cmd/reef      daemon and key provisioning CLI
//
// # Testing
//
//	go test ./...                    # unit tests, no brokers needed
//	go test -tags integration ./...  # brokers in containers
package reef
