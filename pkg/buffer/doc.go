// Package buffer provides a generic circular buffer with configurable overflow
// behaviour.
//
// The Reef channels use it as their bounded spore ring: the default DropOldest
// policy evicts the oldest item when a write arrives at capacity, and the drop
// callback lets the owner count evictions. Snapshot and RemoveFunc support
// inspection and in-place expiry sweeps without draining the ring.
//
//	ring, err := buffer.NewCircularBuffer[*spore.Spore](1000,
//	    buffer.WithDropCallback[*spore.Spore](func(*spore.Spore) { expired.Add(1) }),
//	)
//
// Statistics are always collected. Prometheus metrics are opt-in through
// WithMetrics.
package buffer
