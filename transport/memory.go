package transport

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// ProtocolMemory names the in-process transport.
const ProtocolMemory = "memory"

// Hub is an in-process broker. Every Memory transport attached to the same
// hub sees the others' messages. Delivery is synchronous on the publishing
// goroutine and never holds the hub lock while a callback runs.
type Hub struct {
	mu     sync.RWMutex
	subs   []*hubSub
	nextID atomic.Uint64

	published atomic.Int64
	delivered atomic.Int64
}

type hubSub struct {
	id      uint64
	owner   *Memory
	pattern string
	cb      Callback
}

// HubStats counts hub traffic.
type HubStats struct {
	Subscriptions int   `json:"subscriptions"`
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

var (
	defaultHubOnce sync.Once
	defaultHub     *Hub
)

// DefaultHub is the process-wide hub used by transports built through New.
func DefaultHub() *Hub {
	defaultHubOnce.Do(func() { defaultHub = NewHub() })
	return defaultHub
}

// Stats returns hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return HubStats{Subscriptions: n, Published: h.published.Load(), Delivered: h.delivered.Load()}
}

func (h *Hub) subscribe(owner *Memory, pattern string, cb Callback) {
	s := &hubSub{id: h.nextID.Add(1), owner: owner, pattern: pattern, cb: cb}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, s)
}

func (h *Hub) unsubscribe(owner *Memory, pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = removeSubs(h.subs, func(s *hubSub) bool {
		return s.owner == owner && s.pattern == pattern
	})
}

func (h *Hub) detach(owner *Memory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = removeSubs(h.subs, func(s *hubSub) bool { return s.owner == owner })
}

func removeSubs(subs []*hubSub, drop func(*hubSub) bool) []*hubSub {
	kept := subs[:0]
	for _, s := range subs {
		if !drop(s) {
			kept = append(kept, s)
		}
	}
	clear(subs[len(kept):])
	return kept
}

func (h *Hub) publish(ctx context.Context, topic string, data []byte) {
	h.published.Add(1)

	h.mu.RLock()
	var targets []*hubSub
	for _, s := range h.subs {
		if Match(s.pattern, topic, Dotted.Separator) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.owner.connected() {
			continue
		}
		h.delivered.Add(1)
		s.cb(ctx, topic, append([]byte(nil), data...))
	}
}

// Match reports whether topic matches a subscription pattern. In the
// pattern "*" and "+" match one segment; a final "#" or ">" matches one or
// more trailing segments.
func Match(pattern, topic, sep string) bool {
	ps := strings.Split(pattern, sep)
	ts := strings.Split(topic, sep)

	for i, p := range ps {
		if p == "#" || p == ">" {
			return i == len(ps)-1 && len(ts) > i
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != "+" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}

const (
	memNew int32 = iota
	memConnected
	memClosed
)

// Memory is a Transport backed by a Hub.
type Memory struct {
	hub    *Hub
	state  atomic.Int32
	logger *slog.Logger
	id     string
}

// NewMemory returns a transport attached to hub, or to DefaultHub when hub
// is nil.
func NewMemory(hub *Hub) *Memory {
	if hub == nil {
		hub = DefaultHub()
	}
	return &Memory{hub: hub, logger: slog.Default()}
}

func (m *Memory) connected() bool {
	return m.state.Load() == memConnected
}

// Initialize attaches the transport. A closed transport cannot be reused.
func (m *Memory) Initialize(ctx context.Context, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return ConnectError(ProtocolMemory, err)
	}
	if m.state.Load() == memClosed {
		return NotConnected(ProtocolMemory, "Initialize")
	}
	m.logger = cfg.Log(ProtocolMemory)
	m.id = cfg.ClientID
	if m.state.CompareAndSwap(memNew, memConnected) {
		m.logger.Debug("Memory transport attached", "client_id", m.id)
	}
	return nil
}

// Publish delivers data to every matching subscriber before returning.
func (m *Memory) Publish(ctx context.Context, topic string, data []byte, _ PublishOptions) error {
	if !m.connected() {
		return NotConnected(ProtocolMemory, "Publish")
	}
	if err := ctx.Err(); err != nil {
		return PublishError(ProtocolMemory, topic, err)
	}
	m.hub.publish(ctx, topic, data)
	return nil
}

// Subscribe adds cb for pattern. Callbacks on the same pattern each get a
// copy of every matching message.
func (m *Memory) Subscribe(_ context.Context, pattern string, cb Callback) error {
	if !m.connected() {
		return NotConnected(ProtocolMemory, "Subscribe")
	}
	if pattern == "" || cb == nil {
		return InvalidSubscription(ProtocolMemory)
	}
	m.hub.subscribe(m, pattern, cb)
	return nil
}

// Unsubscribe removes every callback for pattern.
func (m *Memory) Unsubscribe(_ context.Context, pattern string) error {
	if !m.connected() {
		return NotConnected(ProtocolMemory, "Unsubscribe")
	}
	m.hub.unsubscribe(m, pattern)
	return nil
}

// Close detaches from the hub. It is idempotent.
func (m *Memory) Close(_ context.Context) error {
	if m.state.Swap(memClosed) == memClosed {
		return nil
	}
	m.hub.detach(m)
	m.logger.Debug("Memory transport closed", "client_id", m.id)
	return nil
}

// Protocol returns "memory".
func (m *Memory) Protocol() string { return ProtocolMemory }

// Naming returns the dotted naming.
func (m *Memory) Naming() TopicNaming { return Dotted }
