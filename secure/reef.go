package secure

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/keys"
	"github.com/c360/reef/metric"
	"github.com/c360/reef/pkg/cache"
	"github.com/c360/reef/spore"
	"github.com/c360/reef/transport"
)

// State is the lifecycle state of a Reef.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultRequestTTL applies to Request when no TTL is given.
const DefaultRequestTTL = 300 * time.Second

// Replay guard defaults. A delivered spore is remembered until its expiry
// or for the window, whichever is later.
const (
	DefaultReplayWindow = 10 * time.Minute
	DefaultReplaySize   = 10000
)

// Handler receives verified inbound spores of one kind.
type Handler func(ctx context.Context, r *Received) error

// HandlerID identifies a registration for UnregisterHandler.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// TransportFactory builds the transport for a protocol.
type TransportFactory func(protocol string) (transport.Transport, error)

// Option configures a Reef.
type Option func(*Reef)

// WithRegistry shares a key registry between agents of one process, or
// seeds it with provisioned peers.
func WithRegistry(reg *keys.Registry) Option {
	return func(r *Reef) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// WithKeyManager uses provisioned keys instead of generating a fresh pair at
// Initialize. The manager's agent must match the initialized agent.
func WithKeyManager(km *keys.Manager) Option {
	return func(r *Reef) { r.keys = km }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reef) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records secure traffic in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Reef) {
		if registry != nil {
			r.registryMetrics = registry
			r.metrics = registry.CoreMetrics()
		}
	}
}

// WithBroadcastPolicy selects how broadcasts are sealed. BroadcastGroupKey
// needs the shared group key.
func WithBroadcastPolicy(policy BroadcastPolicy, groupKey *[keys.KeySize]byte) Option {
	return func(r *Reef) {
		r.policy = policy
		r.groupKey = groupKey
	}
}

// WithTransportFactory replaces transport.New.
func WithTransportFactory(f TransportFactory) Option {
	return func(r *Reef) {
		if f != nil {
			r.newTransport = f
		}
	}
}

// WithClock overrides time.Now for timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Reef) {
		if now != nil {
			r.now = now
		}
	}
}

// WithReplayWindow sets how long delivered spores are remembered and how
// many are kept. A non-positive window disables the replay guard.
func WithReplayWindow(window time.Duration, size int) Option {
	return func(r *Reef) {
		r.replayWindow = window
		if size > 0 {
			r.replaySize = size
		}
	}
}

// WithRateLimit caps outbound publishes at limit per second with burst.
// SendSecure waits for a token, honouring its context.
func WithRateLimit(limit float64, burst int) Option {
	return func(r *Reef) {
		if limit > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(limit), max(burst, 1))
		}
	}
}

// Reef is the secure bus facade for one agent. Spores are sealed end to
// end and carried by a transport; inbound spores are verified before any
// handler sees them.
type Reef struct {
	mu        sync.RWMutex
	state     State
	agent     string
	protocol  string
	keys      *keys.Manager
	factory   *Factory
	transport transport.Transport
	topics    []string

	registry     *keys.Registry
	newTransport TransportFactory
	policy       BroadcastPolicy
	groupKey     *[keys.KeySize]byte
	limiter      *rate.Limiter
	replayWindow time.Duration
	replaySize   int
	seen         *cache.Cache[struct{}]

	handlersMu  sync.RWMutex
	handlers    map[spore.Kind][]handlerEntry
	nextHandler atomic.Uint64

	sent            atomic.Int64
	received        atomic.Int64
	integrityErrors atomic.Int64
	decodeErrors    atomic.Int64
	droppedExpired  atomic.Int64
	droppedEcho     atomic.Int64
	droppedReplay   atomic.Int64
	handlerErrors   atomic.Int64

	logger          *slog.Logger
	registryMetrics *metric.MetricsRegistry
	metrics         *metric.Metrics
	now             func() time.Time
}

// Stats is a point-in-time view of a Reef.
type Stats struct {
	Agent           string             `json:"agent"`
	Protocol        string             `json:"protocol"`
	State           string             `json:"state"`
	BroadcastPolicy string             `json:"broadcast_policy"`
	Peers           int                `json:"peers"`
	Handlers        map[spore.Kind]int `json:"handlers"`
	SporesSent      int64              `json:"spores_sent"`
	SporesReceived  int64              `json:"spores_received"`
	IntegrityErrors int64              `json:"integrity_errors"`
	DecodeErrors    int64              `json:"decode_errors"`
	DroppedExpired  int64              `json:"dropped_expired"`
	DroppedEcho     int64              `json:"dropped_echo"`
	DroppedReplay   int64              `json:"dropped_replay"`
	HandlerErrors   int64              `json:"handler_errors"`
}

// New returns a Reef in the new state.
func New(opts ...Option) *Reef {
	r := &Reef{
		registry:     keys.NewRegistry(),
		newTransport: transport.New,
		handlers:     make(map[spore.Kind][]handlerEntry),
		logger:       slog.Default(),
		now:          time.Now,
		replayWindow: DefaultReplayWindow,
		replaySize:   DefaultReplaySize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With("component", "secure.reef")
	return r
}

// Registry returns the key registry.
func (r *Reef) Registry() *keys.Registry {
	return r.registry
}

// State returns the lifecycle state.
func (r *Reef) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Agent returns the initialized agent name.
func (r *Reef) Agent() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agent
}

// Initialize creates the agent's keys, connects the transport for protocol,
// registers the agent's bundle and subscribes to its topics.
func (r *Reef) Initialize(ctx context.Context, agent, protocol string, cfg transport.Config) error {
	if err := transport.ValidateAgent(agent); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateConnected:
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Reef", "Initialize", "agent "+r.agent+" already initialized")
	case StateClosed:
		return errors.WrapInvalid(errors.ErrShuttingDown, "Reef", "Initialize", "reef closed")
	}

	km := r.keys
	if km == nil {
		var err error
		if km, err = keys.NewManager(agent, keys.WithClock(r.now)); err != nil {
			return err
		}
	} else if km.Agent() != agent {
		return errors.Invalidf("Reef", "Initialize", "key manager belongs to %q, not %q", km.Agent(), agent)
	}

	factory, err := NewFactory(km, r.policy, r.groupKey, r.now)
	if err != nil {
		return err
	}
	seen, err := r.replayGuard(agent)
	if err != nil {
		return err
	}

	t, err := r.newTransport(protocol)
	if err != nil {
		return err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = agent
	}
	if cfg.Logger == nil {
		cfg.Logger = r.logger
	}
	if err := t.Initialize(ctx, cfg); err != nil {
		return connectionFailure(err, "transport initialize")
	}

	if err := r.registry.Register(agent, km.Bundle()); err != nil {
		_ = t.Close(ctx)
		return err
	}

	topics := t.Naming().Subscriptions(agent)
	for _, topic := range topics {
		if err := t.Subscribe(ctx, topic, r.onMessage); err != nil {
			_ = t.Close(ctx)
			return connectionFailure(err, "subscribe "+topic)
		}
	}

	r.agent, r.protocol = agent, t.Protocol()
	r.keys, r.factory, r.transport, r.topics = km, factory, t, topics
	r.seen = seen
	r.state = StateConnected
	r.logger = r.logger.With("agent", agent)
	if r.metrics != nil {
		r.metrics.RecordSecureState(agent, int(StateConnected))
	}
	r.logger.Info("Secure reef connected", "protocol", r.protocol, "topics", topics)
	return nil
}

// replayGuard builds the seen set for agent, or nil when disabled. Metrics
// that cannot be registered are skipped.
func (r *Reef) replayGuard(agent string) (*cache.Cache[struct{}], error) {
	if r.replayWindow <= 0 {
		return nil, nil
	}
	opts := []cache.Option[struct{}]{cache.WithClock[struct{}](r.now)}
	if r.registryMetrics != nil {
		seen, err := cache.New[struct{}](r.replaySize,
			append(opts, cache.WithMetrics[struct{}](r.registryMetrics, "replay_"+agent))...)
		if err == nil {
			return seen, nil
		}
		r.logger.Warn("Replay guard metrics unavailable", "error", err)
	}
	return cache.New[struct{}](r.replaySize, opts...)
}

func connectionFailure(err error, action string) error {
	if errors.KindOf(err) == errors.KindConnectionFailure {
		return err
	}
	return errors.Kindf(errors.ErrConnectionFailure, "Reef", "Initialize", "%s: %v", action, err)
}

// SecureOptions tunes one outbound spore.
type SecureOptions struct {
	Kind     spore.Kind // default knowledge, or broadcast without a recipient
	Priority int        // default 5
	TTL      time.Duration
	ReplyTo  string
	Metadata map[string]string
}

// SendOption adjusts SecureOptions for the convenience senders.
type SendOption func(*SecureOptions)

// AtPriority sets the priority.
func AtPriority(p int) SendOption {
	return func(o *SecureOptions) { o.Priority = p }
}

// ExpiresIn sets the TTL.
func ExpiresIn(ttl time.Duration) SendOption {
	return func(o *SecureOptions) { o.TTL = ttl }
}

// WithMetadata attaches metadata.
func WithMetadata(md map[string]string) SendOption {
	return func(o *SecureOptions) { o.Metadata = md }
}

type outbound struct {
	agent     string
	protocol  string
	factory   *Factory
	transport transport.Transport
}

func (r *Reef) connected(method string) (outbound, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateConnected {
		return outbound{}, errors.Kindf(errors.ErrNotConnected, "Reef", method, "reef is %s", r.state)
	}
	return outbound{agent: r.agent, protocol: r.protocol, factory: r.factory, transport: r.transport}, nil
}

// SendSecure seals payload for to and publishes it. An empty to broadcasts.
// It returns the spore id.
func (r *Reef) SendSecure(ctx context.Context, to string, payload map[string]any, opts SecureOptions) (string, error) {
	out, err := r.connected("SendSecure")
	if err != nil {
		return "", err
	}

	req := BuildRequest{
		To:       to,
		Payload:  payload,
		Kind:     opts.Kind,
		Priority: opts.Priority,
		TTL:      opts.TTL,
		ReplyTo:  opts.ReplyTo,
		Metadata: opts.Metadata,
	}
	if to != "" {
		if err := transport.ValidateAgent(to); err != nil {
			return "", err
		}
		bundle, ok := r.registry.Lookup(to)
		if !ok {
			return "", errors.Kindf(errors.ErrUnknownRecipient, "Reef", "SendSecure", "no bundle for %s", to)
		}
		req.Recipient = &bundle
	}

	s, err := out.factory.Build(req)
	if err != nil {
		return "", err
	}
	data, err := Marshal(s)
	if err != nil {
		return "", err
	}
	topic := out.transport.Naming().Topic(s.ToAgent, s.Kind)

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", transport.PublishError(out.protocol, topic, err)
		}
	}

	start := time.Now()
	err = out.transport.Publish(ctx, topic, data, transport.PublishOptions{
		Priority: s.Priority,
		TTL:      s.TTL(r.now()),
	})
	if r.metrics != nil {
		r.metrics.RecordPublish(out.protocol, err, time.Since(start))
	}
	if err != nil {
		if k := errors.KindOf(err); k != errors.KindPublishFailure && k != errors.KindNotConnected {
			err = transport.PublishError(out.protocol, topic, err)
		}
		return "", err
	}

	r.sent.Add(1)
	if r.metrics != nil {
		r.metrics.RecordSecure(out.agent, "out")
	}
	r.logger.Debug("Secure spore sent", "spore_id", s.ID, "kind", s.Kind, "to", to, "topic", topic)
	return s.ID, nil
}

func collect(opts []SendOption) SecureOptions {
	var o SecureOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Send sends a knowledge spore. from is ignored; the sender is always the
// initialized agent.
func (r *Reef) Send(ctx context.Context, _ string, to string, payload map[string]any, opts ...SendOption) (string, error) {
	o := collect(opts)
	o.Kind = spore.Knowledge
	return r.SendSecure(ctx, to, payload, o)
}

// Broadcast sends to every agent. from is ignored.
func (r *Reef) Broadcast(ctx context.Context, _ string, payload map[string]any, opts ...SendOption) (string, error) {
	o := collect(opts)
	o.Kind = spore.Broadcast
	return r.SendSecure(ctx, "", payload, o)
}

// Request sends a request spore that expires after DefaultRequestTTL unless
// a TTL is given. from is ignored.
func (r *Reef) Request(ctx context.Context, _ string, to string, payload map[string]any, opts ...SendOption) (string, error) {
	o := collect(opts)
	o.Kind = spore.Request
	if o.TTL == 0 {
		o.TTL = DefaultRequestTTL
	}
	return r.SendSecure(ctx, to, payload, o)
}

// Reply answers the request replyTo. from is ignored.
func (r *Reef) Reply(ctx context.Context, _ string, to string, payload map[string]any, replyTo string, opts ...SendOption) (string, error) {
	if replyTo == "" {
		return "", errors.Invalidf("Reef", "Reply", "reply_to is required")
	}
	o := collect(opts)
	o.Kind = spore.Response
	o.ReplyTo = replyTo
	return r.SendSecure(ctx, to, payload, o)
}

// RegisterHandler adds fn for kind. Handlers may be registered in any state.
func (r *Reef) RegisterHandler(kind spore.Kind, fn Handler) (HandlerID, error) {
	if !kind.Valid() {
		return 0, errors.Invalidf("Reef", "RegisterHandler", "unknown kind %q", string(kind))
	}
	if fn == nil {
		return 0, errors.Invalidf("Reef", "RegisterHandler", "handler is nil")
	}
	id := HandlerID(r.nextHandler.Add(1))

	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], handlerEntry{id: id, fn: fn})
	return id, nil
}

// UnregisterHandler removes a registration and reports whether it existed.
func (r *Reef) UnregisterHandler(kind spore.Kind, id HandlerID) bool {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	list := r.handlers[kind]
	for i, h := range list {
		if h.id == id {
			r.handlers[kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Reef) handlersFor(kind spore.Kind) []handlerEntry {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	return append([]handlerEntry(nil), r.handlers[kind]...)
}

type inbound struct {
	agent   string
	factory *Factory
	seen    *cache.Cache[struct{}]
}

// onMessage runs the inbound pipeline. Failures are counted and logged,
// never returned.
func (r *Reef) onMessage(ctx context.Context, topic string, data []byte) {
	r.mu.RLock()
	in := inbound{agent: r.agent, factory: r.factory, seen: r.seen}
	ok := r.state == StateConnected
	r.mu.RUnlock()
	if !ok {
		return
	}

	s, err := Unmarshal(data)
	if err != nil {
		r.decodeErrors.Add(1)
		r.integrityError(in.agent, "decode", topic, err)
		return
	}

	if s.FromAgent == in.agent {
		r.droppedEcho.Add(1)
		return
	}
	if s.IsExpired(r.now()) {
		r.droppedExpired.Add(1)
		r.logger.Debug("Expired secure spore dropped", "spore_id", s.ID, "from", s.FromAgent)
		return
	}

	sender, found := r.registry.Lookup(s.FromAgent)
	if !found {
		r.integrityError(in.agent, "unknown sender", topic,
			errors.Kindf(errors.ErrIntegrityFailure, "Reef", "onMessage", "no bundle for %s", s.FromAgent))
		return
	}

	msg, err := in.factory.Received(s, sender, topic)
	if err != nil {
		r.integrityError(in.agent, "verify", topic, err)
		return
	}
	if r.replayed(in.seen, s) {
		r.droppedReplay.Add(1)
		r.logger.Warn("Replayed secure spore dropped", "spore_id", s.ID, "from", s.FromAgent, "topic", topic)
		return
	}

	for _, h := range r.handlersFor(msg.Kind) {
		if err := r.invoke(ctx, h.fn, msg); err != nil {
			r.handlerErrors.Add(1)
			r.logger.Warn("Secure handler failed", "spore_id", msg.ID, "kind", msg.Kind, "error", err)
		}
	}

	r.received.Add(1)
	if r.metrics != nil {
		r.metrics.RecordSecure(in.agent, "in")
	}
}

// replayed records a verified spore and reports whether it was seen
// before. The nonce is bound to the ciphertext, so it identifies the sealed
// payload even when envelope fields are rewritten.
func (r *Reef) replayed(seen *cache.Cache[struct{}], s *Spore) bool {
	if seen == nil {
		return false
	}
	until := r.now().Add(r.replayWindow)
	if s.ExpiresAt != nil && s.ExpiresAt.After(until) {
		until = *s.ExpiresAt
	}
	fresh, err := seen.SetIfAbsent(s.FromAgent+"/"+hex.EncodeToString(s.Nonce), struct{}{}, until)
	return err == nil && !fresh
}

func (r *Reef) integrityError(agent, stage, topic string, err error) {
	r.integrityErrors.Add(1)
	if r.metrics != nil {
		r.metrics.RecordIntegrityError(agent)
	}
	r.logger.Warn("Inbound spore rejected", "stage", stage, "topic", topic, "error", err)
}

func (r *Reef) invoke(ctx context.Context, fn Handler, msg *Received) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Kindf(errors.ErrHandlerFailure, "Reef", "invoke", "panic: %v", p)
			r.logger.Debug("Handler panic stack", "stack", string(debug.Stack()))
		}
	}()
	if err := fn(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrHandlerFailure, err)
	}
	return nil
}

// RotateKeys replaces the agent's key pairs and re-registers its bundle.
// Spores sealed to the old keys no longer open.
func (r *Reef) RotateKeys() (keys.Rotation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateConnected {
		return keys.Rotation{}, errors.Kindf(errors.ErrNotConnected, "Reef", "RotateKeys", "reef is %s", r.state)
	}

	rot, err := r.keys.Rotate()
	if err != nil {
		return keys.Rotation{}, err
	}
	if err := r.registry.Register(r.agent, rot.Current); err != nil {
		return keys.Rotation{}, err
	}
	if r.metrics != nil {
		r.metrics.RecordKeyRotation(r.agent)
	}
	r.logger.Info("Keys rotated")
	return rot, nil
}

// ExportKeys copies the agent's key material for provisioning.
func (r *Reef) ExportKeys() (keys.Material, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateConnected {
		return keys.Material{}, errors.Kindf(errors.ErrNotConnected, "Reef", "ExportKeys", "reef is %s", r.state)
	}
	return r.keys.Export()
}

// Bundle returns the agent's public bundle.
func (r *Reef) Bundle() (keys.Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.keys == nil || r.state == StateClosed {
		return keys.Bundle{}, errors.Kindf(errors.ErrNotConnected, "Reef", "Bundle", "reef is %s", r.state)
	}
	return r.keys.Bundle(), nil
}

// Stats returns counters and state.
func (r *Reef) Stats() Stats {
	r.mu.RLock()
	st := Stats{
		Agent:           r.agent,
		Protocol:        r.protocol,
		State:           r.state.String(),
		BroadcastPolicy: r.policy.String(),
	}
	r.mu.RUnlock()

	r.handlersMu.RLock()
	st.Handlers = make(map[spore.Kind]int, len(r.handlers))
	for k, list := range r.handlers {
		if len(list) > 0 {
			st.Handlers[k] = len(list)
		}
	}
	r.handlersMu.RUnlock()

	st.Peers = r.registry.Len()
	st.SporesSent = r.sent.Load()
	st.SporesReceived = r.received.Load()
	st.IntegrityErrors = r.integrityErrors.Load()
	st.DecodeErrors = r.decodeErrors.Load()
	st.DroppedExpired = r.droppedExpired.Load()
	st.DroppedEcho = r.droppedEcho.Load()
	st.DroppedReplay = r.droppedReplay.Load()
	st.HandlerErrors = r.handlerErrors.Load()
	return st
}

// Close unsubscribes, closes the transport and wipes the private keys.
// Later operations fail with ErrNotConnected. Close is idempotent.
func (r *Reef) Close(ctx context.Context) error {
	r.mu.Lock()
	prev := r.state
	r.state = StateClosed
	t, topics, km := r.transport, r.topics, r.keys
	r.mu.Unlock()

	if prev != StateConnected {
		return nil
	}

	var errs []error
	for _, topic := range topics {
		if err := t.Unsubscribe(ctx, topic); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	km.Close()

	if r.metrics != nil {
		r.metrics.RecordSecureState(r.agent, int(StateClosed))
	}
	r.logger.Info("Secure reef closed")
	if len(errs) > 0 {
		return errors.WrapTransient(stderrors.Join(errs...), "Reef", "Close", "transport shutdown")
	}
	return nil
}
