package reef

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/reef/config"
	"github.com/c360/reef/errors"
	"github.com/c360/reef/metric"
	"github.com/c360/reef/spore"
)

// Option configures a Reef.
type Option func(*Reef)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reef) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConfig sets channel defaults, the sweep interval and the request TTL.
// Zero fields keep their defaults.
func WithConfig(cfg config.ReefConfig) Option {
	return func(r *Reef) { r.cfg = cfg }
}

// WithMetrics exports channel, ring and worker metrics to registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Reef) { r.registry = registry }
}

// WithClock overrides time.Now for spore timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Reef) {
		if now != nil {
			r.now = now
		}
	}
}

// Reef is a directory of named channels with a send surface and a
// background expiry sweeper.
type Reef struct {
	cfg      config.ReefConfig
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	now      func() time.Time

	mu       sync.RWMutex
	channels map[string]*Channel
	order    []string
	closed   bool

	sweeper *sweeper
}

// Stats is a snapshot of a Reef and all its channels.
type Stats struct {
	DefaultChannel string                  `json:"default_channel"`
	Channels       map[string]ChannelStats `json:"channels"`
	Shutdown       bool                    `json:"shutdown"`
	SweepRuns      int64                   `json:"sweep_runs"`
	Swept          int64                   `json:"swept"`
}

// New creates a Reef with its default channel and any channels listed in
// the configuration, and starts the sweeper.
func New(opts ...Option) (*Reef, error) {
	r := &Reef{
		logger:   slog.Default(),
		now:      time.Now,
		channels: make(map[string]*Channel),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.cfg = withDefaults(r.cfg)
	r.logger = r.logger.With("component", "reef")

	if _, err := r.Channel(r.cfg.DefaultChannel); err != nil {
		return nil, err
	}
	for _, ch := range r.cfg.Channels {
		var chOpts []ChannelOption
		if ch.Capacity > 0 {
			chOpts = append(chOpts, WithCapacity(ch.Capacity))
		}
		if ch.Workers > 0 {
			chOpts = append(chOpts, WithWorkers(ch.Workers))
		}
		if _, err := r.Channel(ch.Name, chOpts...); err != nil {
			r.Shutdown(false)
			return nil, err
		}
	}

	r.sweeper = newSweeper(r.cfg.SweeperInterval, r.SweepExpired, r.logger)
	r.sweeper.start()
	return r, nil
}

func withDefaults(cfg config.ReefConfig) config.ReefConfig {
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = config.DefaultChannel
	}
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = config.DefaultCapacity
	}
	if cfg.DefaultWorkers <= 0 {
		cfg.DefaultWorkers = config.DefaultWorkers
	}
	if cfg.SweeperInterval <= 0 {
		cfg.SweeperInterval = config.DefaultSweeperInterval
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = config.DefaultRequestTTL
	}
	return cfg
}

// DefaultChannel returns the name of the channel used when none is given.
func (r *Reef) DefaultChannel() string {
	return r.cfg.DefaultChannel
}

// Channel returns the named channel, creating it when absent. When it
// already exists the options are ignored.
func (r *Reef) Channel(name string, opts ...ChannelOption) (*Channel, error) {
	if name == "" {
		return nil, errors.Invalidf("Reef", "Channel", "channel name is required")
	}

	r.mu.RLock()
	ch, ok := r.channels[name]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return ch, nil
	}
	if closed {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Reef", "Channel", "create "+name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[name]; ok {
		return ch, nil
	}
	if r.closed {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Reef", "Channel", "create "+name)
	}

	settings := channelSettings{capacity: r.cfg.DefaultCapacity, workers: r.cfg.DefaultWorkers}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	ch, err := newChannel(name, settings, r.logger, r.registry, r.now)
	if err != nil {
		return nil, err
	}
	r.channels[name] = ch
	r.order = append(r.order, name)

	r.logger.Info("Channel created",
		"channel", name, "capacity", settings.capacity, "workers", settings.workers)
	return ch, nil
}

// GetChannel returns an existing channel.
func (r *Reef) GetChannel(name string) (*Channel, bool) {
	if name == "" {
		name = r.cfg.DefaultChannel
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Channels returns the channel names in creation order.
func (r *Reef) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Reef) lookup(method, name string) (*Channel, error) {
	if name == "" {
		name = r.cfg.DefaultChannel
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Reef", method, "channel lookup")
	}
	ch, ok := r.channels[name]
	if !ok {
		return nil, errors.Kindf(errors.ErrUnknownChannel, "Reef", method, "channel %q was not created", name)
	}
	return ch, nil
}

// SendRequest describes one spore to send.
type SendRequest struct {
	From     string
	To       string // empty for broadcasts
	Payload  map[string]any
	Kind     spore.Kind // defaults to knowledge
	Channel  string     // defaults to the default channel
	Priority int        // 1-10, zero means 5
	TTL      time.Duration
	ReplyTo  string
	Metadata map[string]string
}

// SendOption adjusts a SendRequest built by the shorthand methods.
type SendOption func(*SendRequest)

// OnChannel selects the channel.
func OnChannel(name string) SendOption {
	return func(req *SendRequest) { req.Channel = name }
}

// AtPriority sets the priority.
func AtPriority(p int) SendOption {
	return func(req *SendRequest) { req.Priority = p }
}

// ExpiresIn sets the time to live.
func ExpiresIn(ttl time.Duration) SendOption {
	return func(req *SendRequest) { req.TTL = ttl }
}

// WithMetadata attaches metadata.
func WithMetadata(md map[string]string) SendOption {
	return func(req *SendRequest) { req.Metadata = md }
}

// Send builds a spore from req and enqueues it, returning the spore id.
// Dispatch waits for worker queue space until ctx ends; the id is returned
// with that error, and the spore stays peekable.
func (r *Reef) Send(ctx context.Context, req SendRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.WrapTransient(err, "Reef", "Send", "context check")
	}
	ch, err := r.lookup("Send", req.Channel)
	if err != nil {
		return "", err
	}

	kind := req.Kind
	if kind == "" {
		kind = spore.Knowledge
	}
	opts := []spore.Option{
		spore.WithPriority(req.Priority),
		spore.WithReplyTo(req.ReplyTo),
		spore.WithMetadata(req.Metadata),
		spore.WithClock(r.now),
	}
	if req.TTL != 0 {
		opts = append(opts, spore.WithTTL(req.TTL))
	}

	s, err := spore.New(kind, req.From, req.To, req.Payload, opts...)
	if err != nil {
		return "", err
	}
	if err := ch.EnqueueContext(ctx, s); err != nil {
		return s.ID(), err
	}

	r.logger.Debug("Spore sent",
		"channel", ch.Name(), "spore_id", s.ID(), "kind", s.Kind(), "from", s.FromAgent(), "to", s.ToAgent())
	return s.ID(), nil
}

func (r *Reef) send(ctx context.Context, req SendRequest, opts []SendOption) (string, error) {
	for _, opt := range opts {
		if opt != nil {
			opt(&req)
		}
	}
	return r.Send(ctx, req)
}

// SendKnowledge sends a knowledge spore from one agent to another.
func (r *Reef) SendKnowledge(ctx context.Context, from, to string, payload map[string]any, opts ...SendOption) (string, error) {
	return r.send(ctx, SendRequest{From: from, To: to, Payload: payload, Kind: spore.Knowledge}, opts)
}

// Broadcast sends to every subscriber of the channel except from.
func (r *Reef) Broadcast(ctx context.Context, from string, payload map[string]any, opts ...SendOption) (string, error) {
	return r.send(ctx, SendRequest{From: from, Payload: payload, Kind: spore.Broadcast}, opts)
}

// SystemBroadcast sends a broadcast from spore.SystemAgent, which reaches
// every subscriber.
func (r *Reef) SystemBroadcast(ctx context.Context, payload map[string]any, opts ...SendOption) (string, error) {
	return r.Broadcast(ctx, spore.SystemAgent, payload, opts...)
}

// Request sends a request spore. Without ExpiresIn it lives for the
// configured request TTL, 300s by default.
func (r *Reef) Request(ctx context.Context, from, to string, payload map[string]any, opts ...SendOption) (string, error) {
	return r.send(ctx, SendRequest{
		From: from, To: to, Payload: payload, Kind: spore.Request, TTL: r.cfg.RequestTTL,
	}, opts)
}

// Reply sends a response correlated with the spore id replyTo.
func (r *Reef) Reply(ctx context.Context, from, to string, payload map[string]any, replyTo string, opts ...SendOption) (string, error) {
	if replyTo == "" {
		return "", errors.Invalidf("Reef", "Reply", "reply_to is required")
	}
	return r.send(ctx, SendRequest{
		From: from, To: to, Payload: payload, Kind: spore.Response, ReplyTo: replyTo,
	}, opts)
}

// Subscribe registers h for agent on channel. An empty channel selects the
// default channel.
func (r *Reef) Subscribe(channel, agent string, h Handler) error {
	ch, err := r.lookup("Subscribe", channel)
	if err != nil {
		return err
	}
	return ch.Subscribe(agent, h)
}

// SubscribeFunc registers a synchronous handler.
func (r *Reef) SubscribeFunc(channel, agent string, fn HandlerFunc) error {
	return r.Subscribe(channel, agent, Sync(fn))
}

// Unsubscribe removes every handler of agent on channel.
func (r *Reef) Unsubscribe(channel, agent string) (int, error) {
	ch, err := r.lookup("Unsubscribe", channel)
	if err != nil {
		return 0, err
	}
	return ch.Unsubscribe(agent), nil
}

// Peek returns up to limit live spores targeting agent on channel, most
// recent first.
func (r *Reef) Peek(channel, agent string, limit int) ([]*spore.Spore, error) {
	ch, err := r.lookup("Peek", channel)
	if err != nil {
		return nil, err
	}
	return ch.Peek(agent, limit), nil
}

// SweepExpired sweeps every channel and returns the total removed.
func (r *Reef) SweepExpired() int {
	r.mu.RLock()
	channels := make([]*Channel, 0, len(r.order))
	for _, name := range r.order {
		channels = append(channels, r.channels[name])
	}
	r.mu.RUnlock()

	total := 0
	for _, ch := range channels {
		total += ch.SweepExpired()
	}
	return total
}

// Stats returns per-channel statistics.
func (r *Reef) Stats() Stats {
	r.mu.RLock()
	st := Stats{
		DefaultChannel: r.cfg.DefaultChannel,
		Channels:       make(map[string]ChannelStats, len(r.channels)),
		Shutdown:       r.closed,
	}
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	for _, ch := range channels {
		st.Channels[ch.Name()] = ch.Stats()
	}
	if r.sweeper != nil {
		st.SweepRuns, st.Swept = r.sweeper.stats()
	}
	return st
}

// Shutdown stops the sweeper and shuts down every channel. With wait it
// returns once running handlers finish. Later calls are no-ops.
func (r *Reef) Shutdown(wait bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	channels := make([]*Channel, 0, len(r.order))
	for _, name := range r.order {
		channels = append(channels, r.channels[name])
	}
	r.mu.Unlock()

	if r.sweeper != nil {
		r.sweeper.stop()
	}

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			ch.Shutdown(wait)
		}(ch)
	}
	wg.Wait()

	r.logger.Info("Reef shut down", "channels", len(channels), "wait", wait)
}
