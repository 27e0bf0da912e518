package reef

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/metric"
	"github.com/c360/reef/pkg/buffer"
	"github.com/c360/reef/pkg/worker"
	"github.com/c360/reef/spore"
)

const minDispatchQueue = 256

// ChannelOption customises a channel created through Reef.Channel.
type ChannelOption func(*channelSettings)

type channelSettings struct {
	capacity  int
	workers   int
	queueSize int
}

// WithCapacity sets the ring capacity.
func WithCapacity(n int) ChannelOption {
	return func(s *channelSettings) { s.capacity = n }
}

// WithWorkers sets the number of dispatch workers.
func WithWorkers(n int) ChannelOption {
	return func(s *channelSettings) { s.workers = n }
}

// WithDispatchQueue sets how many pending handler invocations the worker
// pool holds. Enqueue waits for space beyond that. It defaults to four
// times the capacity, and at least 256.
func WithDispatchQueue(n int) ChannelOption {
	return func(s *channelSettings) { s.queueSize = n }
}

// delivery is one handler invocation queued on the worker pool.
type delivery struct {
	agent   string
	handler Handler
	spore   *spore.Spore
}

// Channel retains recent spores in a bounded ring and dispatches each
// arriving spore to its recipients on a worker pool.
type Channel struct {
	name     string
	capacity int

	ring buffer.Buffer[*spore.Spore]
	subs *subscriptions
	pool *worker.Pool[delivery]

	// mu orders ring insertion with dispatch submission.
	mu       sync.Mutex
	shutdown atomic.Bool
	// stopping ends submissions still waiting for queue space.
	stopping context.Context
	stop     context.CancelFunc

	carried     atomic.Int64
	delivered   atomic.Int64
	expired     atomic.Int64
	failed      atomic.Int64
	droppedWork atomic.Int64

	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
}

// ChannelStats is a point-in-time view of a channel.
type ChannelStats struct {
	Name        string           `json:"name"`
	Length      int              `json:"length"`
	Capacity    int              `json:"capacity"`
	Subscribers int              `json:"subscribers"`
	Handlers    int              `json:"handlers"`
	Workers     worker.PoolStats `json:"workers"`
	Shutdown    bool             `json:"shutdown"`
	Carried     int64            `json:"carried"`
	Delivered   int64            `json:"delivered"`
	Expired     int64            `json:"expired"`
	Failed      int64            `json:"failed"`
	DroppedWork int64            `json:"dropped_work"`
}

func newChannel(name string, settings channelSettings, logger *slog.Logger,
	registry *metric.MetricsRegistry, now func() time.Time,
) (*Channel, error) {
	if name == "" {
		return nil, errors.Invalidf("Channel", "New", "channel name is required")
	}
	if settings.capacity <= 0 {
		return nil, errors.Invalidf("Channel", "New", "capacity must be positive, got %d", settings.capacity)
	}
	if settings.workers <= 0 {
		return nil, errors.Invalidf("Channel", "New", "workers must be positive, got %d", settings.workers)
	}
	if settings.queueSize <= 0 {
		settings.queueSize = max(settings.capacity*4, minDispatchQueue)
	}

	c := &Channel{
		name:     name,
		capacity: settings.capacity,
		subs:     newSubscriptions(),
		logger:   logger.With("channel", name),
		now:      now,
	}
	c.stopping, c.stop = context.WithCancel(context.Background())

	// Overflow evictions and sweep removals both go through the drop
	// callback and count as expired.
	ringOpts := []buffer.Option[*spore.Spore]{
		buffer.WithOverflowPolicy[*spore.Spore](buffer.DropOldest),
		buffer.WithDropCallback[*spore.Spore](c.onRingDrop),
	}
	poolOpts := []worker.Option[delivery]{
		worker.WithPanicHandler[delivery](func(v any) {
			c.logger.Error("Dispatch worker panicked", "panic", v)
		}),
	}
	if registry != nil {
		c.metrics = registry.CoreMetrics()
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[delivery](registry, "channel_"+name))
	}

	ring, err := buffer.NewCircularBuffer(settings.capacity,
		append(ringOpts, ringMetrics(registry, name)...)...)
	if err != nil {
		// Another Reef on the same registry already exports this ring.
		c.logger.Debug("Ring metrics unavailable", "error", err)
		ring, err = buffer.NewCircularBuffer(settings.capacity, ringOpts...)
		if err != nil {
			return nil, errors.WrapFatal(err, "Channel", "New", "ring creation")
		}
	}
	c.ring = ring

	c.pool = worker.NewPool(settings.workers, settings.queueSize, c.deliver, poolOpts...)
	if err := c.pool.Start(context.Background()); err != nil {
		return nil, errors.WrapFatal(err, "Channel", "New", "worker pool start")
	}
	return c, nil
}

func ringMetrics(registry *metric.MetricsRegistry, name string) []buffer.Option[*spore.Spore] {
	if registry == nil {
		return nil
	}
	return []buffer.Option[*spore.Spore]{buffer.WithMetrics[*spore.Spore](registry, "channel_"+name)}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Capacity returns the ring capacity.
func (c *Channel) Capacity() int { return c.capacity }

// Enqueue appends s to the ring, evicting the oldest spore when full, and
// dispatches it to the current recipients, waiting while the dispatch
// queue is full. It always returns true; after Shutdown the spore is
// retained but not dispatched.
func (c *Channel) Enqueue(s *spore.Spore) bool {
	_ = c.EnqueueContext(context.Background(), s)
	return true
}

// EnqueueContext is Enqueue bounded by ctx. When ctx ends while waiting for
// dispatch capacity the spore stays in the ring, the recipients not yet
// submitted are counted in dropped_work and the context error is returned.
func (c *Channel) EnqueueContext(ctx context.Context, s *spore.Spore) error {
	if s == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ring.Write(s); err != nil {
		c.logger.Warn("Ring write failed", "spore_id", s.ID(), "error", err)
	}
	c.carried.Add(1)
	if c.metrics != nil {
		c.metrics.RecordCarried(c.name, c.ring.Size())
	}

	return c.dispatch(ctx, s)
}

// dispatch submits one delivery per recipient. Called with c.mu held so
// submission follows insertion order.
func (c *Channel) dispatch(ctx context.Context, s *spore.Spore) error {
	if s.IsExpired(c.now()) {
		c.expired.Add(1)
		if c.metrics != nil {
			c.metrics.RecordExpired(c.name, 1)
		}
		return nil
	}
	if c.shutdown.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.stopping, cancel)()

	recipients := c.subs.snapshot(s)
	for i, r := range recipients {
		err := c.pool.SubmitWait(ctx, delivery{agent: r.agent, handler: r.handler, spore: s})
		if err == nil {
			continue
		}
		lost := len(recipients) - i
		c.droppedWork.Add(int64(lost))
		if c.metrics != nil {
			for range lost {
				c.metrics.RecordDispatchDropped(c.name)
			}
		}
		c.logger.Warn("Delivery abandoned",
			"spore_id", s.ID(), "agent", r.agent, "recipients", lost, "error", err)
		return errors.WrapTransient(err, "Channel", "Enqueue", "dispatch")
	}
	return nil
}

// deliver runs one handler invocation on a pool worker. The returned error
// only feeds the pool statistics.
func (c *Channel) deliver(ctx context.Context, d delivery) error {
	err := d.handler.invoke(ctx, d.spore)
	if err != nil {
		c.failed.Add(1)
		if c.metrics != nil {
			c.metrics.RecordHandlerFailure(c.name)
		}
		c.logger.Warn("Handler failed",
			"agent", d.agent, "spore_id", d.spore.ID(), "kind", d.spore.Kind(), "error", err)
		return err
	}

	c.delivered.Add(1)
	if c.metrics != nil {
		c.metrics.RecordDelivered(c.name)
	}
	return nil
}

func (c *Channel) onRingDrop(s *spore.Spore) {
	c.expired.Add(1)
	if c.metrics != nil {
		c.metrics.RecordExpired(c.name, 1)
	}
	c.logger.Debug("Spore evicted", "spore_id", s.ID())
}

// Subscribe adds a handler for agent. An agent may hold several handlers;
// each is invoked for every spore targeting the agent.
func (c *Channel) Subscribe(agent string, h Handler) error {
	if agent == "" {
		return errors.Invalidf("Channel", "Subscribe", "agent name is required")
	}
	if !h.valid() {
		return errors.Invalidf("Channel", "Subscribe", "handler for %q is empty", agent)
	}
	c.subs.add(agent, h)
	c.logger.Debug("Agent subscribed", "agent", agent, "async", h.IsAsync())
	return nil
}

// Unsubscribe removes every handler of agent and reports how many were
// removed.
func (c *Channel) Unsubscribe(agent string) int {
	n := c.subs.remove(agent)
	if n > 0 {
		c.logger.Debug("Agent unsubscribed", "agent", agent, "handlers", n)
	}
	return n
}

// Peek returns up to limit live spores targeting agent, most recent first.
// A limit of zero or less returns all of them. Counters are untouched.
func (c *Channel) Peek(agent string, limit int) []*spore.Spore {
	now := c.now()
	live := c.ring.Snapshot()

	var out []*spore.Spore
	for i := len(live) - 1; i >= 0; i-- {
		s := live[i]
		if s.IsExpired(now) || !s.TargetsAgent(agent) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// SweepExpired removes every expired spore from the ring and returns how
// many were removed.
func (c *Channel) SweepExpired() int {
	now := c.now()
	n := c.ring.RemoveFunc(func(s *spore.Spore) bool { return s.IsExpired(now) })
	if c.metrics != nil && n > 0 {
		c.metrics.RecordDepth(c.name, c.ring.Size())
	}
	return n
}

// Stats returns a snapshot of the channel.
func (c *Channel) Stats() ChannelStats {
	agents, handlers := c.subs.count()
	return ChannelStats{
		Name:        c.name,
		Length:      c.ring.Size(),
		Capacity:    c.capacity,
		Subscribers: agents,
		Handlers:    handlers,
		Workers:     c.pool.Stats(),
		Shutdown:    c.shutdown.Load(),
		Carried:     c.carried.Load(),
		Delivered:   c.delivered.Load(),
		Expired:     c.expired.Load(),
		Failed:      c.failed.Load(),
		DroppedWork: c.droppedWork.Load(),
	}
}

// Shutdown stops dispatch. Enqueues still waiting for queue space give up.
// With wait it returns once queued and running handlers finish; it never
// interrupts a running handler. Later calls are no-ops.
func (c *Channel) Shutdown(wait bool) {
	// Release a dispatch blocked under mu before taking it.
	c.stop()
	c.mu.Lock()
	already := c.shutdown.Swap(true)
	c.mu.Unlock()
	if already {
		return
	}

	c.pool.Shutdown(wait)
	c.logger.Debug("Channel shut down", "wait", wait)
}

// IsShutdown reports whether Shutdown was called.
func (c *Channel) IsShutdown() bool {
	return c.shutdown.Load()
}
