// Package redis carries spores over Redis Pub/Sub with go-redis.
//
// Delivery is at-most-once: a subscriber that is not connected when a spore
// is published never sees it. Patterns containing glob characters use
// PSUBSCRIBE; note that the Redis "*" also matches dots, so "agent.B.*"
// matches every topic below agent.B.
//
// Options understood in transport.Config.Options:
//
//	db    logical database (default 0, or the one in a redis:// URL path)
package redis

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/pkg/retry"
	"github.com/c360/reef/transport"
)

// Protocol is the registry name.
const Protocol = "redis"

// DefaultURL is used when the config has no URL.
const DefaultURL = "redis://localhost:6379/0"

func init() {
	transport.MustRegister(Protocol, func() transport.Transport { return New() })
}

type subscription struct {
	ps  *redis.PubSub
	fan *transport.Fanout
}

// Transport implements transport.Transport over go-redis Pub/Sub.
type Transport struct {
	// subMu serialises Subscribe and Unsubscribe.
	subMu  sync.Mutex
	mu     sync.RWMutex
	rdb    *redis.Client
	subs   map[string]*subscription
	closed bool
	logger *slog.Logger
}

// New returns an unconnected transport.
func New() *Transport {
	return &Transport{
		subs:   make(map[string]*subscription),
		logger: slog.Default(),
	}
}

// clientOptions maps cfg onto go-redis options.
func clientOptions(cfg transport.Config) (*redis.Options, error) {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	if !strings.Contains(url, "://") {
		url = "redis://" + url
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Invalidf(Protocol, "Initialize", "url %q: %v", cfg.URL, err)
	}
	db, err := cfg.IntOption("db", opts.DB)
	if err != nil {
		return nil, err
	}
	opts.DB = db
	opts.ClientName = cfg.ClientID
	opts.DialTimeout = cfg.Timeout()
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	tlsCfg, err := cfg.ClientTLS(Protocol)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts.TLSConfig = tlsCfg
	}
	return opts, nil
}

// Initialize creates the client and verifies it with PING.
func (t *Transport) Initialize(ctx context.Context, cfg transport.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.NotConnected(Protocol, "Initialize")
	}
	if t.rdb != nil {
		return nil
	}
	t.logger = cfg.Log(Protocol)

	opts, err := clientOptions(cfg)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opts)
	if err := retry.Do(ctx, cfg.Backoff(), func() error { return rdb.Ping(ctx).Err() }); err != nil {
		_ = rdb.Close()
		return transport.ConnectError(Protocol, err)
	}
	t.rdb = rdb
	t.logger.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return nil
}

func (t *Transport) client(method string) (*redis.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.rdb == nil {
		return nil, transport.NotConnected(Protocol, method)
	}
	return t.rdb, nil
}

// Publish sends data on the channel named topic. Priority and TTL are
// ignored.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte, _ transport.PublishOptions) error {
	rdb, err := t.client("Publish")
	if err != nil {
		return err
	}
	if err := rdb.Publish(ctx, topic, data).Err(); err != nil {
		return transport.PublishError(Protocol, topic, err)
	}
	return nil
}

func isPattern(topic string) bool {
	return strings.ContainsAny(topic, "*?[")
}

// Subscribe subscribes to topic, waiting for the server confirmation.
// Subscribing to the same topic again adds cb to the existing subscription.
func (t *Transport) Subscribe(ctx context.Context, topic string, cb transport.Callback) error {
	if topic == "" || cb == nil {
		return transport.InvalidSubscription(Protocol)
	}
	rdb, err := t.client("Subscribe")
	if err != nil {
		return err
	}

	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.mu.RLock()
	existing := t.subs[topic]
	t.mu.RUnlock()
	if existing != nil {
		existing.fan.Add(cb)
		return nil
	}

	var ps *redis.PubSub
	if isPattern(topic) {
		ps = rdb.PSubscribe(ctx, topic)
	} else {
		ps = rdb.Subscribe(ctx, topic)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.WrapTransient(err, Protocol, "Subscribe", "subscribe "+topic)
	}

	s := &subscription{ps: ps, fan: transport.NewFanout(cb)}
	t.mu.Lock()
	t.subs[topic] = s
	t.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			s.fan.Deliver(context.Background(), msg.Channel, []byte(msg.Payload))
		}
	}()
	return nil
}

// Unsubscribe closes the subscription for topic.
func (t *Transport) Unsubscribe(_ context.Context, topic string) error {
	if _, err := t.client("Unsubscribe"); err != nil {
		return err
	}
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.mu.Lock()
	s := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.ps.Close(); err != nil {
		return errors.WrapTransient(err, Protocol, "Unsubscribe", "close "+topic)
	}
	return nil
}

// Close closes every subscription and the client.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for topic, s := range t.subs {
		if err := s.ps.Close(); err != nil {
			t.logger.Debug("Redis subscription close failed", "topic", topic, "error", err)
		}
	}
	clear(t.subs)
	if t.rdb == nil {
		return nil
	}
	if err := t.rdb.Close(); err != nil {
		return errors.WrapTransient(err, Protocol, "Close", "close client")
	}
	return nil
}

// Protocol returns "redis".
func (t *Transport) Protocol() string { return Protocol }

// Naming returns the dotted naming.
func (t *Transport) Naming() transport.TopicNaming { return transport.Dotted }
