// Package nats carries spores over core NATS subjects through natsclient.
//
// Publish hints travel as headers: Reef-Priority (1-10) and Reef-TTL
// (milliseconds). Options understood in transport.Config.Options:
//
//	token              authentication token
//	stream             when set, a JetStream stream of that name retains
//	                   agent.> and broadcast.>
//	stream_max_age     retention of that stream in seconds (default 3600)
//	max_reconnects     reconnect attempts after a drop, -1 for unlimited
//	reconnect_wait     pause between reconnect attempts (default 2s)
//	ping_interval      server ping interval (default 30s)
//	health_interval    client health check interval, 0s disables (default 10s)
//	drain_timeout      upper bound on draining at Close (default 30s)
//	circuit_threshold  failed connect rounds before the circuit opens (default 5)
//	max_backoff        longest circuit backoff (default 1m)
package nats

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/natsclient"
	"github.com/c360/reef/pkg/retry"
	"github.com/c360/reef/transport"
)

// Protocol is the registry name.
const Protocol = "nats"

// DefaultURL is used when the config has no URL.
const DefaultURL = nats.DefaultURL

// Header names carrying publish hints.
const (
	HeaderPriority = "Reef-Priority"
	HeaderTTL      = "Reef-TTL"
)

func init() {
	transport.MustRegister(Protocol, func() transport.Transport { return New() })
}

// Transport implements transport.Transport over a natsclient.Client.
type Transport struct {
	mu     sync.RWMutex
	client *natsclient.Client
	closed bool
	logger *slog.Logger

	disconnects atomic.Int64
	reconnects  atomic.Int64
	unhealthy   atomic.Bool
}

// ConnStats counts connection events since the transport was created.
type ConnStats struct {
	Disconnects int64 `json:"disconnects"`
	Reconnects  int64 `json:"reconnects"`
	Healthy     bool  `json:"healthy"`
}

// New returns an unconnected transport.
func New() *Transport {
	return &Transport{logger: slog.Default()}
}

// durationOptions maps duration options onto their natsclient setters.
var durationOptions = []struct {
	key string
	opt func(time.Duration) natsclient.ClientOption
}{
	{"reconnect_wait", natsclient.WithReconnectWait},
	{"ping_interval", natsclient.WithPingInterval},
	{"health_interval", natsclient.WithHealthInterval},
	{"drain_timeout", natsclient.WithDrainTimeout},
	{"max_backoff", natsclient.WithMaxBackoff},
}

// newClient maps cfg onto natsclient options. Unset options keep the
// natsclient defaults.
func (t *Transport) newClient(cfg transport.Config) (*natsclient.Client, error) {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(cfg.Log(Protocol)),
		natsclient.WithTimeout(cfg.Timeout()),
		natsclient.WithDisconnectCallback(t.disconnected),
		natsclient.WithReconnectCallback(t.reconnected),
		natsclient.WithHealthChangeCallback(t.healthChanged),
	}
	for _, d := range durationOptions {
		if _, ok := cfg.Options[d.key]; !ok {
			continue
		}
		v, err := cfg.DurationOption(d.key, 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, d.opt(v))
	}
	if _, ok := cfg.Options["max_reconnects"]; ok {
		n, err := cfg.IntOption("max_reconnects", -1)
		if err != nil {
			return nil, err
		}
		opts = append(opts, natsclient.WithMaxReconnects(n))
	}
	if _, ok := cfg.Options["circuit_threshold"]; ok {
		n, err := cfg.IntOption("circuit_threshold", 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(int32(n)))
	}
	if cfg.ClientID != "" {
		opts = append(opts, natsclient.WithName(cfg.ClientID))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if token := cfg.Option("token", ""); token != "" {
		opts = append(opts, natsclient.WithToken(token))
	}
	tlsCfg, err := cfg.ClientTLS(Protocol)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, natsclient.WithTLSConfig(tlsCfg))
	}
	return natsclient.NewClient(url, opts...)
}

// Initialize connects and, when configured, ensures the retention stream.
func (t *Transport) Initialize(ctx context.Context, cfg transport.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.NotConnected(Protocol, "Initialize")
	}
	if t.client != nil && t.client.IsHealthy() {
		return nil
	}
	t.logger = cfg.Log(Protocol)

	maxAge, err := cfg.IntOption("stream_max_age", 3600)
	if err != nil {
		return err
	}
	client, err := t.newClient(cfg)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, cfg.Backoff(), func() error {
		err := client.Connect(ctx)
		if stderrors.Is(err, natsclient.ErrCircuitOpen) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return transport.ConnectError(Protocol, err)
	}

	if stream := cfg.Option("stream", ""); stream != "" {
		subjects := []string{"agent.>", "broadcast.>"}
		if _, err := client.EnsureStream(ctx, stream, subjects, time.Duration(maxAge)*time.Second); err != nil {
			_ = client.Close(ctx)
			return transport.ConnectError(Protocol, err)
		}
		t.logger.Info("NATS retention stream ready", "stream", stream, "max_age", maxAge)
	}

	t.client = client
	return nil
}

func (t *Transport) conn(method string) (*natsclient.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.client == nil {
		return nil, transport.NotConnected(Protocol, method)
	}
	return t.client, nil
}

// message builds the NATS message for a publish.
func message(topic string, data []byte, opts transport.PublishOptions) *nats.Msg {
	msg := nats.NewMsg(topic)
	msg.Data = data
	if opts.Priority > 0 {
		msg.Header.Set(HeaderPriority, strconv.Itoa(opts.Priority))
	}
	if opts.TTL > 0 {
		msg.Header.Set(HeaderTTL, strconv.FormatInt(max(opts.TTL.Milliseconds(), 1), 10))
	}
	return msg
}

// Publish sends data on subject topic.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte, opts transport.PublishOptions) error {
	client, err := t.conn("Publish")
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, message(topic, data, opts)); err != nil {
		if stderrors.Is(err, natsclient.ErrNotConnected) {
			return transport.NotConnected(Protocol, "Publish")
		}
		return transport.PublishError(Protocol, topic, err)
	}
	return nil
}

// Subscribe adds a subscription to subject topic. NATS wildcards apply and
// every callback on a subject gets its own copy.
func (t *Transport) Subscribe(_ context.Context, topic string, cb transport.Callback) error {
	if topic == "" || cb == nil {
		return transport.InvalidSubscription(Protocol)
	}
	client, err := t.conn("Subscribe")
	if err != nil {
		return err
	}
	err = client.Subscribe(topic, func(msg *nats.Msg) {
		cb(context.Background(), msg.Subject, msg.Data)
	})
	if stderrors.Is(err, natsclient.ErrNotConnected) {
		return transport.NotConnected(Protocol, "Subscribe")
	}
	return err
}

// Unsubscribe removes every subscription for topic.
func (t *Transport) Unsubscribe(_ context.Context, topic string) error {
	client, err := t.conn("Unsubscribe")
	if err != nil {
		return err
	}
	return client.Unsubscribe(topic)
}

// Close drains and closes the connection.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.client == nil {
		return nil
	}
	if err := t.client.Close(ctx); err != nil {
		return errors.WrapTransient(err, Protocol, "Close", "close connection")
	}
	return nil
}

func (t *Transport) disconnected(err error) {
	t.disconnects.Add(1)
	t.logger.Debug("NATS transport lost connection", "error", err)
}

func (t *Transport) reconnected() {
	t.reconnects.Add(1)
	t.logger.Debug("NATS transport resumed", "subscriptions", t.subscriptions())
}

func (t *Transport) healthChanged(healthy bool) {
	t.unhealthy.Store(!healthy)
}

func (t *Transport) subscriptions() int {
	client, err := t.conn("Stats")
	if err != nil {
		return 0
	}
	return client.Subscriptions()
}

// ConnStats returns the connection event counters. Healthy is false between
// a failed health check or a disconnect and the next recovery.
func (t *Transport) ConnStats() ConnStats {
	return ConnStats{
		Disconnects: t.disconnects.Load(),
		Reconnects:  t.reconnects.Load(),
		Healthy:     !t.unhealthy.Load(),
	}
}

// Status reports the connection status of the underlying client.
func (t *Transport) Status() natsclient.ConnectionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return natsclient.StatusDisconnected
	}
	return t.client.Status()
}

// Protocol returns "nats".
func (t *Transport) Protocol() string { return Protocol }

// Naming returns the dotted naming.
func (t *Transport) Naming() transport.TopicNaming { return transport.Dotted }
