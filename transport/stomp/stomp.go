// Package stomp carries spores over a STOMP 1.2 broker (ActiveMQ, RabbitMQ
// with the STOMP plugin, Artemis) using go-stomp.
//
// Topics map to destinations as prefix+topic. Options understood in
// transport.Config.Options:
//
//	prefix     destination prefix (default "/topic/")
//	vhost      value of the host header (default: URL host)
//	heartbeat  heart-beat interval in seconds, 0 disables (default 0)
package stomp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/pkg/retry"
	"github.com/c360/reef/transport"
)

// Protocol is the registry name.
const Protocol = "stomp"

const (
	// DefaultURL is used when the config has no URL.
	DefaultURL = "stomp://localhost:61613"
	// DefaultPrefix prepends every destination.
	DefaultPrefix = "/topic/"
)

// Header names carrying publish hints.
const (
	HeaderPriority = "priority"
	HeaderExpires  = "expires"
)

func init() {
	transport.MustRegister(Protocol, func() transport.Transport { return New() })
}

type subscription interface {
	Messages() <-chan *stomp.Message
	Unsubscribe(opts ...func(*frame.Frame) error) error
}

type conn interface {
	Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Subscribe(destination string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (subscription, error)
	Disconnect() error
}

type stompConn struct{ *stomp.Conn }

func (c stompConn) Subscribe(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (subscription, error) {
	s, err := c.Conn.Subscribe(dest, ack, opts...)
	if err != nil {
		return nil, err
	}
	return stompSub{s}, nil
}

type stompSub struct{ *stomp.Subscription }

func (s stompSub) Messages() <-chan *stomp.Message { return s.C }

type dialer func(ctx context.Context, addr string, tlsCfg *tls.Config, timeout time.Duration, opts ...func(*stomp.Conn) error) (conn, error)

func dial(ctx context.Context, addr string, tlsCfg *tls.Config, timeout time.Duration, opts ...func(*stomp.Conn) error) (conn, error) {
	d := &net.Dialer{Timeout: timeout}
	var (
		nc  net.Conn
		err error
	)
	if tlsCfg != nil {
		nc, err = (&tls.Dialer{NetDialer: d, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	c, err := stomp.Connect(nc, opts...)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return stompConn{c}, nil
}

// address returns host:port from a stomp://, stomp+ssl:// or tcp:// URL,
// and whether the scheme asks for TLS.
func address(raw string) (string, bool, error) {
	if raw == "" {
		raw = DefaultURL
	}
	if !strings.Contains(raw, "://") {
		raw = "stomp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, errors.Invalidf(Protocol, "Initialize", "url %q: %v", raw, err)
	}
	secure := false
	switch u.Scheme {
	case "stomp", "tcp":
	case "stomp+ssl", "stomps", "ssl":
		secure = true
	default:
		return "", false, errors.Invalidf(Protocol, "Initialize", "unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "61613")
	}
	return host, secure, nil
}

type sub struct {
	s   subscription
	fan *transport.Fanout
}

// Transport implements transport.Transport over go-stomp.
type Transport struct {
	dial dialer
	// subMu serialises Subscribe and Unsubscribe.
	subMu sync.Mutex

	mu     sync.RWMutex
	conn   conn
	prefix string
	subs   map[string]*sub
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

// New returns an unconnected transport.
func New() *Transport {
	return &Transport{
		dial:   dial,
		subs:   make(map[string]*sub),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Initialize connects and performs the STOMP CONNECT handshake.
func (t *Transport) Initialize(ctx context.Context, cfg transport.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.NotConnected(Protocol, "Initialize")
	}
	if t.conn != nil {
		return nil
	}
	t.logger = cfg.Log(Protocol)

	addr, secure, err := address(cfg.URL)
	if err != nil {
		return err
	}
	heartbeat, err := cfg.IntOption("heartbeat", 0)
	if err != nil {
		return err
	}
	tlsCfg, err := cfg.ClientTLS(Protocol)
	if err != nil {
		return err
	}
	if secure && tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	host, _, _ := net.SplitHostPort(addr)
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(cfg.Option("vhost", host)),
		stomp.ConnOpt.HeartBeat(time.Duration(heartbeat)*time.Second, time.Duration(heartbeat)*time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(cfg.Username, cfg.Password))
	}

	var c conn
	err = retry.Do(ctx, cfg.Backoff(), func() error {
		var derr error
		c, derr = t.dial(ctx, addr, tlsCfg, cfg.Timeout(), opts...)
		return derr
	})
	if err != nil {
		return transport.ConnectError(Protocol, err)
	}

	t.conn, t.prefix = c, cfg.Option("prefix", DefaultPrefix)
	t.logger.Info("STOMP connected", "addr", addr, "tls", tlsCfg != nil)
	return nil
}

func (t *Transport) connection(method string) (conn, string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.conn == nil {
		return nil, "", transport.NotConnected(Protocol, method)
	}
	return t.conn, t.prefix, nil
}

// Publish sends a SEND frame with priority and expires headers.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte, opts transport.PublishOptions) error {
	c, prefix, err := t.connection("Publish")
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transport.PublishError(Protocol, topic, err)
	}

	headers := []func(*frame.Frame) error{
		stomp.SendOpt.Header(HeaderPriority, strconv.Itoa(min(max(opts.Priority, 0), 9))),
	}
	if opts.TTL > 0 {
		expires := t.now().Add(opts.TTL).UnixMilli()
		headers = append(headers, stomp.SendOpt.Header(HeaderExpires, strconv.FormatInt(expires, 10)))
	}
	if err := c.Send(prefix+topic, "application/octet-stream", data, headers...); err != nil {
		return transport.PublishError(Protocol, topic, err)
	}
	return nil
}

// Subscribe subscribes to prefix+topic with automatic acknowledgement.
// Subscribing to the same topic again adds cb to the existing subscription.
func (t *Transport) Subscribe(_ context.Context, topic string, cb transport.Callback) error {
	if topic == "" || cb == nil {
		return transport.InvalidSubscription(Protocol)
	}
	c, prefix, err := t.connection("Subscribe")
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

	s, err := c.Subscribe(prefix+topic, stomp.AckAuto)
	if err != nil {
		return errors.WrapTransient(err, Protocol, "Subscribe", "subscribe "+topic)
	}
	entry := &sub{s: s, fan: transport.NewFanout(cb)}

	t.mu.Lock()
	t.subs[topic] = entry
	t.mu.Unlock()

	go t.consume(entry, prefix)
	return nil
}

func (t *Transport) consume(entry *sub, prefix string) {
	for msg := range entry.s.Messages() {
		if msg.Err != nil {
			t.logger.Warn("STOMP subscription error", "error", msg.Err)
			continue
		}
		entry.fan.Deliver(context.Background(), strings.TrimPrefix(msg.Destination, prefix), msg.Body)
	}
}

// Unsubscribe sends UNSUBSCRIBE for topic.
func (t *Transport) Unsubscribe(_ context.Context, topic string) error {
	if _, _, err := t.connection("Unsubscribe"); err != nil {
		return err
	}
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.mu.Lock()
	entry := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if entry == nil {
		return nil
	}
	if err := entry.s.Unsubscribe(); err != nil {
		return errors.WrapTransient(err, Protocol, "Unsubscribe", fmt.Sprintf("unsubscribe %s", topic))
	}
	return nil
}

// Close sends DISCONNECT and waits for the receipt.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	clear(t.subs)
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Disconnect(); err != nil {
		return errors.WrapTransient(err, Protocol, "Close", "disconnect")
	}
	t.logger.Debug("STOMP transport closed")
	return nil
}

// Protocol returns "stomp".
func (t *Transport) Protocol() string { return Protocol }

// Naming returns the dotted naming.
func (t *Transport) Naming() transport.TopicNaming { return transport.Dotted }
