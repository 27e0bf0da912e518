package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"strconv"
	"time"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/pkg/retry"
	"github.com/c360/reef/pkg/security"
	"github.com/c360/reef/pkg/tlsutil"
)

// Callback receives raw bytes published to a subscribed topic. It runs on a
// transport-owned goroutine.
type Callback func(ctx context.Context, topic string, data []byte)

// PublishOptions carries per-message delivery hints. Transports map them to
// native properties where the protocol has one and ignore them otherwise.
type PublishOptions struct {
	Priority int
	TTL      time.Duration
}

// Transport moves opaque byte messages between processes.
type Transport interface {
	// Initialize connects to the broker. Failure is a connection failure.
	Initialize(ctx context.Context, cfg Config) error
	Publish(ctx context.Context, topic string, data []byte, opts PublishOptions) error
	// Subscribe adds cb for topic. Every callback on a topic receives its
	// own copy of each message.
	Subscribe(ctx context.Context, topic string, cb Callback) error
	// Unsubscribe removes all callbacks for topic.
	Unsubscribe(ctx context.Context, topic string) error
	// Close releases the connection. Later operations fail with
	// ErrNotConnected.
	Close(ctx context.Context) error
	Protocol() string
	Naming() TopicNaming
}

// Config holds the connection parameters shared by all transports.
// Options carries protocol-specific settings such as "exchange" or "qos".
type Config struct {
	URL            string              `json:"url" yaml:"url"`
	ClientID       string              `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username       string              `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string              `json:"-" yaml:"-"`
	TLS            *security.TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
	ConnectTimeout time.Duration       `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	Retry          int                 `json:"retry,omitempty" yaml:"retry,omitempty"`
	Options        map[string]string   `json:"options,omitempty" yaml:"options,omitempty"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultConnectTimeout applies when Config.ConnectTimeout is zero.
const DefaultConnectTimeout = 10 * time.Second

// Timeout returns the connect timeout, or DefaultConnectTimeout.
func (c Config) Timeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

// Option returns the protocol option key, or def when unset.
func (c Config) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// IntOption parses the protocol option key as an integer.
func (c Config) IntOption(key string, def int) (int, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Invalidf("transport", "Config", "option %s=%q is not an integer", key, v)
	}
	return n, nil
}

// DurationOption parses the protocol option key as a Go duration such as
// "250ms" or "2s".
func (c Config) DurationOption(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, errors.Invalidf("transport", "Config", "option %s=%q is not a duration", key, v)
	}
	return d, nil
}

// Log returns the configured logger tagged for protocol.
func (c Config) Log(protocol string) *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "transport", "protocol", protocol)
}

// Backoff returns the retry policy used while dialing.
func (c Config) Backoff() retry.Config {
	return retry.Connect(c.Retry)
}

// ClientTLS builds the client tls.Config, or nil when TLS is not
// configured. Unreadable certificate material is a connection failure.
func (c Config) ClientTLS(protocol string) (*tls.Config, error) {
	if c.TLS == nil {
		return nil, nil
	}
	cfg, err := tlsutil.LoadClientTLSConfig(*c.TLS)
	if err != nil {
		return nil, ConnectError(protocol, err)
	}
	return cfg, nil
}

// ConnectError marks err as a connection failure for protocol.
func ConnectError(protocol string, err error) error {
	return errors.Kindf(errors.ErrConnectionFailure, protocol, "Initialize", "%v", err)
}

// PublishError marks err as a publish failure for protocol.
func PublishError(protocol, topic string, err error) error {
	return errors.Kindf(errors.ErrPublishFailure, protocol, "Publish", "topic %s: %v", topic, err)
}

// NotConnected is returned by operations on a transport that is not
// initialized or already closed.
func NotConnected(protocol, method string) error {
	return errors.Kindf(errors.ErrNotConnected, protocol, method, "transport is not connected")
}

// InvalidSubscription rejects an empty topic or nil callback.
func InvalidSubscription(protocol string) error {
	return errors.Invalidf(protocol, "Subscribe", "topic and callback are required")
}
