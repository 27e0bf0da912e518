// Package mqtt carries spores over an MQTT 3.1.1 broker with the Eclipse
// Paho client.
//
// Options understood in transport.Config.Options:
//
//	qos        0, 1 or 2 (default 1) for publishes and subscriptions
//	keepalive  keepalive in seconds (default 30)
//	retained   "true" to publish retained messages
//
// MQTT 3.1.1 has no message priority or expiry; both hints are ignored.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/pkg/retry"
	"github.com/c360/reef/transport"
)

// Protocol is the registry name.
const Protocol = "mqtt"

// DefaultURL is used when the config has no URL.
const DefaultURL = "tcp://localhost:1883"

func init() {
	transport.MustRegister(Protocol, func() transport.Transport { return New() })
}

// Transport implements transport.Transport over Paho.
type Transport struct {
	newClient func(*paho.ClientOptions) paho.Client
	// subMu serialises Subscribe and Unsubscribe.
	subMu sync.Mutex

	mu       sync.RWMutex
	client   paho.Client
	qos      byte
	retained bool
	timeout  time.Duration
	subs     map[string]*transport.Fanout
	closed   bool
	logger   *slog.Logger
}

// New returns an unconnected transport.
func New() *Transport {
	return &Transport{
		newClient: paho.NewClient,
		subs:      make(map[string]*transport.Fanout),
		logger:    slog.Default(),
	}
}

// clientOptions maps cfg onto Paho options.
func (t *Transport) clientOptions(cfg transport.Config) (*paho.ClientOptions, byte, error) {
	qos, err := cfg.IntOption("qos", 1)
	if err != nil {
		return nil, 0, err
	}
	if qos < 0 || qos > 2 {
		return nil, 0, errors.Invalidf(Protocol, "Initialize", "qos %d outside 0-2", qos)
	}
	keepalive, err := cfg.IntOption("keepalive", 30)
	if err != nil {
		return nil, 0, err
	}

	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "reef-" + uuid.NewString()[:8]
	}

	opts := paho.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(cfg.Timeout()).
		SetKeepAlive(time.Duration(keepalive) * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			t.logger.Warn("MQTT connection lost", "error", err)
		}).
		SetOnConnectHandler(t.resubscribe)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	tlsCfg, err := cfg.ClientTLS(Protocol)
	if err != nil {
		return nil, 0, err
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, byte(qos), nil
}

// Initialize connects to the broker, retrying per cfg.Retry.
func (t *Transport) Initialize(ctx context.Context, cfg transport.Config) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.NotConnected(Protocol, "Initialize")
	}
	if t.client != nil && t.client.IsConnected() {
		t.mu.Unlock()
		return nil
	}
	t.logger = cfg.Log(Protocol)
	t.mu.Unlock()

	opts, qos, err := t.clientOptions(cfg)
	if err != nil {
		return err
	}
	client := t.newClient(opts)
	timeout := cfg.Timeout()

	err = retry.Do(ctx, cfg.Backoff(), func() error {
		tok := client.Connect()
		if !tok.WaitTimeout(timeout) {
			return fmt.Errorf("connect to %s timed out after %s", opts.Servers[0], timeout)
		}
		return tok.Error()
	})
	if err != nil {
		return transport.ConnectError(Protocol, err)
	}

	retained, _ := strconv.ParseBool(cfg.Option("retained", "false"))

	t.mu.Lock()
	t.client, t.qos, t.timeout, t.retained = client, qos, timeout, retained
	t.mu.Unlock()

	t.logger.Info("MQTT connected", "broker", opts.Servers[0].String(), "client_id", opts.ClientID)
	return nil
}

func (t *Transport) conn(method string) (paho.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.client == nil {
		return nil, transport.NotConnected(Protocol, method)
	}
	return t.client, nil
}

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("no acknowledgement after %s", timeout)
	}
}

// Publish sends data at the configured QoS. Priority and TTL are ignored.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte, _ transport.PublishOptions) error {
	client, err := t.conn("Publish")
	if err != nil {
		return err
	}
	t.mu.RLock()
	qos, retained, timeout := t.qos, t.retained, t.timeout
	t.mu.RUnlock()

	if err := wait(ctx, client.Publish(topic, qos, retained, data), timeout); err != nil {
		return transport.PublishError(Protocol, topic, err)
	}
	return nil
}

func handler(fan *transport.Fanout) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		fan.Deliver(context.Background(), m.Topic(), m.Payload())
	}
}

// Subscribe registers cb for an MQTT topic filter. Callbacks on the same
// filter share one broker subscription. Subscriptions are restored after an
// automatic reconnect.
func (t *Transport) Subscribe(ctx context.Context, topic string, cb transport.Callback) error {
	if topic == "" || cb == nil {
		return transport.InvalidSubscription(Protocol)
	}
	client, err := t.conn("Subscribe")
	if err != nil {
		return err
	}
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.mu.RLock()
	qos, timeout := t.qos, t.timeout
	existing := t.subs[topic]
	t.mu.RUnlock()
	if existing != nil {
		existing.Add(cb)
		return nil
	}

	fan := transport.NewFanout(cb)
	if err := wait(ctx, client.Subscribe(topic, qos, handler(fan)), timeout); err != nil {
		return errors.WrapTransient(err, "mqtt", "Subscribe", "subscribe "+topic)
	}

	t.mu.Lock()
	t.subs[topic] = fan
	t.mu.Unlock()
	return nil
}

// resubscribe runs on every (re)connect.
func (t *Transport) resubscribe(client paho.Client) {
	t.mu.RLock()
	qos := t.qos
	fans := make(map[string]*transport.Fanout, len(t.subs))
	for topic, fan := range t.subs {
		fans[topic] = fan
	}
	t.mu.RUnlock()

	for topic, fan := range fans {
		tok := client.Subscribe(topic, qos, handler(fan))
		go func() {
			if tok.Wait() && tok.Error() != nil {
				t.logger.Warn("MQTT resubscribe failed", "topic", topic, "error", tok.Error())
			}
		}()
	}
}

// Unsubscribe removes the subscription and every callback for topic.
func (t *Transport) Unsubscribe(ctx context.Context, topic string) error {
	client, err := t.conn("Unsubscribe")
	if err != nil {
		return err
	}
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.mu.Lock()
	delete(t.subs, topic)
	timeout := t.timeout
	t.mu.Unlock()

	if err := wait(ctx, client.Unsubscribe(topic), timeout); err != nil {
		return errors.WrapTransient(err, "mqtt", "Unsubscribe", "unsubscribe "+topic)
	}
	return nil
}

// Close disconnects, allowing 250ms for in-flight work.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.client != nil {
		t.client.Disconnect(250)
	}
	clear(t.subs)
	t.logger.Debug("MQTT transport closed")
	return nil
}

// Protocol returns "mqtt".
func (t *Transport) Protocol() string { return Protocol }

// Naming returns the slash-separated naming.
func (t *Transport) Naming() transport.TopicNaming { return transport.Slashed }
