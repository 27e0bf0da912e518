package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reeferrors "github.com/c360/reef/errors"
	"github.com/c360/reef/natsclient"
	"github.com/c360/reef/pkg/security"
	"github.com/c360/reef/transport"
)

func TestMessageHeaders(t *testing.T) {
	msg := message("agent.B.request", []byte("x"), transport.PublishOptions{Priority: 8, TTL: 1500 * time.Millisecond})
	assert.Equal(t, "agent.B.request", msg.Subject)
	assert.Equal(t, []byte("x"), msg.Data)
	assert.Equal(t, "8", msg.Header.Get(HeaderPriority))
	assert.Equal(t, "1500", msg.Header.Get(HeaderTTL))

	msg = message("broadcast.broadcast", nil, transport.PublishOptions{TTL: time.Microsecond})
	assert.Empty(t, msg.Header.Get(HeaderPriority))
	assert.Equal(t, "1", msg.Header.Get(HeaderTTL))

	msg = message("x", nil, transport.PublishOptions{})
	assert.Empty(t, msg.Header)
}

func TestNewClient(t *testing.T) {
	c, err := New().newClient(transport.Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, c.URL())

	c, err = New().newClient(transport.Config{URL: "nats://mq:4223", ClientID: "A", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "nats://mq:4223", c.URL())
	assert.Equal(t, natsclient.StatusDisconnected, c.Status())

	_, err = New().newClient(transport.Config{TLS: &security.TLSConfig{CACert: "/nonexistent/ca.pem"}})
	assert.ErrorIs(t, err, reeferrors.ErrConnectionFailure)
}

func TestNewClient_Options(t *testing.T) {
	_, err := New().newClient(transport.Config{Options: map[string]string{
		"max_reconnects":    "3",
		"reconnect_wait":    "250ms",
		"ping_interval":     "5s",
		"health_interval":   "0s",
		"drain_timeout":     "2s",
		"circuit_threshold": "2",
		"max_backoff":       "10s",
	}})
	require.NoError(t, err)

	for _, bad := range []map[string]string{
		{"reconnect_wait": "soon"},
		{"ping_interval": "-1s"},
		{"max_reconnects": "many"},
		{"circuit_threshold": "x"},
	} {
		_, err := New().newClient(transport.Config{Options: bad})
		assert.ErrorIs(t, err, reeferrors.ErrInvalidArgument, "%v", bad)
	}
}

func TestTransport_ConnStats(t *testing.T) {
	tr := New()
	assert.Equal(t, ConnStats{Healthy: true}, tr.ConnStats())

	tr.disconnected(assert.AnError)
	tr.healthChanged(false)
	assert.Equal(t, ConnStats{Disconnects: 1}, tr.ConnStats())

	tr.reconnected()
	tr.healthChanged(true)
	assert.Equal(t, ConnStats{Disconnects: 1, Reconnects: 1, Healthy: true}, tr.ConnStats())
}

func TestTransport_Unreachable(t *testing.T) {
	tr := New()
	ctx := context.Background()
	err := tr.Initialize(ctx, transport.Config{URL: "nats://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, reeferrors.ErrConnectionFailure)
	assert.Equal(t, natsclient.StatusDisconnected, tr.Status())

	err = tr.Initialize(ctx, transport.Config{Options: map[string]string{"stream_max_age": "forever"}})
	assert.ErrorIs(t, err, reeferrors.ErrInvalidArgument)
}

func TestTransport_Lifecycle(t *testing.T) {
	tr := New()
	ctx := context.Background()

	assert.ErrorIs(t, tr.Publish(ctx, "x", nil, transport.PublishOptions{}), reeferrors.ErrNotConnected)
	assert.ErrorIs(t, tr.Subscribe(ctx, "x", func(context.Context, string, []byte) {}), reeferrors.ErrNotConnected)
	assert.ErrorIs(t, tr.Subscribe(ctx, "", nil), reeferrors.ErrInvalidArgument)
	assert.ErrorIs(t, tr.Unsubscribe(ctx, "x"), reeferrors.ErrNotConnected)

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))
	assert.ErrorIs(t, tr.Initialize(ctx, transport.Config{}), reeferrors.ErrNotConnected)
	assert.Equal(t, Protocol, tr.Protocol())
	assert.Equal(t, transport.Dotted, tr.Naming())
}

func TestRegistered(t *testing.T) {
	tr, err := transport.New(Protocol)
	require.NoError(t, err)
	assert.IsType(t, &Transport{}, tr)
}
