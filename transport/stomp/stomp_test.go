package stomp

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reeferrors "github.com/c360/reef/errors"
	"github.com/c360/reef/spore"
	"github.com/c360/reef/transport"
)

type fakeSub struct {
	dest   string
	c      chan *stomp.Message
	closed bool
}

func (s *fakeSub) Messages() <-chan *stomp.Message { return s.c }

func (s *fakeSub) Unsubscribe(...func(*frame.Frame) error) error {
	if !s.closed {
		s.closed = true
		close(s.c)
	}
	return nil
}

// server records frames and routes SENDs to matching subscriptions.
type server struct {
	mu           sync.Mutex
	addr         string
	tls          bool
	dials        int
	dialErrs     []error
	sent         []*frame.Frame
	subs         []*fakeSub
	disconnected bool
}

func (s *server) install(t *Transport) {
	t.dial = func(_ context.Context, addr string, tlsCfg *tls.Config, _ time.Duration, _ ...func(*stomp.Conn) error) (conn, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.dials++
		s.addr, s.tls = addr, tlsCfg != nil
		if len(s.dialErrs) > 0 {
			err := s.dialErrs[0]
			s.dialErrs = s.dialErrs[1:]
			return nil, err
		}
		return s, nil
	}
}

func (s *server) Send(dest, contentType string, body []byte, opts ...func(*frame.Frame) error) error {
	f := frame.New(frame.SEND, frame.Destination, dest, frame.ContentType, contentType)
	for _, o := range opts {
		if err := o(f); err != nil {
			return err
		}
	}
	f.Body = body

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, f)
	for _, sub := range s.subs {
		if !sub.closed && transport.Match(sub.dest, dest, ".") {
			sub.c <- &stomp.Message{Destination: dest, Body: body}
		}
	}
	return nil
}

func (s *server) Subscribe(dest string, _ stomp.AckMode, _ ...func(*frame.Frame) error) (subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &fakeSub{dest: dest, c: make(chan *stomp.Message, 16)}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *server) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	return nil
}

func connected(t *testing.T, cfg transport.Config) (*Transport, *server) {
	t.Helper()
	tr, s := New(), &server{}
	s.install(tr)
	require.NoError(t, tr.Initialize(context.Background(), cfg))
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, s
}

func TestAddress(t *testing.T) {
	tests := []struct {
		in     string
		addr   string
		secure bool
	}{
		{"", "localhost:61613", false},
		{"broker", "broker:61613", false},
		{"stomp://broker:1234", "broker:1234", false},
		{"tcp://10.0.0.1:61613", "10.0.0.1:61613", false},
		{"stomp+ssl://broker:61614", "broker:61614", true},
	}
	for _, tt := range tests {
		addr, secure, err := address(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.addr, addr, tt.in)
		assert.Equal(t, tt.secure, secure, tt.in)
	}

	_, _, err := address("http://broker")
	assert.ErrorIs(t, err, reeferrors.ErrInvalidArgument)
}

func TestTransport_PublishHeaders(t *testing.T) {
	tr, s := connected(t, transport.Config{URL: "stomp://mq:61613"})
	fixed := time.UnixMilli(1_700_000_000_000)
	tr.now = func() time.Time { return fixed }
	ctx := context.Background()

	topic := tr.Naming().Unicast("B", spore.Knowledge)
	require.NoError(t, tr.Publish(ctx, topic, []byte("x"), transport.PublishOptions{Priority: 10, TTL: 30 * time.Second}))
	require.NoError(t, tr.Publish(ctx, topic, []byte("y"), transport.PublishOptions{Priority: 3}))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "mq:61613", s.addr)
	require.Len(t, s.sent, 2)
	assert.Equal(t, "/topic/agent.B.knowledge", s.sent[0].Header.Get(frame.Destination))
	assert.Equal(t, "9", s.sent[0].Header.Get(HeaderPriority))
	assert.Equal(t, "1700000030000", s.sent[0].Header.Get(HeaderExpires))
	assert.Equal(t, "3", s.sent[1].Header.Get(HeaderPriority))
	_, ok := s.sent[1].Header.Contains(HeaderExpires)
	assert.False(t, ok)
}

func TestTransport_SubscribeFansOutAndStripsPrefix(t *testing.T) {
	tr, s := connected(t, transport.Config{Options: map[string]string{"prefix": "/exchange/reef/"}})
	ctx := context.Background()

	got := make(chan string, 2)
	inbox := tr.Naming().Inbox("B")
	require.NoError(t, tr.Subscribe(ctx, inbox, func(_ context.Context, topic string, data []byte) {
		got <- topic + "=" + string(data)
	}))
	require.NoError(t, tr.Subscribe(ctx, inbox, func(_ context.Context, topic string, data []byte) {
		got <- "second:" + topic
	}))

	s.mu.Lock()
	require.Len(t, s.subs, 1)
	assert.Equal(t, "/exchange/reef/agent.B.*", s.subs[0].dest)
	s.mu.Unlock()

	require.NoError(t, tr.Publish(ctx, "agent.B.request", []byte("r"), transport.PublishOptions{}))
	for _, want := range []string{"agent.B.request=r", "second:agent.B.request"} {
		select {
		case msg := <-got:
			assert.Equal(t, want, msg)
		case <-time.After(time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}

	require.NoError(t, tr.Unsubscribe(ctx, inbox))
	s.mu.Lock()
	assert.True(t, s.subs[0].closed)
	s.mu.Unlock()
}

func TestTransport_Initialize(t *testing.T) {
	ctx := context.Background()

	tr, s := New(), &server{}
	s.install(tr)
	s.dialErrs = []error{errors.New("refused")}
	require.NoError(t, tr.Initialize(ctx, transport.Config{URL: "stomp+ssl://mq", Retry: 2}))
	assert.Equal(t, 2, s.dials)
	assert.True(t, s.tls, "ssl scheme enables TLS")
	require.NoError(t, tr.Initialize(ctx, transport.Config{}))
	assert.Equal(t, 2, s.dials)
	require.NoError(t, tr.Close(ctx))
	assert.True(t, s.disconnected)

	tr, s = New(), &server{}
	s.install(tr)
	s.dialErrs = []error{errors.New("refused")}
	assert.ErrorIs(t, tr.Initialize(ctx, transport.Config{}), reeferrors.ErrConnectionFailure)

	tr = New()
	assert.ErrorIs(t, tr.Initialize(ctx, transport.Config{Options: map[string]string{"heartbeat": "often"}}), reeferrors.ErrInvalidArgument)
	assert.ErrorIs(t, tr.Initialize(ctx, transport.Config{URL: "ws://mq"}), reeferrors.ErrInvalidArgument)
}

func TestTransport_Lifecycle(t *testing.T) {
	tr := New()
	ctx := context.Background()
	assert.ErrorIs(t, tr.Publish(ctx, "x", nil, transport.PublishOptions{}), reeferrors.ErrNotConnected)
	assert.ErrorIs(t, tr.Unsubscribe(ctx, "x"), reeferrors.ErrNotConnected)
	assert.ErrorIs(t, tr.Subscribe(ctx, "", func(context.Context, string, []byte) {}), reeferrors.ErrInvalidArgument)
	require.NoError(t, tr.Close(ctx))
	assert.ErrorIs(t, tr.Initialize(ctx, transport.Config{}), reeferrors.ErrNotConnected)

	live, _ := connected(t, transport.Config{})
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, live.Publish(cancelled, "x", nil, transport.PublishOptions{}), reeferrors.ErrPublishFailure)
	assert.Equal(t, Protocol, live.Protocol())
}

func TestRegistered(t *testing.T) {
	tr, err := transport.New("stomp")
	require.NoError(t, err)
	assert.IsType(t, &Transport{}, tr)
}
