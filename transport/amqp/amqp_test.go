package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reeferrors "github.com/c360/reef/errors"
	"github.com/c360/reef/spore"
	"github.com/c360/reef/transport"
)

type queue struct {
	keys       []string
	args       amqp.Table
	tag        string
	deliveries chan amqp.Delivery
}

// exchange plays a RabbitMQ topic exchange for one connection.
type exchange struct {
	mu        sync.Mutex
	declared  map[string]string
	queues    map[string]*queue
	published []amqp.Publishing
	dials     int
	dialErrs  []error
	notify    chan *amqp.Error
	closed    bool
}

func newExchange() *exchange {
	return &exchange{declared: make(map[string]string), queues: make(map[string]*queue)}
}

func (e *exchange) install(t *Transport) {
	t.dial = func(string, amqp.Config) (connection, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.dials++
		if len(e.dialErrs) > 0 {
			err := e.dialErrs[0]
			e.dialErrs = e.dialErrs[1:]
			return nil, err
		}
		return e, nil
	}
}

func (e *exchange) Channel() (channel, error) { return e, nil }

func (e *exchange) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = c
	return c
}

func (e *exchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.notify)
	}
	return nil
}

func (e *exchange) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.declared[name] = kind
	return nil
}

func (e *exchange) QueueDeclare(_ string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := fmt.Sprintf("amq.gen-%d", len(e.queues))
	e.queues[name] = &queue{args: args, deliveries: make(chan amqp.Delivery, 64)}
	return amqp.Queue{Name: name}, nil
}

func (e *exchange) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[name].keys = append(e.queues[name].keys, key)
	return nil
}

func (e *exchange) Consume(name, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queues[name]
	q.tag = tag
	return q.deliveries, nil
}

func (e *exchange) Cancel(tag string, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, q := range e.queues {
		if q.tag == tag {
			close(q.deliveries)
			delete(e.queues, name)
		}
	}
	return nil
}

func (e *exchange) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = append(e.published, msg)
	for _, q := range e.queues {
		for _, k := range q.keys {
			if transport.Match(k, key, ".") {
				q.deliveries <- amqp.Delivery{RoutingKey: key, Body: msg.Body}
				break
			}
		}
	}
	return nil
}

func connected(t *testing.T, cfg transport.Config) (*Transport, *exchange) {
	t.Helper()
	tr, e := New(), newExchange()
	e.install(tr)
	require.NoError(t, tr.Initialize(context.Background(), cfg))
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, e
}

func TestPriorityAndExpiration(t *testing.T) {
	assert.Equal(t, uint8(0), priority(-1))
	assert.Equal(t, uint8(5), priority(5))
	assert.Equal(t, uint8(9), priority(10))

	assert.Empty(t, expiration(0))
	assert.Equal(t, "1", expiration(time.Microsecond))
	assert.Equal(t, "90000", expiration(90*time.Second))
}

func TestTransport_PublishSubscribe(t *testing.T) {
	tr, e := connected(t, transport.Config{Options: map[string]string{"exchange": "spores"}})
	ctx := context.Background()
	assert.Equal(t, map[string]string{"spores": amqp.ExchangeTopic}, e.declared)

	got := make(chan string, 4)
	require.NoError(t, tr.Subscribe(ctx, tr.Naming().Inbox("B"), func(_ context.Context, topic string, data []byte) {
		got <- topic + "=" + string(data)
	}))

	topic := tr.Naming().Unicast("B", spore.Response)
	require.NoError(t, tr.Publish(ctx, topic, []byte("hi"), transport.PublishOptions{Priority: 10, TTL: 2 * time.Second}))
	require.NoError(t, tr.Publish(ctx, "agent.C.response", []byte("no"), transport.PublishOptions{}))

	select {
	case msg := <-got:
		assert.Equal(t, "agent.B.response=hi", msg)
	case <-time.After(time.Second):
		t.Fatal("not delivered")
	}

	e.mu.Lock()
	require.Len(t, e.published, 2)
	assert.Equal(t, uint8(9), e.published[0].Priority)
	assert.Equal(t, "2000", e.published[0].Expiration)
	assert.Empty(t, e.published[1].Expiration)
	for _, q := range e.queues {
		assert.Equal(t, int32(MaxPriority), q.args["x-max-priority"])
	}
	e.mu.Unlock()

	require.NoError(t, tr.Unsubscribe(ctx, tr.Naming().Inbox("B")))
	e.mu.Lock()
	assert.Empty(t, e.queues)
	e.mu.Unlock()
	require.NoError(t, tr.Unsubscribe(ctx, "never.subscribed"))
}

func TestTransport_SubscribeFansOut(t *testing.T) {
	tr, e := connected(t, transport.Config{})
	ctx := context.Background()

	first, second := make(chan string, 1), make(chan string, 1)
	require.NoError(t, tr.Subscribe(ctx, "broadcast.*", func(_ context.Context, topic string, _ []byte) { first <- topic }))
	require.NoError(t, tr.Subscribe(ctx, "broadcast.*", func(_ context.Context, topic string, _ []byte) { second <- topic }))

	e.mu.Lock()
	assert.Len(t, e.queues, 1)
	e.mu.Unlock()

	require.NoError(t, tr.Publish(ctx, "broadcast.broadcast", nil, transport.PublishOptions{}))
	for name, got := range map[string]chan string{"first": first, "second": second} {
		select {
		case topic := <-got:
			assert.Equal(t, "broadcast.broadcast", topic, name)
		case <-time.After(time.Second):
			t.Fatalf("%s callback not invoked", name)
		}
	}
}

func TestTransport_InitializeErrors(t *testing.T) {
	ctx := context.Background()

	for _, o := range []map[string]string{{"max_priority": "300"}, {"durable": "maybe"}, {"max_priority": "x"}} {
		tr, e := New(), newExchange()
		e.install(tr)
		assert.ErrorIs(t, tr.Initialize(ctx, transport.Config{Options: o}), reeferrors.ErrInvalidArgument, "%v", o)
	}

	tr, e := New(), newExchange()
	e.install(tr)
	e.dialErrs = []error{errors.New("refused"), errors.New("refused")}
	assert.ErrorIs(t, tr.Initialize(ctx, transport.Config{Retry: 2}), reeferrors.ErrConnectionFailure)
	assert.Equal(t, 2, e.dials)

	e.dialErrs = []error{errors.New("refused")}
	require.NoError(t, tr.Initialize(ctx, transport.Config{Retry: 2}))
	require.NoError(t, tr.Close(ctx))
}

func TestTransport_ConnectionLost(t *testing.T) {
	tr, e := connected(t, transport.Config{})
	e.mu.Lock()
	notify := e.notify
	e.mu.Unlock()

	notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	assert.Eventually(t, func() bool {
		return errors.Is(tr.Publish(context.Background(), "x", nil, transport.PublishOptions{}), reeferrors.ErrNotConnected)
	}, time.Second, 10*time.Millisecond)
}

func TestTransport_Lifecycle(t *testing.T) {
	tr := New()
	ctx := context.Background()
	assert.ErrorIs(t, tr.Publish(ctx, "x", nil, transport.PublishOptions{}), reeferrors.ErrNotConnected)
	assert.ErrorIs(t, tr.Subscribe(ctx, "x", nil), reeferrors.ErrInvalidArgument)

	e := newExchange()
	e.install(tr)
	require.NoError(t, tr.Initialize(ctx, transport.Config{}))
	require.NoError(t, tr.Initialize(ctx, transport.Config{}))
	assert.Equal(t, 1, e.dials)

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))
	assert.ErrorIs(t, tr.Publish(ctx, "x", nil, transport.PublishOptions{}), reeferrors.ErrNotConnected)
	assert.ErrorIs(t, tr.Initialize(ctx, transport.Config{}), reeferrors.ErrNotConnected)
	assert.Equal(t, transport.Dotted, tr.Naming())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	tr2, _ := connected(t, transport.Config{})
	assert.ErrorIs(t, tr2.Publish(cancelled, "x", nil, transport.PublishOptions{}), reeferrors.ErrPublishFailure)
}

func TestRegistered(t *testing.T) {
	tr, err := transport.New(Protocol)
	require.NoError(t, err)
	assert.IsType(t, &Transport{}, tr)
}
