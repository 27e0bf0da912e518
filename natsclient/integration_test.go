//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	ctx := context.Background()
	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	manager, err := NewClient(natsURL)
	require.NoError(t, err)
	require.NoError(t, manager.Connect(ctx))
	defer manager.Close(ctx)

	assert.True(t, manager.IsHealthy())
	assert.Equal(t, StatusConnected, manager.Status())

	rtt, err := manager.RTT()
	assert.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_PublishSubscribeHeaders(t *testing.T) {
	ctx := context.Background()
	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	manager, err := NewClient(natsURL, WithName("reef-test"))
	require.NoError(t, err)
	require.NoError(t, manager.Connect(ctx))
	defer manager.Close(ctx)

	got := make(chan *nats.Msg, 1)
	require.NoError(t, manager.Subscribe("agent.B.*", func(msg *nats.Msg) { got <- msg }))

	msg := nats.NewMsg("agent.B.knowledge")
	msg.Data = []byte("hello")
	msg.Header.Set("Reef-Priority", "7")
	require.NoError(t, manager.Publish(ctx, msg))

	select {
	case m := <-got:
		assert.Equal(t, "agent.B.knowledge", m.Subject)
		assert.Equal(t, "hello", string(m.Data))
		assert.Equal(t, "7", m.Header.Get("Reef-Priority"))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_SubscribeFansOut(t *testing.T) {
	ctx := context.Background()
	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	manager, err := NewClient(natsURL)
	require.NoError(t, err)
	require.NoError(t, manager.Connect(ctx))
	defer manager.Close(ctx)

	first, second := make(chan string, 2), make(chan string, 2)
	require.NoError(t, manager.Subscribe("broadcast.*", func(msg *nats.Msg) { first <- string(msg.Data) }))
	require.NoError(t, manager.Subscribe("broadcast.*", func(msg *nats.Msg) { second <- string(msg.Data) }))
	assert.Equal(t, 2, manager.Subscriptions())

	require.NoError(t, manager.Publish(ctx, &nats.Msg{Subject: "broadcast.notification", Data: []byte("n")}))
	for _, got := range []chan string{first, second} {
		select {
		case data := <-got:
			assert.Equal(t, "n", data)
		case <-time.After(5 * time.Second):
			t.Fatal("message not delivered to every subscriber")
		}
	}

	require.NoError(t, manager.Unsubscribe("broadcast.*"))
	assert.Zero(t, manager.Subscriptions())
}

func TestIntegration_EnsureStream(t *testing.T) {
	ctx := context.Background()
	natsContainer, natsURL := startNATSContainerWithJS(ctx, t)
	defer natsContainer.Terminate(ctx)

	manager, err := NewClient(natsURL)
	require.NoError(t, err)
	require.NoError(t, manager.Connect(ctx))
	defer manager.Close(ctx)

	stream, err := manager.EnsureStream(ctx, "REEF", []string{"agent.>", "broadcast.>"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, manager.Publish(ctx, &nats.Msg{Subject: "agent.B.knowledge", Data: []byte("x")}))

	assert.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 1
	}, 5*time.Second, 50*time.Millisecond)

	_, err = manager.EnsureStream(ctx, "REEF", []string{"agent.>", "broadcast.>"}, 2*time.Hour)
	assert.NoError(t, err, "updating an existing stream succeeds")
}

func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	return startNATS(ctx, t, "-m", "8222")
}

func startNATSContainerWithJS(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	return startNATS(ctx, t, "-js", "-m", "8222")
}

func startNATS(ctx context.Context, t *testing.T, args ...string) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          args,
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)
	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	// Wait for NATS to be fully ready
	time.Sleep(100 * time.Millisecond)
	return natsContainer, fmt.Sprintf("nats://%s:%s", host, port.Port())
}
