//go:build integration

package mqtt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/reef/spore"
	"github.com/c360/reef/transport"
)

func startMosquitto(ctx context.Context, t *testing.T) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "1883")
	require.NoError(t, err)
	return fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

func TestIntegration_Mosquitto(t *testing.T) {
	ctx := context.Background()
	url := startMosquitto(ctx, t)

	sub, pub := New(), New()
	require.NoError(t, sub.Initialize(ctx, transport.Config{URL: url, ClientID: "B", Retry: 3}))
	defer sub.Close(ctx)
	require.NoError(t, pub.Initialize(ctx, transport.Config{URL: url, ClientID: "A", Retry: 3}))
	defer pub.Close(ctx)

	got := make(chan string, 1)
	require.NoError(t, sub.Subscribe(ctx, sub.Naming().Inbox("B"), func(_ context.Context, topic string, data []byte) {
		got <- topic + "=" + string(data)
	}))

	topic := pub.Naming().Unicast("B", spore.Knowledge)
	require.NoError(t, pub.Publish(ctx, topic, []byte("hello"), transport.PublishOptions{}))

	select {
	case msg := <-got:
		assert.Equal(t, "agent/B/knowledge=hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
