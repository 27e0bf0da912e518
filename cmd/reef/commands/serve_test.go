package commands

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reef/config"
	reeferrors "github.com/c360/reef/errors"
	"github.com/c360/reef/keys"
	"github.com/c360/reef/secure"
	"github.com/c360/reef/spore"
	"github.com/c360/reef/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryFactory(hub *transport.Hub) secure.TransportFactory {
	return func(string) (transport.Transport, error) {
		return transport.NewMemory(hub), nil
	}
}

func bridgeConfig(agent string) *config.Config {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Secure.Enabled = true
	cfg.Secure.Agent = agent
	cfg.Secure.Protocol = transport.ProtocolMemory
	return cfg
}

func TestDaemon_ForwardsSecureSpores(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()

	d, err := newDaemon(ctx, bridgeConfig("B"), quietLogger(), memoryFactory(hub))
	require.NoError(t, err)
	defer d.shutdown(time.Second)

	var (
		mu  sync.Mutex
		got []*spore.Spore
	)
	require.NoError(t, d.bus.SubscribeFunc("", "B", func(_ context.Context, s *spore.Spore) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
		return nil
	}))

	sender := secure.New(
		secure.WithRegistry(d.bridge.Registry()),
		secure.WithTransportFactory(memoryFactory(hub)),
		secure.WithLogger(quietLogger()),
	)
	require.NoError(t, sender.Initialize(ctx, "A", transport.ProtocolMemory, transport.Config{}))
	defer sender.Close(ctx)

	id, err := sender.Send(ctx, "A", "B", map[string]any{"fact": "tide is high"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	s := got[0]
	mu.Unlock()
	assert.Equal(t, id, s.ID())
	assert.Equal(t, spore.Knowledge, s.Kind())
	assert.Equal(t, "A", s.FromAgent())
	assert.Equal(t, "tide is high", s.Payload()["fact"])

	st := d.stats()
	require.NotNil(t, st.Secure)
	assert.Equal(t, int64(1), st.Secure.SporesReceived)
	assert.Equal(t, int64(1), st.Reef.Channels[config.DefaultChannel].Carried)
}

func TestDaemon_ProvisionedKeysAndPeers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	km, err := keys.NewManager("B")
	require.NoError(t, err)
	mat, err := km.Export()
	require.NoError(t, err)
	bundle := km.Bundle()
	km.Close()
	keysFile := filepath.Join(dir, "b.keys.json")
	require.NoError(t, keys.SaveMaterial(keysFile, mat))

	other, err := keys.NewManager("C")
	require.NoError(t, err)
	defer other.Close()
	peerFile := filepath.Join(dir, "c.peer.json")
	require.NoError(t, keys.SavePeer(peerFile, keys.Peer{Agent: "C", Bundle: other.Bundle()}))

	cfg := bridgeConfig("B")
	cfg.Secure.KeysFile = keysFile
	cfg.Secure.Peers = []string{peerFile}
	cfg.Secure.Channel = "inbound"

	d, err := newDaemon(ctx, cfg, quietLogger(), memoryFactory(transport.NewHub()))
	require.NoError(t, err)
	defer d.shutdown(time.Second)

	got, err := d.bridge.Bundle()
	require.NoError(t, err)
	assert.True(t, got.Equal(bundle))
	assert.ElementsMatch(t, []string{"B", "C"}, d.bridge.Registry().Agents())
	assert.Contains(t, d.bus.Channels(), "inbound")
}

func TestDaemon_BridgeErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	km, err := keys.NewManager("A")
	require.NoError(t, err)
	mat, err := km.Export()
	require.NoError(t, err)
	km.Close()
	keysFile := filepath.Join(dir, "a.keys.json")
	require.NoError(t, keys.SaveMaterial(keysFile, mat))

	cfg := bridgeConfig("B")
	cfg.Secure.KeysFile = keysFile
	_, err = newDaemon(ctx, cfg, quietLogger(), memoryFactory(transport.NewHub()))
	assert.ErrorIs(t, err, reeferrors.ErrInvalidArgument)

	cfg = bridgeConfig("B")
	cfg.Secure.Peers = []string{filepath.Join(dir, "absent.json")}
	_, err = newDaemon(ctx, cfg, quietLogger(), memoryFactory(transport.NewHub()))
	assert.Error(t, err)

	cfg = bridgeConfig("B")
	cfg.Secure.Protocol = "carrier-pigeon"
	_, err = newDaemon(ctx, cfg, quietLogger(), nil)
	assert.Error(t, err)
}

func TestDaemon_StatsEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	d, err := newDaemon(context.Background(), cfg, quietLogger(), nil)
	require.NoError(t, err)
	defer d.shutdown(time.Second)

	rec := httptest.NewRecorder()
	d.serveStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc, "reef")
	assert.NotContains(t, doc, "secure")

	rec = httptest.NewRecorder()
	d.serveStats(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Addr = "127.0.0.1:0"
	d, err := newDaemon(context.Background(), cfg, quietLogger(), nil)
	require.NoError(t, err)
	require.NotNil(t, d.server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, time.Second) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.True(t, d.bus.Stats().Shutdown)
}

func TestDaemon_Health(t *testing.T) {
	d, err := newDaemon(context.Background(), bridgeConfig("B"), quietLogger(), memoryFactory(transport.NewHub()))
	require.NoError(t, err)

	st := d.health.Check()
	assert.True(t, st.IsHealthy(), st.Message)
	assert.Equal(t, []string{"bus", "secure"}, d.health.Components())

	require.NoError(t, d.shutdown(time.Second))
	st = d.health.Check()
	assert.True(t, st.IsUnhealthy())
	for _, sub := range st.SubStatuses {
		assert.True(t, sub.IsUnhealthy(), sub.Component)
	}
}
