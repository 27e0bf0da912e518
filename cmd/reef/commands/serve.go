package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360/reef/config"
	"github.com/c360/reef/errors"
	"github.com/c360/reef/health"
	"github.com/c360/reef/keys"
	"github.com/c360/reef/metric"
	"github.com/c360/reef/reef"
	"github.com/c360/reef/secure"
	"github.com/c360/reef/spore"
	"github.com/c360/reef/transport"

	_ "github.com/c360/reef/transport/all"
)

var (
	serveValidate        bool
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bus daemon",
	Long: `Run the in-process bus with the configured channels. When secure.enabled
is set, a Secure Reef bridge connects as secure.agent over secure.protocol
and forwards every verified inbound spore onto secure.channel.

With metrics enabled, /metrics (prometheus), /stats and /health (JSON) are served on
metrics.addr. SIGINT or SIGTERM starts a graceful shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveValidate, "validate", false, "validate configuration and exit")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second,
		"maximum time to wait for handlers and transports on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath, logLevel, logFormat)
	if err != nil {
		return err
	}
	logger := setupLogger(cmd.OutOrStdout(), cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if serveValidate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	return d.run(ctx, serveShutdownTimeout)
}

// daemon owns the bus, the optional secure bridge and the HTTP endpoint.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	bus     *reef.Reef
	bridge  *secure.Reef
	health  *health.Monitor
	server  *metric.Server
}

// daemonStats is the /stats document.
type daemonStats struct {
	Reef   reef.Stats    `json:"reef"`
	Secure *secure.Stats `json:"secure,omitempty"`
}

// forwardedKinds are bridged from the secure transport to the local bus.
var forwardedKinds = []spore.Kind{
	spore.Knowledge, spore.Request, spore.Response, spore.Broadcast, spore.Notification,
}

// newDaemon builds the bus and connects the bridge. A nil factory means
// transport.New.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, factory secure.TransportFactory) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, health: health.NewMonitor("reef")}
	if cfg.Metrics.Enabled {
		d.metrics = metric.NewMetricsRegistry()
	}

	bus, err := reef.New(
		reef.WithConfig(cfg.Reef),
		reef.WithLogger(logger),
		reef.WithMetrics(d.metrics),
	)
	if err != nil {
		return nil, err
	}
	d.bus = bus
	d.health.Register("bus", d.busHealth)

	if cfg.Secure.Enabled {
		bridge, err := d.connectBridge(ctx, factory)
		if err != nil {
			bus.Shutdown(false)
			return nil, err
		}
		d.bridge = bridge
		d.health.Register("secure", d.secureHealth)
	}

	if cfg.Metrics.Enabled {
		d.server = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, d.metrics, cfg.Metrics.TLS)
		d.server.Handle("/stats", http.HandlerFunc(d.serveStats))
		d.server.Handle("/health", d.health.Handler())
	}
	return d, nil
}

func (d *daemon) connectBridge(ctx context.Context, factory secure.TransportFactory) (*secure.Reef, error) {
	sc := d.cfg.Secure

	policy, err := secure.ParseBroadcastPolicy(sc.BroadcastPolicy)
	if err != nil {
		return nil, err
	}
	var groupKey *[keys.KeySize]byte
	if sc.GroupKeyFile != "" {
		if groupKey, err = keys.LoadGroupKey(sc.GroupKeyFile); err != nil {
			return nil, err
		}
	}

	registry := keys.NewRegistry()
	for _, path := range sc.Peers {
		peer, err := keys.LoadPeer(path)
		if err != nil {
			return nil, err
		}
		if err := registry.RegisterPeer(peer); err != nil {
			return nil, err
		}
	}

	opts := []secure.Option{
		secure.WithRegistry(registry),
		secure.WithLogger(d.logger),
		secure.WithMetrics(d.metrics),
		secure.WithBroadcastPolicy(policy, groupKey),
		secure.WithRateLimit(sc.PublishRate, sc.PublishBurst),
		secure.WithTransportFactory(factory),
	}
	if sc.KeysFile != "" {
		km, err := importKeys(sc.KeysFile, sc.Agent)
		if err != nil {
			return nil, err
		}
		opts = append(opts, secure.WithKeyManager(km))
	}
	bridge := secure.New(opts...)

	name := sc.Channel
	if name == "" {
		name = d.bus.DefaultChannel()
	}
	ch, err := d.bus.Channel(name)
	if err != nil {
		return nil, err
	}
	for _, kind := range forwardedKinds {
		if _, err := bridge.RegisterHandler(kind, d.forward(ch)); err != nil {
			return nil, err
		}
	}

	tc := sc.Transport
	err = bridge.Initialize(ctx, sc.Agent, sc.Protocol, transport.Config{
		URL:            tc.URL,
		ClientID:       tc.ClientID,
		Username:       tc.Username,
		Password:       tc.Password,
		TLS:            tc.TLS,
		ConnectTimeout: tc.ConnectTimeout,
		Retry:          tc.RetryAttempts,
		Options:        tc.Options,
		Logger:         d.logger,
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("Secure bridge forwarding", "agent", sc.Agent, "channel", name, "peers", registry.Len())
	return bridge, nil
}

// importKeys loads provisioned material for agent and wipes the copy read
// from disk.
func importKeys(path, agent string) (*keys.Manager, error) {
	mat, err := keys.LoadMaterial(path)
	if err != nil {
		return nil, err
	}
	defer mat.Wipe()
	if mat.Agent != "" && mat.Agent != agent {
		return nil, errors.Invalidf("serve", "importKeys", "%s holds keys for %q, not %q", path, mat.Agent, agent)
	}
	return keys.Import(agent, mat)
}

// forward enqueues verified inbound spores on ch, keeping their ids.
func (d *daemon) forward(ch *reef.Channel) secure.Handler {
	return func(ctx context.Context, msg *secure.Received) error {
		s, err := msg.Spore()
		if err != nil {
			return err
		}
		if err := ch.EnqueueContext(ctx, s); err != nil {
			return err
		}
		d.logger.Debug("Spore forwarded",
			"channel", ch.Name(), "spore_id", s.ID(), "kind", s.Kind(), "from", s.FromAgent())
		return nil
	}
}

func (d *daemon) stats() daemonStats {
	st := daemonStats{Reef: d.bus.Stats()}
	if d.bridge != nil {
		ss := d.bridge.Stats()
		st.Secure = &ss
	}
	return st
}

func (d *daemon) busHealth() health.Status {
	st := d.bus.Stats()
	if st.Shutdown {
		return health.NewUnhealthy("bus", "shut down")
	}
	for name, ch := range st.Channels {
		if ch.DroppedWork > 0 {
			return health.NewDegraded("bus", fmt.Sprintf("channel %s dropped %d deliveries", name, ch.DroppedWork))
		}
	}
	return health.NewHealthy("bus", fmt.Sprintf("%d channels", len(st.Channels)))
}

func (d *daemon) secureHealth() health.Status {
	st := d.bridge.Stats()
	if st.State != secure.StateConnected.String() {
		return health.NewUnhealthy("secure", "bridge is "+st.State)
	}
	if st.IntegrityErrors > 0 {
		return health.NewDegraded("secure", fmt.Sprintf("%d integrity errors", st.IntegrityErrors))
	}
	return health.NewHealthy("secure", "connected over "+st.Protocol)
}

func (d *daemon) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.stats()); err != nil {
		d.logger.Warn("Stats encode failed", "error", err)
	}
}

// run starts the HTTP endpoint and blocks until ctx is done, then shuts
// everything down within timeout.
func (d *daemon) run(ctx context.Context, timeout time.Duration) error {
	if d.server != nil {
		if err := d.server.Start(); err != nil {
			_ = d.shutdown(timeout)
			return err
		}
		d.logger.Info("Metrics server listening", "address", d.server.Address())
	}
	d.logger.Info("Reef started", "channels", d.bus.Channels(), "secure", d.bridge != nil)

	<-ctx.Done()
	d.logger.Info("Shutdown signal received")
	return d.shutdown(timeout)
}

// shutdown closes the bridge and the HTTP endpoint together, then drains
// the bus. Handlers still running at the deadline are abandoned.
func (d *daemon) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var g errgroup.Group
	if d.bridge != nil {
		g.Go(func() error { return d.bridge.Close(ctx) })
	}
	if d.server != nil {
		g.Go(func() error { return d.server.Stop(ctx) })
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		d.bus.Shutdown(true)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Shutdown timed out waiting for handlers", "timeout", timeout)
		if err == nil {
			err = errors.WrapTransient(ctx.Err(), "serve", "shutdown", "drain channels")
		}
	}

	if err != nil {
		d.logger.Error("Shutdown finished with errors", "error", err)
		return err
	}
	d.logger.Info("Shutdown complete")
	return nil
}
