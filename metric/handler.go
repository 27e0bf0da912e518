package metric

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/pkg/security"
	"github.com/c360/reef/pkg/tlsutil"
)

// Server serves /metrics and any extra handlers over HTTP or HTTPS.
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	tls      security.ServerTLSConfig
	extra    map[string]http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server. An empty path means "/metrics" and an
// empty addr means ":9090".
func NewServer(addr, path string, registry *MetricsRegistry, tlsCfg security.ServerTLSConfig) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}
	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		tls:      tlsCfg,
		extra:    make(map[string]http.Handler),
	}
}

// Handle mounts an additional handler. It must be called before Start. A
// handler for "/health" replaces the built-in liveness answer.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[pattern] = h
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Start", "metrics registry check")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.PrometheusRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	if _, ok := s.extra["/health"]; !ok {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.tls)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "load TLS config")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}

	s.listener = ln
	s.server = &http.Server{Handler: mux, TLSConfig: tlsConfig}

	srv := s.server
	go func() {
		if tlsConfig != nil {
			_ = srv.ServeTLS(ln, "", "")
			return
		}
		_ = srv.Serve(ln)
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Address returns the URL of the metrics endpoint once started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheme := "http"
	if s.tls.Enabled {
		scheme = "https"
	}
	host := s.addr
	if s.listener != nil {
		host = s.listener.Addr().String()
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, s.path)
}
