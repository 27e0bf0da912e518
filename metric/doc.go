// Package metric provides the Prometheus registry and core metrics for the
// Reef bus.
//
// A MetricsRegistry is created once per process and handed to the Reef,
// Secure Reefs and transports, which record through CoreMetrics. Component
// metrics (ring and worker pool internals) are registered under
// "service.metric" keys so duplicates are rejected with a classified error:
//
//	reg := metric.NewMetricsRegistry()
//	r := reef.New(reef.WithMetrics(reg))
//	srv := metric.NewServer(":9090", "/metrics", reg, security.ServerTLSConfig{})
//	_ = srv.Start()
package metric
