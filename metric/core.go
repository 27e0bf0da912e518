package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bus-level metrics shared by every Reef in a process.
type Metrics struct {
	SporesCarried   *prometheus.CounterVec
	SporesDelivered *prometheus.CounterVec
	SporesExpired   *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	DispatchDropped *prometheus.CounterVec
	ChannelDepth    *prometheus.GaugeVec

	SecureSpores     *prometheus.CounterVec
	IntegrityErrors  *prometheus.CounterVec
	SecureState      *prometheus.GaugeVec
	TransportPublish *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec
	KeyRotations     *prometheus.CounterVec
}

// NewMetrics creates the Reef core metrics. They are not registered.
func NewMetrics() *Metrics {
	return &Metrics{
		SporesCarried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "spores", Name: "carried_total",
			Help: "Spores accepted by a channel",
		}, []string{"channel"}),

		SporesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "spores", Name: "delivered_total",
			Help: "Handler invocations that completed without error",
		}, []string{"channel"}),

		SporesExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "spores", Name: "expired_total",
			Help: "Spores evicted by overflow or removed by the expiry sweep",
		}, []string{"channel"}),

		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "handlers", Name: "failures_total",
			Help: "Handler invocations that returned an error or panicked",
		}, []string{"channel"}),

		DispatchDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "handlers", Name: "dropped_total",
			Help: "Handler invocations abandoned at shutdown or cancellation",
		}, []string{"channel"}),

		ChannelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reef", Subsystem: "channel", Name: "depth",
			Help: "Spores currently held in a channel ring",
		}, []string{"channel"}),

		SecureSpores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "secure", Name: "spores_total",
			Help: "Secure spores sent or received",
		}, []string{"agent", "direction"}),

		IntegrityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "secure", Name: "integrity_errors_total",
			Help: "Inbound secure spores that failed decryption or verification",
		}, []string{"agent"}),

		SecureState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reef", Subsystem: "secure", Name: "state",
			Help: "Secure Reef state (0=new, 1=connected, 2=closed)",
		}, []string{"agent"}),

		TransportPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "transport", Name: "publish_total",
			Help: "Transport publish attempts by outcome",
		}, []string{"protocol", "status"}),

		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reef", Subsystem: "transport", Name: "publish_duration_seconds",
			Help:    "Transport publish latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),

		KeyRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "keys", Name: "rotations_total",
			Help: "Key rotations performed",
		}, []string{"agent"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SporesCarried, m.SporesDelivered, m.SporesExpired,
		m.HandlerFailures, m.DispatchDropped, m.ChannelDepth,
		m.SecureSpores, m.IntegrityErrors, m.SecureState,
		m.TransportPublish, m.PublishDuration, m.KeyRotations,
	}
}

// RecordCarried counts a spore accepted by channel.
func (m *Metrics) RecordCarried(channel string, depth int) {
	m.SporesCarried.WithLabelValues(channel).Inc()
	m.ChannelDepth.WithLabelValues(channel).Set(float64(depth))
}

// RecordDelivered counts a completed handler invocation.
func (m *Metrics) RecordDelivered(channel string) {
	m.SporesDelivered.WithLabelValues(channel).Inc()
}

// RecordExpired counts n evicted or swept spores.
func (m *Metrics) RecordExpired(channel string, n int) {
	m.SporesExpired.WithLabelValues(channel).Add(float64(n))
}

// RecordHandlerFailure counts a failed handler invocation.
func (m *Metrics) RecordHandlerFailure(channel string) {
	m.HandlerFailures.WithLabelValues(channel).Inc()
}

// RecordDispatchDropped counts an invocation abandoned before it was queued.
func (m *Metrics) RecordDispatchDropped(channel string) {
	m.DispatchDropped.WithLabelValues(channel).Inc()
}

// RecordDepth sets the current ring depth.
func (m *Metrics) RecordDepth(channel string, depth int) {
	m.ChannelDepth.WithLabelValues(channel).Set(float64(depth))
}

// RecordSecure counts a secure spore. direction is "sent" or "received".
func (m *Metrics) RecordSecure(agent, direction string) {
	m.SecureSpores.WithLabelValues(agent, direction).Inc()
}

// RecordIntegrityError counts a rejected inbound secure spore.
func (m *Metrics) RecordIntegrityError(agent string) {
	m.IntegrityErrors.WithLabelValues(agent).Inc()
}

// RecordSecureState sets the Secure Reef lifecycle state.
func (m *Metrics) RecordSecureState(agent string, state int) {
	m.SecureState.WithLabelValues(agent).Set(float64(state))
}

// RecordPublish counts a transport publish and observes its latency.
func (m *Metrics) RecordPublish(protocol string, err error, took time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TransportPublish.WithLabelValues(protocol, status).Inc()
	m.PublishDuration.WithLabelValues(protocol).Observe(took.Seconds())
}

// RecordKeyRotation counts a key rotation.
func (m *Metrics) RecordKeyRotation(agent string) {
	m.KeyRotations.WithLabelValues(agent).Inc()
}
