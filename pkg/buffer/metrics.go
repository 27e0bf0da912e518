package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reef/metric"
)

type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter
	size      prometheus.Gauge
	fill      prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"buffer": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "ring", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reef", Subsystem: "ring", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &bufferMetrics{
		writes:    counter("writes_total", "Items written to the ring"),
		reads:     counter("reads_total", "Items read from the ring"),
		overflows: counter("overflows_total", "Writes that found the ring full"),
		drops:     counter("drops_total", "Items dropped by the overflow policy"),
		size:      gauge("size", "Current number of items in the ring"),
		fill:      gauge("fill_ratio", "Ring fill ratio between 0 and 1"),
	}

	for name, c := range map[string]prometheus.Counter{
		"ring_writes": m.writes, "ring_reads": m.reads,
		"ring_overflows": m.overflows, "ring_drops": m.drops,
	} {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "ring_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "ring_fill", m.fill); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordReads(n, size, capacity int) {
	m.reads.Add(float64(n))
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordOverflow() { m.overflows.Inc() }
func (m *bufferMetrics) recordDrop()     { m.drops.Inc() }

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.fill.Set(float64(size) / float64(capacity))
}
