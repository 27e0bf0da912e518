package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reef/metric"
)

// cacheMetrics mirrors Statistics in prometheus, labelled by component.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, component string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": component}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reef",
			Subsystem:   "cache",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Lookups that found a live entry"),
		misses:    counter("misses_total", "Lookups that found no live entry"),
		sets:      counter("sets_total", "Entries stored"),
		deletes:   counter("deletes_total", "Entries deleted"),
		evictions: counter("evictions_total", "Entries evicted by expiry or size"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "reef",
			Subsystem:   "cache",
			Name:        "size",
			Help:        "Entries currently held",
			ConstLabels: labels,
		}),
	}

	collectors := []struct {
		name string
		c    prometheus.Counter
	}{
		{"cache_hits", m.hits},
		{"cache_misses", m.misses},
		{"cache_sets", m.sets},
		{"cache_deletes", m.deletes},
		{"cache_evictions", m.evictions},
	}
	var registered []string
	rollback := func() {
		for _, name := range registered {
			registry.Unregister(component, name)
		}
	}
	for _, col := range collectors {
		if err := registry.RegisterCounter(component, col.name, col.c); err != nil {
			rollback()
			return nil, err
		}
		registered = append(registered, col.name)
	}
	if err := registry.RegisterGauge(component, "cache_size", m.size); err != nil {
		rollback()
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() { m.hits.Inc() }
func (m *cacheMetrics) recordMiss() { m.misses.Inc() }
func (m *cacheMetrics) recordSet() { m.sets.Inc() }
func (m *cacheMetrics) recordDelete() { m.deletes.Inc() }
func (m *cacheMetrics) recordEviction() { m.evictions.Inc() }
func (m *cacheMetrics) updateSize(size int) { m.size.Set(float64(size)) }
