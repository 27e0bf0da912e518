package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reef/metric"
)

// Pool runs a fixed number of workers over a bounded queue of work items.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	stopping chan struct{}
	senders  sync.WaitGroup
	metrics  *poolMetrics
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	active    atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
	onPanic         func(v any)
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	active         prometheus.Gauge
	submitted      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics labelled with prefix.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithPanicHandler is called with the recovered value when a processor panics.
func WithPanicHandler[T any](fn func(v any)) Option[T] {
	return func(p *Pool[T]) {
		p.onPanic = fn
	}
}

// NewPool creates a worker pool. Non-positive workers defaults to 4 and
// non-positive queueSize to 1000. It panics on a nil processor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		stopping:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}
	return pool
}

func (p *Pool[T]) initializeMetrics() {
	labels := prometheus.Labels{"pool": p.metricsPrefix}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reef", Subsystem: "workers", Name: "queue_depth",
			Help: "Work items waiting in the pool queue", ConstLabels: labels,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reef", Subsystem: "workers", Name: "active",
			Help: "Workers currently running a processor", ConstLabels: labels,
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "workers", Name: "submitted_total",
			Help: "Work items accepted by the pool", ConstLabels: labels,
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "workers", Name: "failed_total",
			Help: "Work items whose processor failed", ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef", Subsystem: "workers", Name: "dropped_total",
			Help: "Work items refused or abandoned", ConstLabels: labels,
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reef", Subsystem: "workers", Name: "processing_duration_seconds",
			Help:        "Processor run time",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	// Registration failures leave the pool working without exported metrics.
	service := "worker_pool." + p.metricsPrefix
	_ = p.metricsRegistry.RegisterGauge(service, "queue_depth", m.queueDepth)
	_ = p.metricsRegistry.RegisterGauge(service, "active", m.active)
	_ = p.metricsRegistry.RegisterCounter(service, "submitted", m.submitted)
	_ = p.metricsRegistry.RegisterCounter(service, "failed", m.failed)
	_ = p.metricsRegistry.RegisterCounter(service, "dropped", m.dropped)
	_ = p.metricsRegistry.RegisterHistogramVec(service, "processing_duration", m.processingTime)
	p.metrics = m
}

// Submit queues work without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.recordDropped(1)
		return ErrQueueFull
	}
}

// SubmitWait queues work, waiting for queue space. It gives up with
// ErrPoolStopped once shutdown begins, or with the context error when ctx
// ends first; abandoned items are counted as dropped.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.lifecycleMu.Lock()
	if !p.started {
		p.lifecycleMu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.lifecycleMu.Unlock()
		return ErrPoolStopped
	}
	p.senders.Add(1)
	p.lifecycleMu.Unlock()
	defer p.senders.Done()

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	case <-p.stopping:
		p.recordDropped(1)
		return ErrPoolStopped
	case <-ctx.Done():
		p.recordDropped(1)
		return ctx.Err()
	}
}

// Start launches the workers. Cancelling ctx stops them without draining.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.started = true
	return nil
}

// Shutdown stops accepting work. With wait it returns once queued and
// running items are done. Without wait it abandons queued items and returns
// immediately; running processors see their context cancelled.
func (p *Pool[T]) Shutdown(wait bool) {
	if !p.closeQueue() {
		return
	}
	if wait {
		p.wg.Wait()
		p.cancel()
		return
	}
	p.cancel()
}

// Stop drains the queue like Shutdown(true) but gives up after timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	if !p.closeQueue() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		p.cancel()
		return ErrStopTimeout
	}
}

// closeQueue marks the pool stopped and reports whether this call did it.
// Blocked SubmitWait callers are released before the queue is closed. The
// lock is not held while waiting so processors may still call Submit.
func (p *Pool[T]) closeQueue() bool {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return false
	}
	p.stopped = true
	close(p.stopping)
	p.lifecycleMu.Unlock()

	p.senders.Wait()
	close(p.workChan)
	return true
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Active:     p.active.Load(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Active     int64 `json:"active"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) recordDropped(n int) {
	p.dropped.Add(int64(n))
	if p.metrics != nil {
		p.metrics.dropped.Add(float64(n))
	}
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.abandonQueued()
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			if p.ctx.Err() != nil {
				p.recordDropped(1)
				p.abandonQueued()
				return
			}
			p.run(work)
		}
	}
}

// abandonQueued counts items left in a closed queue after cancellation.
func (p *Pool[T]) abandonQueued() {
	for {
		select {
		case _, ok := <-p.workChan:
			if !ok {
				return
			}
			p.recordDropped(1)
		default:
			return
		}
	}
}

func (p *Pool[T]) run(work T) {
	p.active.Add(1)
	if p.metrics != nil {
		p.metrics.active.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}

	start := time.Now()
	err := p.safeProcess(work)
	duration := time.Since(start)

	p.active.Add(-1)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}

	if p.metrics != nil {
		p.metrics.active.Dec()
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func (p *Pool[T]) safeProcess(work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.onPanic != nil {
				p.onPanic(r)
			}
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.processor(p.ctx, work)
}
