// Package worker provides a generic bounded worker pool for concurrent task processing
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/metricflow/metric"
)

// Pool represents a generic worker pool that can process any work type T.
// The worker count is the concurrency bound: at most that many invocations
// of the processor run simultaneously.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Workers   int
	QueueSize int
	QueueLen  int
	Submitted int64
	Processed int64
	Failed    int64
	Dropped   int64
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry configures the pool to register metrics under the given prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool creates a new generic worker pool with optional configuration
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
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
	prefix := p.metricsPrefix

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_queue_depth",
		Help: "Current worker pool queue depth",
	})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_submitted_total",
		Help: "Total work items submitted",
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_processed_total",
		Help: "Total work items processed",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_failed_total",
		Help: "Total work items that failed processing",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_dropped_total",
		Help: "Total work items dropped due to full queue",
	})
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_processing_duration_seconds",
		Help:    "Time spent processing work items",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
	}, []string{"status"})

	const componentName = "worker_pool"
	_ = p.metricsRegistry.RegisterGauge(componentName, prefix+"_queue_depth", queueDepth)
	_ = p.metricsRegistry.RegisterCounter(componentName, prefix+"_submitted_total", submitted)
	_ = p.metricsRegistry.RegisterCounter(componentName, prefix+"_processed_total", processed)
	_ = p.metricsRegistry.RegisterCounter(componentName, prefix+"_failed_total", failed)
	_ = p.metricsRegistry.RegisterCounter(componentName, prefix+"_dropped_total", dropped)
	_ = p.metricsRegistry.RegisterHistogramVec(componentName, prefix+"_processing_duration_seconds", processingTime)

	p.metrics = &poolMetrics{
		queueDepth:     queueDepth,
		submitted:      submitted,
		processed:      processed,
		failed:         failed,
		dropped:        dropped,
		processingTime: processingTime,
	}
}

// Submit submits work to the pool. Returns ErrQueueFull if the queue is full.
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
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start starts the worker pool
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for in-flight work to finish
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.stopped = true
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		QueueSize: p.queueSize,
		QueueLen:  len(p.workChan),
		Submitted: atomic.LoadInt64(&p.submitted),
		Processed: atomic.LoadInt64(&p.processed),
		Failed:    atomic.LoadInt64(&p.failed),
		Dropped:   atomic.LoadInt64(&p.dropped),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for work := range p.workChan {
		start := time.Now()
		err := p.processor(ctx, work)
		status := "success"
		if err != nil {
			status = "error"
			atomic.AddInt64(&p.failed, 1)
			if p.metrics != nil {
				p.metrics.failed.Inc()
			}
		}
		atomic.AddInt64(&p.processed, 1)
		if p.metrics != nil {
			p.metrics.processed.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
			p.metrics.processingTime.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
	}
}
