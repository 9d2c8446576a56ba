// Package metrics holds the Prometheus collectors shared by the dispatcher
// and worker binaries. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	lockContention  *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	tasks           *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	cycles          prometheus.Counter
	active          prometheus.Gauge
}

// New registers every collector on a private registry. Go runtime and
// process collectors are included.
func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry(), namespace: namespace}
	_ = m.registry.Register(prometheus.NewGoCollector())
	_ = m.registry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m.published = m.counter("chunks_published_total", "Chunks handed to the broker.", "job_type")
	m.publishFailures = m.counter("chunk_publish_failures_total", "Broker publishes that failed; the chunk stays ready.", "job_type")
	m.lockContention = m.counter("lock_contention_total", "Dispatcher cycles that skipped an instance because its key was held.", "job_type")
	m.outcomes = m.counter("chunk_outcomes_total", "Worker outcomes per chunk delivery.", "job_type", "outcome")
	m.tasks = m.counter("tasks_handled_total", "Broker deliveries handled by this process.", "task_type", "result")
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    m.fqName("chunk_duration_seconds"),
		Help:    "Wall time of one chunk delivery in a worker.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"job_type"})
	_ = m.registry.Register(m.duration)
	m.cycles = prometheus.NewCounter(prometheus.CounterOpts{Name: m.fqName("dispatch_cycles_total"), Help: "Completed dispatcher cycles."})
	_ = m.registry.Register(m.cycles)
	m.active = prometheus.NewGauge(prometheus.GaugeOpts{Name: m.fqName("active_instances"), Help: "Task instances with non-terminal chunks."})
	_ = m.registry.Register(m.active)
	return m
}

func (m *Metrics) fqName(name string) string {
	if m.namespace == "" {
		return name
	}
	return m.namespace + "_" + name
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: m.fqName(name), Help: help}, labels)
	_ = m.registry.Register(cv)
	return cv
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the registry on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", zap.String("addr", addr), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Metrics) ChunkPublished(jobType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(jobType).Inc()
}

func (m *Metrics) PublishFailed(jobType string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(jobType).Inc()
}

func (m *Metrics) LockContended(jobType string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(jobType).Inc()
}

// ChunkOutcome records how a worker settled one delivery: completed,
// failed_fatal, failed_transient, duplicate or discarded.
func (m *Metrics) ChunkOutcome(jobType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(jobType, outcome).Inc()
	m.duration.WithLabelValues(jobType).Observe(took.Seconds())
}

func (m *Metrics) TaskHandled(taskType string, err error) {
	if m == nil {
		return
	}
	result := "ack"
	if err != nil {
		result = "nack"
	}
	m.tasks.WithLabelValues(taskType, result).Inc()
}

func (m *Metrics) CycleCompleted(activeInstances int) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.active.Set(float64(activeInstances))
}
