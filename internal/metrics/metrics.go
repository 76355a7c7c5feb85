// Package metrics exposes the worker's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "analysis_worker"

// Metrics bundles every collector on a dedicated registry so tests can build
// independent instances.
type Metrics struct {
	Registry *prometheus.Registry

	JobsDispatched    prometheus.Counter
	JobsCompleted     *prometheus.CounterVec
	JobDuration       prometheus.Histogram
	StuckJobs         *prometheus.CounterVec
	DeadLettered      prometheus.Counter
	DeadLetterDepth   prometheus.Gauge
	ShutdownPhase     prometheus.Gauge
	StorageOperations *prometheus.HistogramVec
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		JobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs handed to the processor.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Deliveries settled, by outcome.",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent in the processor per job.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		StuckJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_jobs_total",
			Help:      "Jobs whose heartbeat went stale, by recovery action.",
		}, []string{"action"}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_lettered_total",
			Help:      "Jobs this worker moved to the dead-letter queue.",
		}),
		DeadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letter_depth",
			Help:      "Messages in the dead-letter queue at the last poll.",
		}),
		ShutdownPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutdown_phase",
			Help:      "0 running, 1 draining, 2 stopped.",
		}),
		StorageOperations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_seconds",
			Help:      "Local retry store latency, by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
	}
	m.Registry.MustRegister(
		m.JobsDispatched, m.JobsCompleted, m.JobDuration, m.StuckJobs,
		m.DeadLettered, m.DeadLetterDepth, m.ShutdownPhase, m.StorageOperations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterActiveHeartbeats exposes the registry size as a gauge read on scrape.
func (m *Metrics) RegisterActiveHeartbeats(count func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_heartbeats",
		Help:      "Jobs currently holding a heartbeat lease.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// StorageHook adapts the storage histogram to the pebble MetricsHook surface.
func (m *Metrics) StorageHook() StorageHook {
	return StorageHook{ops: m.StorageOperations}
}

// StorageHook records pebble read, write and commit latencies.
type StorageHook struct {
	ops *prometheus.HistogramVec
}

func (h StorageHook) ObserveWrite(elapsed time.Duration, _ int) {
	h.ops.WithLabelValues("write").Observe(elapsed.Seconds())
}

func (h StorageHook) ObserveRead(elapsed time.Duration, _ int) {
	h.ops.WithLabelValues("read").Observe(elapsed.Seconds())
}

func (h StorageHook) ObserveBatchCommit(elapsed time.Duration, _ int, _ int) {
	h.ops.WithLabelValues("commit").Observe(elapsed.Seconds())
}
