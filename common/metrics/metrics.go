// Package metrics holds the Prometheus collectors shared by the API and the worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediacache"

// Metrics owns a private registry so tests can create as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	queueJobs     *prometheus.GaugeVec     // queue, state
	jobsProcessed *prometheus.CounterVec   // queue, outcome: completed, retried, failed
	jobDuration   *prometheus.HistogramVec // queue
	leaseRecovery *prometheus.CounterVec   // queue, outcome: requeued, failed

	downloads     *prometheus.CounterVec // outcome: ok, error
	downloadBytes prometheus.Counter
	uploads       *prometheus.CounterVec // outcome

	urlCache *prometheus.CounterVec // result: hit, miss
	events   *prometheus.CounterVec // channel
}

// New creates and registers all collectors, including the Go runtime and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs currently held by the queue, by state",
		}, []string{"queue", "state"}),

		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Jobs processed by the worker, by outcome",
		}, []string{"queue", "outcome"}),

		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Handler duration per job attempt",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"queue"}),

		leaseRecovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "lease_recoveries_total",
			Help:      "Jobs whose lease expired, by what happened to them",
		}, []string{"queue", "outcome"}),

		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "requests_total",
			Help:      "Remote media downloads, by outcome",
		}, []string{"outcome"}),

		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes downloaded from origins",
		}),

		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "uploads_total",
			Help:      "Object store uploads, by outcome",
		}, []string{"outcome"}),

		urlCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "url_cache",
			Name:      "lookups_total",
			Help:      "Resolved URL cache lookups, by result",
		}, []string{"result"}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Completion events published, by channel",
		}, []string{"channel"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueJobs,
		m.jobsProcessed,
		m.jobDuration,
		m.leaseRecovery,
		m.downloads,
		m.downloadBytes,
		m.uploads,
		m.urlCache,
		m.events,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetQueueJobs records the number of jobs in one state
func (m *Metrics) SetQueueJobs(queue, state string, n int64) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(queue, state).Set(float64(n))
}

// ObserveJob records one handler run. outcome is completed, retried or failed.
func (m *Metrics) ObserveJob(queue, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(took.Seconds())
}

// LeaseRecovered records jobs taken back from dead consumers
func (m *Metrics) LeaseRecovered(queue string, requeued, failed int) {
	if m == nil {
		return
	}
	m.leaseRecovery.WithLabelValues(queue, "requeued").Add(float64(requeued))
	m.leaseRecovery.WithLabelValues(queue, "failed").Add(float64(failed))
}

// Download records a fetch outcome and its size
func (m *Metrics) Download(err error, size int64) {
	if m == nil {
		return
	}
	if err != nil {
		m.downloads.WithLabelValues("error").Inc()
		return
	}
	m.downloads.WithLabelValues("ok").Inc()
	m.downloadBytes.Add(float64(size))
}

// Upload records an object store upload outcome
func (m *Metrics) Upload(err error) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome(err)).Inc()
}

// URLCacheLookup records a resolved URL cache hit or miss
func (m *Metrics) URLCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.urlCache.WithLabelValues("hit").Inc()
		return
	}
	m.urlCache.WithLabelValues("miss").Inc()
}

// EventPublished counts a completion event
func (m *Metrics) EventPublished(channel string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(channel).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
