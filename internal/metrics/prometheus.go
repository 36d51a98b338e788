// Package metrics provides Prometheus metrics for the Oura aggregation service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/oura-data-aggregation/internal/oura"
)

const namespace = "oura"

// Manager owns the pipeline metrics. It implements oura.Observer.
type Manager struct {
	registry *prometheus.Registry

	polls            *prometheus.CounterVec
	pollDuration     prometheus.Histogram
	endpointFailures *prometheus.CounterVec
	snapshotKeys     prometheus.Gauge
	pointsImported   *prometheus.CounterVec
	backfillRuns     *prometheus.CounterVec
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry registers metrics on r instead of a fresh registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// NewManager creates and registers every metric.
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	f := promauto.With(m.registry)

	m.polls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Snapshot polls by result (ok, stale, error).",
	}, []string{"result"})
	m.pollDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Time spent fetching and normalizing one snapshot.",
		Buckets:   prometheus.DefBuckets,
	})
	m.endpointFailures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "endpoint_failures_total",
		Help:      "Failed endpoint fetches by source.",
	}, []string{"source"})
	m.snapshotKeys = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_keys",
		Help:      "Number of keys in the current snapshot.",
	})
	m.pointsImported = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "statistics_points_imported_total",
		Help:      "Daily statistic points written to the sink by source.",
	}, []string{"source"})
	m.backfillRuns = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backfill_runs_total",
		Help:      "Historical import attempts by result.",
	}, []string{"result"})

	return m
}

// PollFinished records one poll.
func (m *Manager) PollFinished(result string, took time.Duration, keys int) {
	m.polls.WithLabelValues(result).Inc()
	m.pollDuration.Observe(took.Seconds())
	if result != oura.PollError {
		m.snapshotKeys.Set(float64(keys))
	}
}

// BackfillFinished records one historical import attempt.
func (m *Manager) BackfillFinished(result string) {
	m.backfillRuns.WithLabelValues(result).Inc()
}

// EndpointFailed counts a failed endpoint fetch.
func (m *Manager) EndpointFailed(src oura.Source) {
	m.endpointFailures.WithLabelValues(string(src)).Inc()
}

// PointsImported counts statistic points written for a source.
func (m *Manager) PointsImported(src oura.Source, n int) {
	if n > 0 {
		m.pointsImported.WithLabelValues(string(src)).Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
