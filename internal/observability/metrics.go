package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion and query paths.
type Metrics struct {
	IngestRuns     *prometheus.CounterVec // labels: kind={events,static}, outcome={success,error,skipped}
	IngestDuration *prometheus.HistogramVec

	EntitiesUpserted prometheus.Counter
	EntitiesChanged  prometheus.Counter
	EntitiesRetired  prometheus.Counter
	EntitiesDeleted  prometheus.Counter

	UpstreamRequests *prometheus.CounterVec // labels: query, outcome={success,error,malformed}

	QueryNotModified prometheus.Counter
	ChangesPublished prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.IngestRuns,
		m.IngestDuration,
		m.EntitiesUpserted,
		m.EntitiesChanged,
		m.EntitiesRetired,
		m.EntitiesDeleted,
		m.UpstreamRequests,
		m.QueryNotModified,
		m.ChangesPublished,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "traffic",
			Name:      "ingest_runs_total",
			Help:      "Ingestion runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "traffic",
			Name:      "ingest_duration_seconds",
			Help:      "Duration of a complete ingestion run.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		EntitiesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "traffic",
			Name:      "entities_upserted_total",
			Help:      "Entities written by reconciliation commits.",
		}),
		EntitiesChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "traffic",
			Name:      "entities_changed_total",
			Help:      "Upserts that represented real content change.",
		}),
		EntitiesRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "traffic",
			Name:      "entities_retired_total",
			Help:      "Entities marked cleared by the staleness policy.",
		}),
		EntitiesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "traffic",
			Name:      "entities_deleted_total",
			Help:      "Entities hard-deleted past the expiry window.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "traffic",
			Name:      "upstream_requests_total",
			Help:      "Upstream feed requests by query and outcome.",
		}, []string{"query", "outcome"}),
		QueryNotModified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "traffic",
			Name:      "query_not_modified_total",
			Help:      "Conditional queries short-circuited with 304.",
		}),
		ChangesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "traffic",
			Name:      "changes_published_total",
			Help:      "Changed entities published to the change feed.",
		}),
	}
}
