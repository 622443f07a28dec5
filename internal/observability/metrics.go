package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one suite.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Registerer

	// Query metrics
	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	// Scope metrics
	scopesOpened    *prometheus.CounterVec
	scopeViolations *prometheus.CounterVec
	scopeDepth      *prometheus.GaugeVec

	// Lifecycle metrics
	provisionDuration prometheus.Histogram
	provisionFailures prometheus.Counter
	seedDuration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg gets a fresh private registry so that suites never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		queriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtest_queries_total",
				Help: "Total number of statements issued through harness clients",
			},
			[]string{"client", "operation", "status"},
		),
		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgtest_query_duration_seconds",
				Help:    "Statement latency in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"client", "operation"},
		),
		scopesOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtest_scopes_opened_total",
				Help: "Total number of transaction scopes opened",
			},
			[]string{"client"},
		),
		scopeViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtest_scope_violations_total",
				Help: "Total number of scope discipline violations",
			},
			[]string{"client", "reason"},
		),
		scopeDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgtest_scope_depth",
				Help: "Current number of open transaction scopes",
			},
			[]string{"client"},
		),
		provisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pgtest_provision_duration_seconds",
				Help:    "Time spent provisioning the ephemeral database",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		provisionFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pgtest_provision_failures_total",
				Help: "Total number of failed provisioning attempts",
			},
		),
		seedDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgtest_seed_duration_seconds",
				Help:    "Time spent applying each seeder",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"seeder", "status"},
		),
	}
}

// Registerer returns the registry the collectors were registered on
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordQuery records a statement issued by a client
func (m *Metrics) RecordQuery(client, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(client, operation, statusLabel(err)).Inc()
	m.queryDuration.WithLabelValues(client, operation).Observe(duration.Seconds())
}

// RecordScopeOpened records a new scope and the resulting depth
func (m *Metrics) RecordScopeOpened(client string, depth int) {
	if m == nil {
		return
	}
	m.scopesOpened.WithLabelValues(client).Inc()
	m.scopeDepth.WithLabelValues(client).Set(float64(depth))
}

// RecordScopeClosed records the depth after a scope was closed
func (m *Metrics) RecordScopeClosed(client string, depth int) {
	if m == nil {
		return
	}
	m.scopeDepth.WithLabelValues(client).Set(float64(depth))
}

// RecordScopeViolation records a discipline violation
func (m *Metrics) RecordScopeViolation(client, reason string) {
	if m == nil {
		return
	}
	m.scopeViolations.WithLabelValues(client, reason).Inc()
}

// RecordProvision records a provisioning attempt
func (m *Metrics) RecordProvision(duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.provisionFailures.Inc()
		return
	}
	m.provisionDuration.Observe(duration.Seconds())
}

// RecordSeed records one applied seeder
func (m *Metrics) RecordSeed(seeder string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.seedDuration.WithLabelValues(seeder, statusLabel(err)).Observe(duration.Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
