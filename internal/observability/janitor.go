package observability

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JanitorMetrics holds the collectors of the cleanup scheduler.
// A nil *JanitorMetrics is valid and records nothing.
type JanitorMetrics struct {
	sweepsTotal      *prometheus.CounterVec
	databasesDropped prometheus.Counter
	dropFailures     prometheus.Counter
	sweepDuration    prometheus.Histogram
	lastSweep        prometheus.Gauge
}

// NewJanitorMetrics creates the collectors and registers them on reg
func NewJanitorMetrics(reg prometheus.Registerer) *JanitorMetrics {
	factory := promauto.With(reg)

	return &JanitorMetrics{
		sweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtest_janitor_sweeps_total",
				Help: "Total number of cleanup passes",
			},
			[]string{"status"},
		),
		databasesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pgtest_janitor_databases_dropped_total",
				Help: "Total number of leftover databases dropped",
			},
		),
		dropFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pgtest_janitor_drop_failures_total",
				Help: "Total number of leftover databases that could not be dropped",
			},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pgtest_janitor_sweep_duration_seconds",
				Help:    "Duration of cleanup passes in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		lastSweep: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgtest_janitor_last_sweep_timestamp_seconds",
				Help: "Unix time of the last completed cleanup pass",
			},
		),
	}
}

// RecordSweep records one cleanup pass
func (m *JanitorMetrics) RecordSweep(dropped, failed int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.sweepsTotal.WithLabelValues(statusLabel(err)).Inc()
	m.databasesDropped.Add(float64(dropped))
	m.dropFailures.Add(float64(failed))
	m.sweepDuration.Observe(duration.Seconds())
	m.lastSweep.SetToCurrentTime()
}

// Handler returns a Fiber handler that exposes the metrics of gatherer
func Handler(gatherer prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
