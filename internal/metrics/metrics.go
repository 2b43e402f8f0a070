// Package metrics exposes backup run metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dukerupert/strongbox/internal/backup"
)

const metricsNamespace = "strongbox"

// Collector is a prometheus.Collector that records backup runs. It
// implements backup.Metrics.
type Collector struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
}

var _ backup.Metrics = (*Collector)(nil)

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backup_runs_total",
				Help:      "The number of finished backup runs.",
			}, []string{"mode", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "backup_run_duration_seconds",
				Help:      "The time taken by a backup run.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			}, []string{"mode"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "backup_stage_duration_seconds",
				Help:      "The time taken by each stage of a successful backup run.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			}, []string{"stage"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backup_retries_total",
				Help:      "The number of retried backup operations.",
			}, []string{"operation"},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "backup_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful backup run.",
			},
		),
	}
}

// ObserveRun records a finished run.
func (c *Collector) ObserveRun(mode, outcome string, d time.Duration) {
	c.runs.WithLabelValues(mode, outcome).Inc()
	c.runDuration.WithLabelValues(mode).Observe(d.Seconds())
	if outcome == "success" {
		c.lastSuccess.SetToCurrentTime()
	}
}

// ObserveStage records the duration of a completed stage.
func (c *Collector) ObserveStage(stage backup.Stage, d time.Duration) {
	c.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// IncRetry counts one retry of operation.
func (c *Collector) IncRetry(operation string) {
	c.retries.WithLabelValues(operation).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.runs.Describe(ch)
	c.runDuration.Describe(ch)
	c.stageDuration.Describe(ch)
	c.retries.Describe(ch)
	c.lastSuccess.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.runs.Collect(ch)
	c.runDuration.Collect(ch)
	c.stageDuration.Collect(ch)
	c.retries.Collect(ch)
	c.lastSuccess.Collect(ch)
}
