// Package metrics provides Prometheus metrics for the pipeline daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// PipelineMetrics collects and exposes pipeline-related Prometheus metrics.
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Run metrics
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	RunInFlight   prometheus.Gauge
	TriggersTotal *prometheus.CounterVec

	// Stage metrics
	StagesTotal   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Allocation metrics
	BetsRecommended     prometheus.Histogram
	TotalStaked         prometheus.Histogram
	BankrollUtilization prometheus.Gauge
}

// NewPipelineMetrics creates a pipeline metrics collector with its own
// registry.
func NewPipelineMetrics() *PipelineMetrics {
	registry := prometheus.NewRegistry()

	m := &PipelineMetrics{
		registry: registry,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linedrive_runs_total",
				Help: "Total pipeline runs by terminal status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linedrive_run_duration_seconds",
				Help:    "End-to-end pipeline run duration",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
			},
			[]string{"status"},
		),
		RunInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "linedrive_run_in_flight",
				Help: "1 while a pipeline run is executing",
			},
		),
		TriggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linedrive_triggers_total",
				Help: "Trigger requests by outcome",
			},
			[]string{"outcome"}, // accepted, rejected, invalid
		),

		StagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linedrive_stages_total",
				Help: "Stage invocations by stage and terminal status",
			},
			[]string{"stage", "status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linedrive_stage_duration_seconds",
				Help:    "Wall-clock time per stage invocation",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~13m
			},
			[]string{"stage"},
		),

		BetsRecommended: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "linedrive_bets_recommended",
				Help:    "Positive-stake decisions per completed run",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 12, 16},
			},
		),
		TotalStaked: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "linedrive_total_staked_usd",
				Help:    "Total capital committed per completed run",
				Buckets: []float64{0, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
		),
		BankrollUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "linedrive_bankroll_utilization_percent",
				Help: "Staked share of bankroll for the latest completed run",
			},
		),
	}

	registry.MustRegister(
		m.RunsTotal, m.RunDuration, m.RunInFlight, m.TriggersTotal,
		m.StagesTotal, m.StageDuration,
		m.BetsRecommended, m.TotalStaked, m.BankrollUtilization,
	)

	return m
}

// Registry returns the private registry for the promhttp handler.
func (m *PipelineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTrigger counts a trigger request outcome.
func (m *PipelineMetrics) RecordTrigger(outcome string) {
	m.TriggersTotal.WithLabelValues(outcome).Inc()
}

// RecordStage records one terminal stage result.
func (m *PipelineMetrics) RecordStage(name, status string, elapsed time.Duration) {
	m.StagesTotal.WithLabelValues(name, status).Inc()
	m.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// RecordRunFinished records a terminal run.
func (m *PipelineMetrics) RecordRunFinished(status string, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	m.RunInFlight.Set(0)
}

// RecordRunStarted marks a run in flight.
func (m *PipelineMetrics) RecordRunStarted() {
	m.RunInFlight.Set(1)
}

// RecordAllocation records a completed run's allocation summary.
func (m *PipelineMetrics) RecordAllocation(bets int, totalStaked, utilizationPct decimal.Decimal) {
	m.BetsRecommended.Observe(float64(bets))
	m.TotalStaked.Observe(totalStaked.InexactFloat64())
	m.BankrollUtilization.Set(utilizationPct.InexactFloat64())
}
