// Package metrics exposes Prometheus metrics for backup runs.
package metrics

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/keldris-orchestrator/internal/backup"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics records backup lifecycle events as Prometheus metrics.
// It implements backup.EventDispatcher.
type PrometheusMetrics struct {
	RunsStarted   *prometheus.CounterVec
	RunsCompleted *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	RunsActive    prometheus.Gauge
}

// NewPrometheusMetrics creates the backup metrics and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keldris_backup_runs_started_total",
			Help: "Total number of backup runs started",
		}, []string{"variant"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keldris_backup_runs_completed_total",
			Help: "Total number of backup runs completed by outcome",
		}, []string{"variant", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keldris_backup_run_duration_seconds",
			Help:    "Histogram of backup run duration in seconds",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		}, []string{"variant"}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keldris_backup_runs_active",
			Help: "Number of backup runs in progress in this process",
		}),
	}

	for _, c := range []prometheus.Collector{m.RunsStarted, m.RunsCompleted, m.RunDuration, m.RunsActive} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Dispatch updates the metrics for one lifecycle event.
func (m *PrometheusMetrics) Dispatch(_ context.Context, e backup.Event) {
	switch e.Type {
	case backup.EventStarted:
		m.RunsStarted.WithLabelValues(e.Variant).Inc()
		m.RunsActive.Inc()
	case backup.EventCompleted:
		m.RunsCompleted.WithLabelValues(e.Variant, string(e.Outcome)).Inc()
		m.RunDuration.WithLabelValues(e.Variant).Observe(e.Duration.Seconds())
		m.RunsActive.Dec()
	}
}
