package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/backup"
	"github.com/MacJediWizard/keldris-orchestrator/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_RunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	ctx := context.Background()

	m.Dispatch(ctx, backup.Event{Type: backup.EventStarted, AssetKey: "agent1", Variant: "windows-native"})
	m.Dispatch(ctx, backup.Event{Type: backup.EventStarted, AssetKey: "agent2", Variant: "windows-native"})

	if val := getCounterValue(t, m.RunsStarted, "windows-native"); val != 2 {
		t.Errorf("expected 2 started, got %f", val)
	}
	if val := getGaugeValue(t, m.RunsActive); val != 2 {
		t.Errorf("expected 2 active, got %f", val)
	}

	m.Dispatch(ctx, backup.Event{
		Type: backup.EventCompleted, AssetKey: "agent1", Variant: "windows-native",
		Outcome: pipeline.Succeeded, Duration: 90 * time.Second,
	})
	m.Dispatch(ctx, backup.Event{
		Type: backup.EventCompleted, AssetKey: "agent2", Variant: "windows-native",
		Outcome: pipeline.Failed, ErrorCode: "BKP0999", Duration: 30 * time.Second,
	})

	if val := getCounterValue(t, m.RunsCompleted, "windows-native", "succeeded"); val != 1 {
		t.Errorf("expected 1 succeeded, got %f", val)
	}
	if val := getCounterValue(t, m.RunsCompleted, "windows-native", "failed"); val != 1 {
		t.Errorf("expected 1 failed, got %f", val)
	}
	count, sum := getHistogramValues(t, m.RunDuration, "windows-native")
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
	if sum != 120 {
		t.Errorf("expected sum 120, got %f", sum)
	}
	if val := getGaugeValue(t, m.RunsActive); val != 0 {
		t.Errorf("expected 0 active, got %f", val)
	}
}

func TestPrometheus_VariantsTrackedSeparately(t *testing.T) {
	m, err := NewPrometheusMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.Dispatch(context.Background(), backup.Event{Type: backup.EventStarted, Variant: "linux"})

	if val := getCounterValue(t, m.RunsStarted, "mac"); val != 0 {
		t.Errorf("expected 0 for mac, got %f", val)
	}
	if val := getCounterValue(t, m.RunsStarted, "linux"); val != 1 {
		t.Errorf("expected 1 for linux, got %f", val)
	}
}

func TestPrometheus_Registration(t *testing.T) {
	t.Run("creates metrics successfully", func(t *testing.T) {
		m, err := NewPrometheusMetrics(prometheus.NewRegistry())
		if err != nil {
			t.Fatalf("failed to create metrics: %v", err)
		}
		if m.RunsStarted == nil || m.RunsCompleted == nil || m.RunDuration == nil || m.RunsActive == nil {
			t.Error("all collectors should be set")
		}
	})

	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if _, err := NewPrometheusMetrics(reg); err != nil {
			t.Fatalf("first registration failed: %v", err)
		}
		if _, err := NewPrometheusMetrics(reg); err == nil {
			t.Fatal("expected error on duplicate registration")
		}
	})
}

// Helper functions for extracting Prometheus metric values.

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	var m dto.Metric
	if err := hist.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
