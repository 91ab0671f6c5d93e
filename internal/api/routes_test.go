package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/api/handlers"
	"github.com/MacJediWizard/keldris-orchestrator/internal/backup"
	"github.com/MacJediWizard/keldris-orchestrator/internal/health"
	"github.com/MacJediWizard/keldris-orchestrator/internal/metrics"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type noAssets struct{}

func (noAssets) Exists(string) bool { return false }
func (noAssets) Manager(string) (handlers.BackupManager, error) {
	return nil, nil
}

type noSnapshots struct{}

func (noSnapshots) Get(string) (status.SnapshotStatus, error) {
	return status.SnapshotStatus{State: status.SnapshotNoStatus}, nil
}

type okHost struct{}

func (okHost) Collect(context.Context) (*health.HostMetrics, error) {
	return &health.HostMetrics{}, nil
}
func (okHost) AssertOperational(context.Context) error { return nil }

func newTestRouter(t *testing.T, gatherer prometheus.Gatherer) *Router {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.Gatherer = gatherer
	return NewRouter(cfg,
		handlers.NewBackupHandler(noAssets{}, noSnapshots{}, time.Second, zerolog.Nop()),
		handlers.NewHealthHandler(okHost{}, zerolog.Nop()),
		zerolog.Nop(),
	)
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.Dispatch(context.Background(), backup.Event{Type: backup.EventStarted, Variant: "linux"})

	r := newTestRouter(t, reg)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"health", "/health", http.StatusOK, `"status":"healthy"`},
		{"version", "/version", http.StatusOK, `"version":"dev"`},
		{"metrics", "/metrics", http.StatusOK, `keldris_backup_runs_started_total{variant="linux"} 1`},
		{"unknown asset", "/api/v1/assets/agent1/backup", http.StatusNotFound, "asset not found"},
		{"unknown route", "/api/v2/nothing", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, tt.path)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("expected body to contain %q, got %s", tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestRouter_MetricsDisabled(t *testing.T) {
	r := newTestRouter(t, nil)
	if w := get(r, "/metrics"); w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}
