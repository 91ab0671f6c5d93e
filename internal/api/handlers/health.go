package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/health"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of the appliance.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status  HealthStatus        `json:"status"`
	Metrics *health.HostMetrics `json:"metrics,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// HostHealth reports host resource usage and whether backups may start.
type HostHealth interface {
	Collect(ctx context.Context) (*health.HostMetrics, error)
	AssertOperational(ctx context.Context) error
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	host   HostHealth
	logger zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(host HostHealth, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		host:   host,
		logger: logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health check routes.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Overall)
}

// Overall returns the appliance health. A host below its resource floors
// is degraded: the API still works but backups will not start.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	metrics, err := h.host.Collect(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to collect host metrics")
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: HealthStatusUnhealthy, Error: "failed to collect host metrics"})
		return
	}

	resp := HealthResponse{Status: HealthStatusHealthy, Metrics: metrics}
	if err := h.host.AssertOperational(ctx); err != nil {
		if !errors.Is(err, health.ErrHostNotOperational) {
			c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: HealthStatusUnhealthy, Error: err.Error()})
			return
		}
		resp.Status = HealthStatusDegraded
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
