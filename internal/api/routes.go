// Package api provides the HTTP status API of the backup orchestrator.
package api

import (
	"net/http"

	"github.com/MacJediWizard/keldris-orchestrator/internal/api/handlers"
	"github.com/MacJediWizard/keldris-orchestrator/internal/api/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// DefaultConfig returns a Config with development defaults.
func DefaultConfig() Config {
	return Config{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given handlers.
func NewRouter(cfg Config, backups *handlers.BackupHandler, health *handlers.HealthHandler, logger zerolog.Logger) *Router {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger, "/api/v1/assets/:key/backup", "/health", "/metrics"))

	health.RegisterPublicRoutes(r.Engine)

	r.Engine.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    cfg.Version,
			"commit":     cfg.Commit,
			"build_date": cfg.BuildDate,
		})
	})

	if cfg.Gatherer != nil {
		r.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Engine.Group("/api/v1")
	backups.RegisterRoutes(v1)

	r.logger.Debug().Bool("metrics", cfg.Gatherer != nil).Msg("routes registered")
	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Engine.ServeHTTP(w, req)
}
