// Package handlers contains the HTTP handlers of the status API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/backup"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// BackupManager is the per-asset view the handlers need.
type BackupManager interface {
	GetInfo(ctx context.Context) (*backup.Info, error)
	Cancel(ctx context.Context) (bool, error)
	CancelAndWaitUntilCancelled(ctx context.Context, timeout time.Duration) error
}

// ManagerProvider returns the backup manager of an asset.
type ManagerProvider interface {
	Exists(assetKey string) bool
	Manager(assetKey string) (BackupManager, error)
}

// SnapshotStatusReader reads durable snapshot status records.
type SnapshotStatusReader interface {
	Get(asset string) (status.SnapshotStatus, error)
}

// Suspender holds assets' backup locks so no new run can start.
type Suspender interface {
	CancelRunningAndSuspend(ctx context.Context, asset string, wait time.Duration) error
	ResumeBackups(asset string) error
	Suspended(asset string) bool
}

// BackupHandler serves backup status and cancellation.
type BackupHandler struct {
	managers    ManagerProvider
	snapshots   SnapshotStatusReader
	suspender   Suspender
	waitTimeout time.Duration
	logger      zerolog.Logger
}

// NewBackupHandler creates a new BackupHandler. waitTimeout bounds
// cancel requests made with ?wait=true.
func NewBackupHandler(managers ManagerProvider, snapshots SnapshotStatusReader, waitTimeout time.Duration, logger zerolog.Logger) *BackupHandler {
	return &BackupHandler{
		managers:    managers,
		snapshots:   snapshots,
		waitTimeout: waitTimeout,
		logger:      logger.With().Str("component", "backup_handler").Logger(),
	}
}

// RegisterRoutes registers backup routes on the given router group.
func (h *BackupHandler) RegisterRoutes(r *gin.RouterGroup) {
	assets := r.Group("/assets/:key")
	{
		assets.GET("/backup", h.Info)
		assets.GET("/snapshot-status", h.SnapshotStatus)
		assets.POST("/backup/cancel", h.Cancel)
		if h.suspender != nil {
			assets.POST("/backup/suspend", h.Suspend)
			assets.POST("/backup/resume", h.Resume)
		}
	}
}

// WithSuspender enables the suspend and resume routes.
func (h *BackupHandler) WithSuspender(s Suspender) *BackupHandler {
	h.suspender = s
	return h
}

// CancelResponse is the response of a cancel request.
type CancelResponse struct {
	AssetKey string `json:"asset_key"`
	Running  bool   `json:"running"`
	Waited   bool   `json:"waited"`
}

// Info returns the queue, live status and last snapshot of an asset.
// GET /api/v1/assets/:key/backup
func (h *BackupHandler) Info(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}

	info, err := m.GetInfo(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Str("asset", c.Param("key")).Msg("failed to get backup info")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get backup info"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// SnapshotStatus returns the durable snapshot status of an asset.
// GET /api/v1/assets/:key/snapshot-status
func (h *BackupHandler) SnapshotStatus(c *gin.Context) {
	key := c.Param("key")
	if !h.managers.Exists(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
		return
	}

	st, err := h.snapshots.Get(key)
	if err != nil {
		h.logger.Error().Err(err).Str("asset", key).Msg("failed to read snapshot status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read snapshot status"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Cancel requests cancellation of the asset's running backup. With
// ?wait=true it blocks until the run has released its lock.
// POST /api/v1/assets/:key/backup/cancel
func (h *BackupHandler) Cancel(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	key := c.Param("key")

	if c.Query("wait") == "true" {
		err := m.CancelAndWaitUntilCancelled(c.Request.Context(), h.waitTimeout)
		switch {
		case errors.Is(err, backup.ErrCancelTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "backup did not cancel in time"})
			return
		case err != nil:
			h.logger.Error().Err(err).Str("asset", key).Msg("failed to cancel backup")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel backup"})
			return
		}
		c.JSON(http.StatusOK, CancelResponse{AssetKey: key, Waited: true})
		return
	}

	running, err := m.Cancel(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Str("asset", key).Msg("failed to cancel backup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel backup"})
		return
	}

	h.logger.Info().Str("asset", key).Bool("running", running).Msg("backup cancel requested")
	c.JSON(http.StatusAccepted, CancelResponse{AssetKey: key, Running: running})
}

// SuspendResponse reports an asset's suspension state.
type SuspendResponse struct {
	AssetKey  string `json:"asset_key"`
	Suspended bool   `json:"suspended"`
}

// Suspend cancels any running backup and blocks new runs until resumed.
// POST /api/v1/assets/:key/backup/suspend
func (h *BackupHandler) Suspend(c *gin.Context) {
	key := c.Param("key")
	if !h.managers.Exists(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
		return
	}

	if err := h.suspender.CancelRunningAndSuspend(c.Request.Context(), key, h.waitTimeout); err != nil {
		h.logger.Error().Err(err).Str("asset", key).Msg("failed to suspend backups")
		c.JSON(http.StatusConflict, gin.H{"error": "failed to suspend backups"})
		return
	}
	c.JSON(http.StatusOK, SuspendResponse{AssetKey: key, Suspended: true})
}

// Resume lifts a suspension.
// POST /api/v1/assets/:key/backup/resume
func (h *BackupHandler) Resume(c *gin.Context) {
	key := c.Param("key")
	if err := h.suspender.ResumeBackups(key); err != nil {
		h.logger.Error().Err(err).Str("asset", key).Msg("failed to resume backups")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume backups"})
		return
	}
	c.JSON(http.StatusOK, SuspendResponse{AssetKey: key, Suspended: h.suspender.Suspended(key)})
}

func (h *BackupHandler) manager(c *gin.Context) (BackupManager, bool) {
	key := c.Param("key")
	if !h.managers.Exists(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
		return nil, false
	}

	m, err := h.managers.Manager(key)
	if err != nil {
		h.logger.Error().Err(err).Str("asset", key).Msg("failed to create backup manager")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load backup manager"})
		return nil, false
	}
	return m, true
}
