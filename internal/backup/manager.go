// Package backup orchestrates backup runs: it composes the per-variant stage
// pipeline, owns the run context and sequences the lock, status, alert and
// event side effects around each run.
package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/agent"
	"github.com/MacJediWizard/keldris-orchestrator/internal/cancellation"
	"github.com/MacJediWizard/keldris-orchestrator/internal/config"
	"github.com/MacJediWizard/keldris-orchestrator/internal/lock"
	"github.com/MacJediWizard/keldris-orchestrator/internal/logs"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/MacJediWizard/keldris-orchestrator/internal/pipeline"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

// AssetStore loads and saves asset configuration.
type AssetStore interface {
	Get(key string) (*models.Asset, error)
	Save(a *models.Asset) error
}

// AlertStore records user-facing alerts.
type AlertStore interface {
	RaiseAlert(ctx context.Context, alert *models.Alert) error
	ClearAlerts(ctx context.Context, assetKey string, codes ...string) (int, error)
}

// RequestQueue is the durable queue of pending backup requests.
type RequestQueue interface {
	IsBackupQueued(ctx context.Context, assetKey string) (bool, error)
	DequeueBackup(ctx context.Context, assetKey string) error
}

// HealthChecker asserts the appliance can run backups.
type HealthChecker interface {
	AssertOperational(ctx context.Context) error
}

// CommandSender delivers commands to direct-to-cloud agents.
type CommandSender interface {
	SendCommand(ctx context.Context, assetKey, command string) error
}

// ManagerDeps holds everything a Manager needs. Commands may be nil when no
// cloud command service is configured; everything else is required.
type ManagerDeps struct {
	Config         *config.OrchestratorConfig
	Factory        *Factory
	Assets         AssetStore
	SnapshotStatus *status.SnapshotStatusService
	Cancellation   *cancellation.Manager
	Alerts         AlertStore
	Queue          RequestQueue
	Events         EventDispatcher
	Health         HealthChecker
	Commands       CommandSender
	Resumable      *ResumableTracker
	Translator     *ErrorTranslator
	Clock          clock.Clock
	Logger         zerolog.Logger
}

func (d ManagerDeps) validate() error {
	required := []struct {
		name string
		set  bool
	}{
		{"config", d.Config != nil},
		{"factory", d.Factory != nil},
		{"assets", d.Assets != nil},
		{"snapshot status", d.SnapshotStatus != nil},
		{"cancellation", d.Cancellation != nil},
		{"alerts", d.Alerts != nil},
		{"queue", d.Queue != nil},
		{"events", d.Events != nil},
		{"health", d.Health != nil},
		{"resumable", d.Resumable != nil},
		{"translator", d.Translator != nil},
		{"clock", d.Clock != nil},
	}
	var errs []error
	for _, r := range required {
		if !r.set {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	return errors.Join(errs...)
}

// Manager starts, cancels and reports on backups of one asset.
type Manager struct {
	assetKey string
	deps     ManagerDeps
	logger   zerolog.Logger
}

// NewManager returns the manager for assetKey.
func NewManager(assetKey string, deps ManagerDeps) (*Manager, error) {
	if assetKey == "" {
		return nil, errors.New("asset key is required")
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid manager dependencies: %w", err)
	}
	return &Manager{
		assetKey: assetKey,
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "backup_manager").Str("asset", assetKey).Logger(),
	}, nil
}

// Info is a point-in-time view of an asset's backups.
type Info struct {
	AssetKey string                `json:"asset_key"`
	Queued   bool                  `json:"queued"`
	Running  bool                  `json:"running"`
	Status   *status.BackupStatus  `json:"status"`
	Snapshot status.SnapshotStatus `json:"snapshot"`
}

// Start runs a backup. A failed or cancelled run returns its Result together
// with a *TranslatedError.
func (m *Manager) Start(ctx context.Context, forced bool, metadata map[string]string) (pipeline.Result, error) {
	asset, err := m.deps.Assets.Get(m.assetKey)
	if err != nil {
		m.abandon(ctx, true)
		return pipeline.Result{Outcome: pipeline.Failed, Err: err}, fmt.Errorf("load asset: %w", err)
	}
	if asset.Paused && !forced {
		m.logger.Info().Msg("backups are paused, skipping scheduled run")
		m.abandon(ctx, true)
		return pipeline.Result{Outcome: pipeline.Failed, Err: ErrAssetPaused}, m.deps.Translator.Translate(ErrAssetPaused, GroupAny)
	}

	if err := m.deps.Health.AssertOperational(ctx); err != nil {
		te := m.deps.Translator.Translate(err, GroupAny)
		m.logger.Error().Err(err).Str("code", te.Code).Msg("host is not operational, backup not started")
		m.raise(ctx, te.Code, models.AlertSeverityError, te.Message)
		m.abandon(ctx, true)
		return pipeline.Result{Outcome: pipeline.Failed, Err: err}, te
	}

	params := RunParams{Forced: forced, Metadata: metadata}
	if asset.PlatformMismatch() {
		m.repairPlatform(asset, &params)
	}

	variant, err := asset.Variant()
	if err != nil {
		m.abandon(ctx, true)
		return pipeline.Result{Outcome: pipeline.Failed, Err: err}, err
	}
	started := m.deps.Clock.Now()
	m.deps.Events.Dispatch(ctx, Event{
		Type:     EventStarted,
		AssetKey: m.assetKey,
		Variant:  variant.String(),
		Forced:   forced,
		Started:  started,
	})

	rc, p, err := m.deps.Factory.Build(asset, params)
	if err != nil {
		m.abandon(ctx, true)
		m.completed(ctx, variant, forced, started, pipeline.Result{Outcome: pipeline.Failed, Err: err}, CodeUnknown)
		return pipeline.Result{Outcome: pipeline.Failed, Err: err}, fmt.Errorf("build pipeline: %w", err)
	}

	res := p.Commit(ctx, rc)
	return res, m.finish(ctx, rc, res, forced, started)
}

// abandon drops the pending request of a run that ended without taking the
// lock, so the next trigger is not skipped as already queued. With
// closeQueued a QUEUED snapshot record is closed as QUEUE_FAILED; records
// in any other state belong to another run and are left alone.
func (m *Manager) abandon(ctx context.Context, closeQueued bool) {
	if err := m.deps.Queue.DequeueBackup(ctx, m.assetKey); err != nil {
		m.logger.Warn().Err(err).Msg("failed to dequeue backup request")
	}
	if !closeQueued {
		return
	}
	st, err := m.deps.SnapshotStatus.Get(m.assetKey)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to read snapshot status")
		return
	}
	if st.State != status.SnapshotQueued {
		return
	}
	if _, err := m.deps.SnapshotStatus.MarkQueueFailed(m.assetKey); err != nil {
		m.logger.Error().Err(err).Msg("failed to write snapshot status")
	}
}

// PrepareBackup runs the direct-to-cloud prepare pipeline, which stages
// volumes that the agent uploads out-of-band.
func (m *Manager) PrepareBackup(ctx context.Context, metadata map[string]string) (pipeline.Result, error) {
	asset, err := m.deps.Assets.Get(m.assetKey)
	if err != nil {
		return pipeline.Result{Outcome: pipeline.Failed, Err: err}, fmt.Errorf("load asset: %w", err)
	}
	if err := m.deps.Health.AssertOperational(ctx); err != nil {
		te := m.deps.Translator.Translate(err, GroupDTC)
		return pipeline.Result{Outcome: pipeline.Failed, Err: err}, te
	}

	rc, p, err := m.deps.Factory.BuildPrepare(asset, RunParams{Forced: true, Metadata: metadata})
	if err != nil {
		return pipeline.Result{Outcome: pipeline.Failed, Err: err}, err
	}

	started := m.deps.Clock.Now()
	m.deps.Events.Dispatch(ctx, Event{
		Type:     EventStarted,
		AssetKey: m.assetKey,
		Variant:  rc.Variant().String(),
		Forced:   true,
		Started:  started,
	})

	res := p.Commit(ctx, rc)
	return res, m.finish(ctx, rc, res, true, started)
}

// repairPlatform switches a Windows agent that already runs the native
// driver off ShadowSnap and inhibits rollback for this run, since rolling
// back an incomplete ShadowSnap snapshot would undo the switch.
func (m *Manager) repairPlatform(asset *models.Asset, params *RunParams) {
	m.logger.Info().
		Str("configured", string(asset.Platform)).
		Str("reported", string(asset.ReportedPlatform)).
		Msg("repairing agent platform mismatch")

	asset.Platform = models.PlatformWindowsNative
	if err := m.deps.Assets.Save(asset); err != nil {
		m.logger.Warn().Err(err).Msg("failed to save repaired platform")
	}
	params.InhibitRollback = true
}

// finish performs the run-completion side effects. Status clear and lock
// release always run; durable status and alerts depend on the outcome.
func (m *Manager) finish(ctx context.Context, rc *RunContext, res pipeline.Result, forced bool, started time.Time) error {
	var code string
	defer func() {
		m.completed(ctx, rc.Variant(), forced, started, res, code)
		if rc.LockAcquired() {
			if err := rc.status.Clear(); err != nil {
				m.logger.Warn().Err(err).Msg("failed to clear backup status")
			}
			if err := rc.Lock().Release(); err != nil {
				m.logger.Warn().Err(err).Msg("failed to release backup lock")
			}
		}
	}()

	if rc.LockAcquired() {
		if err := m.deps.Queue.DequeueBackup(ctx, m.assetKey); err != nil {
			m.logger.Warn().Err(err).Msg("failed to dequeue backup request")
		}
		if rc.Mode() == ModeBackup {
			m.writeSnapshotStatus(rc, res)
		}
	} else if rc.Mode() == ModeBackup {
		// The lock holder owns the snapshot record.
		m.abandon(ctx, false)
	}

	if res.OK() {
		m.succeeded(ctx, rc)
		return nil
	}

	te := m.failed(ctx, rc, res)
	code = te.Code
	return te
}

func (m *Manager) writeSnapshotStatus(rc *RunContext, res pipeline.Result) {
	var err error
	if res.OK() {
		_, err = m.deps.SnapshotStatus.MarkComplete(m.assetKey, rc.SnapshotEpochPtr())
	} else {
		_, err = m.deps.SnapshotStatus.MarkFailed(m.assetKey, rc.SnapshotEpochPtr())
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to write snapshot status")
	}
}

func (m *Manager) succeeded(ctx context.Context, rc *RunContext) {
	log := rc.Logger()
	log.Info().
		Int64("snapshot", rc.SnapshotEpoch()).
		Int64("bytes", rc.BytesTransferred()).
		Msg("backup completed")

	if _, err := m.deps.Alerts.ClearAlerts(ctx, m.assetKey, StaleAlertCodes...); err != nil {
		log.Warn().Err(err).Msg("failed to clear stale alerts")
	}
	if err := m.deps.Resumable.Clear(ctx, m.assetKey); err != nil {
		log.Warn().Err(err).Msg("failed to clear resumable failure state")
	}

	v := rc.Verification()
	if v.RansomwareDetected {
		m.raise(ctx, CodeRansomwareDetected, models.AlertSeverityCritical, "Possible ransomware activity detected in the latest snapshot")
	}
	if len(v.MissingVolumes) > 0 {
		m.raise(ctx, CodeMissingVolumes, models.AlertSeverityWarning,
			"Included volumes missing from the latest snapshot: "+strings.Join(v.MissingVolumes, ", "))
	}
	if len(v.FilesystemErrors) > 0 {
		m.raise(ctx, CodeFilesystemErrors, models.AlertSeverityWarning,
			"Filesystem errors found on: "+strings.Join(v.FilesystemErrors, ", "))
	}

	m.recordAttempt(rc, "")
}

func (m *Manager) failed(ctx context.Context, rc *RunContext, res pipeline.Result) *TranslatedError {
	log := rc.Logger()
	te := m.deps.Translator.Translate(res.Err, GroupFor(rc.Variant()))

	switch {
	case errors.Is(res.Err, lock.ErrLockTimeout):
		log.Warn().Str("code", te.Code).Msg("backup not started, another run holds the lock")
		return te
	case res.Outcome == pipeline.Cancelled:
		log.Info().Str("code", te.Code).Msg("backup cancelled")
		m.recordAttempt(rc, te.Error())
		return te
	}

	ev := log.Error()
	if rc.Variant().Agentless() {
		ev = logs.Critical(*log)
	}
	ev.Err(res.Err).Str("code", te.Code).Strs("rolled_back", res.RolledBack).Msg("backup failed")

	severity := models.AlertSeverityError
	var transportErr *agent.TransportError
	if errors.As(res.Err, &transportErr) && transportErr.Retryable() {
		d, err := m.deps.Resumable.RecordFailure(ctx, rc.Asset())
		if err != nil {
			log.Warn().Err(err).Msg("failed to record resumable failure")
		} else if d.Resumable {
			severity = models.AlertSeverityWarning
		} else if d.Notify {
			m.raise(ctx, CodeResumableExhausted, models.AlertSeverityError,
				fmt.Sprintf("Backup failed %d times in a row and will no longer resume automatically", d.Retries))
		}
	}
	m.raise(ctx, te.Code, severity, te.Message)

	if res.RollbackIncomplete() {
		stages := make([]string, 0, len(res.RollbackErrors))
		for _, re := range res.RollbackErrors {
			stages = append(stages, re.Stage)
		}
		m.raise(ctx, CodeRollbackIncomplete, models.AlertSeverityCritical,
			"Cleanup after the failed backup did not complete: "+strings.Join(stages, ", "))
	}

	m.recordAttempt(rc, te.Error())
	return te
}

func (m *Manager) recordAttempt(rc *RunContext, errMsg string) {
	asset, err := m.deps.Assets.Get(m.assetKey)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to reload asset")
		return
	}
	at := rc.StartTime()
	asset.LastBackupAttempt = &at
	asset.LastBackupError = errMsg
	if rc.HasSnapshot() {
		asset.LastSnapshotEpoch = rc.SnapshotEpoch()
	}
	if err := m.deps.Assets.Save(asset); err != nil {
		m.logger.Warn().Err(err).Msg("failed to record backup attempt")
	}
}

func (m *Manager) completed(ctx context.Context, variant models.Variant, forced bool, started time.Time, res pipeline.Result, code string) {
	m.deps.Events.Dispatch(ctx, Event{
		Type:      EventCompleted,
		AssetKey:  m.assetKey,
		Variant:   variant.String(),
		Forced:    forced,
		Outcome:   res.Outcome,
		ErrorCode: code,
		Started:   started,
		Duration:  m.deps.Clock.Now().Sub(started),
	})
}

func (m *Manager) raise(ctx context.Context, code string, severity models.AlertSeverity, msg string) {
	alert := models.NewAlert(m.assetKey, code, severity, msg)
	if err := m.deps.Alerts.RaiseAlert(ctx, alert); err != nil {
		m.logger.Warn().Err(err).Str("code", code).Msg("failed to raise alert")
	}
}

// Cancel requests cancellation and reports whether a run was active.
// Direct-to-cloud agents run remotely and are also sent a kill command.
func (m *Manager) Cancel(ctx context.Context) (bool, error) {
	var errs []error

	asset, err := m.deps.Assets.Get(m.assetKey)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to load asset for cancel")
	} else if asset.IsDirectToCloud() {
		if m.deps.Commands == nil {
			errs = append(errs, errors.New("no command service configured for direct-to-cloud cancel"))
		} else if err := m.deps.Commands.SendCommand(ctx, m.assetKey, agent.CommandKill); err != nil {
			errs = append(errs, fmt.Errorf("send kill command: %w", err))
		}
	}

	running, err := m.deps.Cancellation.Cancel(m.assetKey)
	if err != nil {
		errs = append(errs, err)
	}
	return running, errors.Join(errs...)
}

var errStillRunning = errors.New("backup still running")

// CancelAndWaitUntilCancelled cancels the running backup and polls until its
// lock is released, failing with ErrCancelTimeout after timeout.
func (m *Manager) CancelAndWaitUntilCancelled(ctx context.Context, timeout time.Duration) error {
	running, err := m.Cancel(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	err = retry.Call(retry.CallArgs{
		Func: func() error {
			if m.IsRunning() {
				return errStillRunning
			}
			return nil
		},
		IsFatalError: func(err error) bool { return !errors.Is(err, errStillRunning) },
		Delay:        m.deps.Config.LockPollInterval,
		MaxDuration:  timeout,
		Clock:        m.deps.Clock,
		Stop:         ctx.Done(),
	})
	switch {
	case err == nil:
		m.logger.Info().Msg("backup cancelled")
		return nil
	case retry.IsRetryStopped(err):
		return ctx.Err()
	case errors.Is(err, errStillRunning), retry.IsDurationExceeded(err), retry.IsAttemptsExceeded(err):
		logs.Critical(m.logger).Dur("timeout", timeout).Msg("backup did not cancel in time")
		return fmt.Errorf("%w: %s after %s", ErrCancelTimeout, m.assetKey, timeout)
	default:
		return err
	}
}

// IsRunning reports whether any process holds the asset's backup lock.
func (m *Manager) IsRunning() bool {
	return m.deps.Factory.NewLock(m.assetKey).IsLocked()
}

// GetInfo combines the request queue, the live status and the last outcome.
func (m *Manager) GetInfo(ctx context.Context) (*Info, error) {
	queued, err := m.deps.Queue.IsBackupQueued(ctx, m.assetKey)
	if err != nil {
		return nil, fmt.Errorf("check backup queue: %w", err)
	}

	lk := m.deps.Factory.NewLock(m.assetKey)
	st, err := m.deps.Factory.NewStatus(m.assetKey, lk).Get(true)
	if err != nil {
		return nil, fmt.Errorf("read backup status: %w", err)
	}

	snap, err := m.deps.SnapshotStatus.Get(m.assetKey)
	if err != nil {
		return nil, fmt.Errorf("read snapshot status: %w", err)
	}

	return &Info{
		AssetKey: m.assetKey,
		Queued:   queued,
		Running:  lk.IsLocked(),
		Status:   st,
		Snapshot: snap,
	}, nil
}
