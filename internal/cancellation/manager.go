// Package cancellation coordinates cooperative cancellation of backup runs.
//
// A request is a flag file per asset. Running pipelines poll it between
// stages and clear it when they finish. Suspension additionally takes the
// asset's backup lock so no new run can start until it is resumed.
package cancellation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/fsutil"
	"github.com/MacJediWizard/keldris-orchestrator/internal/lock"
	"github.com/rs/zerolog"
)

const flagSuffix = ".cancelBackup"

// Manager owns cancel flags and suspension locks.
type Manager struct {
	flagDir  string
	lockOpts lock.Options
	logger   zerolog.Logger

	mu        sync.Mutex
	suspended map[string]*lock.BackupLock
}

// NewManager creates a manager writing flags to flagDir and taking backup
// locks configured by lockOpts.
func NewManager(flagDir string, lockOpts lock.Options, logger zerolog.Logger) *Manager {
	return &Manager{
		flagDir:   flagDir,
		lockOpts:  lockOpts,
		logger:    logger.With().Str("component", "cancellation").Logger(),
		suspended: make(map[string]*lock.BackupLock),
	}
}

func (m *Manager) flagPath(asset string) string {
	return filepath.Join(m.flagDir, asset+flagSuffix)
}

// Cancel sets the asset's cancel flag without blocking and reports whether
// a run currently holds the lock. With no run active the flag stays set and
// the next run stops after its first stage, then clears it.
func (m *Manager) Cancel(asset string) (bool, error) {
	running := lock.New(asset, m.lockOpts, m.logger).IsLocked()
	if err := m.setFlag(asset); err != nil {
		return false, err
	}
	m.logger.Info().Str("asset", asset).Bool("running", running).Msg("backup cancellation requested")
	return running, nil
}

// CancelRunningAndSuspend cancels any running backup and then holds the
// asset's lock so later runs fail fast until ResumeBackups is called.
func (m *Manager) CancelRunningAndSuspend(ctx context.Context, asset string, wait time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.suspended[asset]; ok {
		return nil
	}

	if err := m.setFlag(asset); err != nil {
		return err
	}

	l := lock.New(asset, m.lockOpts, m.logger)
	if err := l.Acquire(ctx, wait); err != nil {
		// The running pipeline still sees the flag and clears it on exit.
		return fmt.Errorf("suspend backups for %s: %w", asset, err)
	}

	if err := m.Cleanup(asset); err != nil {
		m.logger.Warn().Err(err).Str("asset", asset).Msg("failed to clear cancel flag after suspend")
	}
	m.suspended[asset] = l
	m.logger.Info().Str("asset", asset).Msg("backups suspended")
	return nil
}

// ResumeBackups releases a lock taken by CancelRunningAndSuspend. Resuming
// an asset that is not suspended is a no-op.
func (m *Manager) ResumeBackups(asset string) error {
	m.mu.Lock()
	l, ok := m.suspended[asset]
	delete(m.suspended, asset)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := l.Release(); err != nil {
		return fmt.Errorf("resume backups for %s: %w", asset, err)
	}
	m.logger.Info().Str("asset", asset).Msg("backups resumed")
	return nil
}

// Suspended reports whether this manager holds the asset's suspension lock.
func (m *Manager) Suspended(asset string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.suspended[asset]
	return ok
}

// IsCancelling reports whether a cancel flag is set for asset.
func (m *Manager) IsCancelling(asset string) bool {
	return fsutil.Exists(m.flagPath(asset))
}

// Cleanup clears the cancel flag. Missing flags are ignored.
func (m *Manager) Cleanup(asset string) error {
	if err := fsutil.RemoveIfExists(m.flagPath(asset)); err != nil {
		return fmt.Errorf("clear cancel flag: %w", err)
	}
	return nil
}

func (m *Manager) setFlag(asset string) error {
	if err := os.MkdirAll(m.flagDir, 0o755); err != nil {
		return fmt.Errorf("create flag directory: %w", err)
	}
	f, err := os.OpenFile(m.flagPath(asset), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return f.Close()
}
