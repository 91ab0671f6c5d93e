package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MacJediWizard/keldris-orchestrator/internal/agent"
	"github.com/MacJediWizard/keldris-orchestrator/internal/api/handlers"
	"github.com/MacJediWizard/keldris-orchestrator/internal/assets"
	"github.com/MacJediWizard/keldris-orchestrator/internal/backup"
	"github.com/MacJediWizard/keldris-orchestrator/internal/cancellation"
	"github.com/MacJediWizard/keldris-orchestrator/internal/config"
	"github.com/MacJediWizard/keldris-orchestrator/internal/health"
	"github.com/MacJediWizard/keldris-orchestrator/internal/hooks"
	"github.com/MacJediWizard/keldris-orchestrator/internal/logs"
	"github.com/MacJediWizard/keldris-orchestrator/internal/metrics"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/MacJediWizard/keldris-orchestrator/internal/storage"
	"github.com/MacJediWizard/keldris-orchestrator/internal/store"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// app holds the services shared by every command.
type app struct {
	cfg        *config.OrchestratorConfig
	configPath string
	logger     zerolog.Logger
	logCloser  io.Closer

	store     *store.SQLiteStore
	assets    *assets.Repository
	snapshots *status.SnapshotStatusService
	cancel    *cancellation.Manager
	factory   *backup.Factory
	health    *health.HostChecker
	resumable *backup.ResumableTracker
	commands  backup.CommandSender
	events    backup.MultiDispatcher
	registry  *prometheus.Registry
}

type appOptions struct {
	// quiet drops console logging, for detached workers.
	quiet bool
	// metrics registers Prometheus collectors and dispatches events to them.
	metrics bool
}

func newApp(configPath string, opts appOptions) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logCfg := cfg.Log
	if opts.quiet {
		logCfg.Console = false
	}
	logger, closer, err := logs.New(logCfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		logCloser:  closer,
		assets:     assets.NewRepository(cfg.AssetDir(), assets.NewCache(), logger),
		snapshots:  status.NewSnapshotStatusService(cfg.SnapshotStatusDir(), clock.WallClock, logger),
		health:     health.NewHostChecker(cfg.DataDir, cfg.Health, logger),
		resumable: backup.NewResumableTracker(cfg.ResumableStatePath(), cfg.ResumableMaxRetries,
			cfg.ResumableNotificationInterval, clock.WallClock, logger),
		events: backup.MultiDispatcher{backup.NewLogDispatcher(logger)},
	}

	a.store, err = store.NewSQLiteStore(cfg.DatabaseDir(), logger)
	if err != nil {
		closer.Close()
		return nil, err
	}

	if cfg.Cloud.CommandURL != "" {
		a.commands = agent.NewClient(cfg.Cloud.CommandURL, cfg.Cloud.APIKey, cfg.Cloud.Timeout)
	}

	if opts.metrics && cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		m, err := metrics.NewPrometheusMetrics(a.registry)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.events = append(a.events, m)
	}

	local := storage.NewLocalStore(cfg.SnapshotDir(), cfg.RetentionKeep, clock.WallClock, logger)
	driver := hooks.NewDriver(hooks.NewRunner(cfg.Hooks, logger), local)
	a.cancel = cancellation.NewManager(cfg.FlagDir(), backup.LockOptionsFor(cfg, clock.WallClock), logger)

	a.factory, err = backup.NewFactory(backup.FactoryConfig{
		Config:        cfg,
		Collaborators: driver.Collaborators(local, local),
		Snapshots:     a.snapshots,
		Cancellation:  a.cancel,
		Clock:         clock.WallClock,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func loadConfig(path string) (*config.OrchestratorConfig, error) {
	if path == "" {
		return config.LoadDefault()
	}
	return config.Load(path)
}

// Close releases the database and flushes the log file.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// Exists implements handlers.ManagerProvider.
func (a *app) Exists(assetKey string) bool {
	return a.assets.Exists(assetKey)
}

// Manager implements handlers.ManagerProvider.
func (a *app) Manager(assetKey string) (handlers.BackupManager, error) {
	return a.backupManager(assetKey)
}

func (a *app) backupManager(assetKey string) (*backup.Manager, error) {
	return backup.NewManager(assetKey, backup.ManagerDeps{
		Config:         a.cfg,
		Factory:        a.factory,
		Assets:         a.assets,
		SnapshotStatus: a.snapshots,
		Cancellation:   a.cancel,
		Alerts:         a.store,
		Queue:          a.store,
		Events:         a.events,
		Health:         a.health,
		Commands:       a.commands,
		Resumable:      a.resumable,
		Translator:     backup.NewErrorTranslator(),
		Clock:          clock.WallClock,
		Logger:         a.logger,
	})
}

// inlineLauncher runs queued backups as goroutines of the serving process,
// so their events reach its metrics.
type inlineLauncher struct {
	app *app
	wg  sync.WaitGroup
}

func (l *inlineLauncher) Launch(_ context.Context, assetKey string, forced bool) error {
	m, err := l.app.backupManager(assetKey)
	if err != nil {
		return err
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if _, err := m.Start(context.Background(), forced, nil); err != nil {
			l.app.logger.Warn().Err(err).Str("asset", assetKey).Msg("inline backup failed")
		}
	}()
	return nil
}

// Wait blocks until every inline backup has finished.
func (l *inlineLauncher) Wait() {
	l.wg.Wait()
}
