// Package scheduler queues scheduled backups and launches their workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/lock"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/MacJediWizard/keldris-orchestrator/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// AssetLister lists the assets to schedule.
type AssetLister interface {
	List() ([]*models.Asset, error)
}

// Queue is the durable backup request queue.
type Queue interface {
	EnqueueBackup(ctx context.Context, assetKey string, forced bool) (*store.BackupRequest, error)
	IsBackupQueued(ctx context.Context, assetKey string) (bool, error)
	DequeueBackup(ctx context.Context, assetKey string) error
}

// RetrySource lists assets whose last failure should be retried.
type RetrySource interface {
	Pending() ([]string, error)
}

// Scheduler triggers backups on each asset's cron schedule.
type Scheduler struct {
	assets    AssetLister
	queue     Queue
	snapshots *status.SnapshotStatusService
	lockOpts  lock.Options
	launcher  Launcher
	cron      *cron.Cron
	logger    zerolog.Logger

	retries       RetrySource
	retryInterval time.Duration

	mu      sync.Mutex
	running bool
	entries map[string]cron.EntryID
}

// New creates a scheduler.
func New(assets AssetLister, queue Queue, snapshots *status.SnapshotStatusService, lockOpts lock.Options, launcher Launcher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		assets:    assets,
		queue:     queue,
		snapshots: snapshots,
		lockOpts:  lockOpts,
		launcher:  launcher,
		cron:      cron.New(),
		logger:    logger.With().Str("component", "scheduler").Logger(),
		entries:   make(map[string]cron.EntryID),
	}
}

// WithRetries re-queues assets reported by src every interval.
func (s *Scheduler) WithRetries(src RetrySource, interval time.Duration) *Scheduler {
	s.retries = src
	s.retryInterval = interval
	return s
}

// Start schedules every asset with a cron expression and starts the cron.
// Assets with an invalid schedule are logged and skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	if err := s.reload(); err != nil {
		return err
	}
	if s.retries != nil && s.retryInterval > 0 {
		s.cron.Schedule(cron.Every(s.retryInterval), cron.FuncJob(func() {
			if _, err := s.RetryResumable(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("resumable retry pass failed")
			}
		}))
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Int("scheduled_assets", len(s.entries)).Msg("scheduler started")
	return nil
}

// Reload re-reads the asset list and replaces all schedules.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload()
}

func (s *Scheduler) reload() error {
	list, err := s.assets.List()
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}

	for key, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, key)
	}

	for _, a := range list {
		if a.Schedule == "" {
			continue
		}
		key := a.Key
		id, err := s.cron.AddFunc(a.Schedule, func() {
			if _, err := s.Trigger(context.Background(), key, false); err != nil {
				s.logger.Error().Err(err).Str("asset", key).Msg("scheduled backup failed to queue")
			}
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("asset", key).Str("schedule", a.Schedule).Msg("invalid schedule, asset skipped")
			continue
		}
		s.entries[key] = id
	}
	return nil
}

// Scheduled returns the number of assets with an active schedule.
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop stops the cron. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping scheduler")
	return s.cron.Stop()
}

// Trigger queues a backup for assetKey and launches its worker. It returns
// false without error when a run is already in progress or queued.
func (s *Scheduler) Trigger(ctx context.Context, assetKey string, forced bool) (bool, error) {
	logger := s.logger.With().Str("asset", assetKey).Logger()

	if lock.New(assetKey, s.lockOpts, s.logger).IsLocked() {
		logger.Info().Msg("backup already running, trigger skipped")
		return false, nil
	}
	queued, err := s.queue.IsBackupQueued(ctx, assetKey)
	if err != nil {
		return false, fmt.Errorf("check queue: %w", err)
	}
	if queued {
		logger.Info().Msg("backup already queued, trigger skipped")
		return false, nil
	}

	// A new cycle starts from a clean record.
	if err := s.snapshots.Clear(assetKey); err != nil {
		return false, fmt.Errorf("clear snapshot status: %w", err)
	}
	if _, err := s.snapshots.MarkQueued(assetKey); err != nil {
		return false, fmt.Errorf("mark queued: %w", err)
	}
	if _, err := s.queue.EnqueueBackup(ctx, assetKey, forced); err != nil {
		s.queueFailed(ctx, assetKey, logger)
		return false, fmt.Errorf("enqueue backup: %w", err)
	}

	if err := s.launcher.Launch(ctx, assetKey, forced); err != nil {
		s.queueFailed(ctx, assetKey, logger)
		return false, fmt.Errorf("launch worker: %w", err)
	}

	logger.Info().Bool("forced", forced).Msg("backup queued")
	return true, nil
}

// RetryResumable triggers a backup of every asset the retry source reports,
// skipping paused and unknown assets. It returns the number queued.
func (s *Scheduler) RetryResumable(ctx context.Context) (int, error) {
	if s.retries == nil {
		return 0, nil
	}
	keys, err := s.retries.Pending()
	if err != nil {
		return 0, fmt.Errorf("list resumable failures: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	list, err := s.assets.List()
	if err != nil {
		return 0, fmt.Errorf("list assets: %w", err)
	}
	known := make(map[string]*models.Asset, len(list))
	for _, a := range list {
		known[a.Key] = a
	}

	queued := 0
	var errs []error
	for _, key := range keys {
		a, ok := known[key]
		if !ok || a.Paused {
			continue
		}
		ok, err := s.Trigger(ctx, key, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("retry %s: %w", key, err))
			continue
		}
		if ok {
			queued++
			s.logger.Info().Str("asset", key).Msg("resumable backup re-queued")
		}
	}
	return queued, errors.Join(errs...)
}

func (s *Scheduler) queueFailed(ctx context.Context, assetKey string, logger zerolog.Logger) {
	if _, err := s.snapshots.MarkQueueFailed(assetKey); err != nil {
		logger.Error().Err(err).Msg("failed to mark queue failure")
	}
	if err := s.queue.DequeueBackup(ctx, assetKey); err != nil {
		logger.Error().Err(err).Msg("failed to dequeue backup")
	}
}
