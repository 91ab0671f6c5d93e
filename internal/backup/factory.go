package backup

import (
	"errors"
	"fmt"

	"github.com/MacJediWizard/keldris-orchestrator/internal/cancellation"
	"github.com/MacJediWizard/keldris-orchestrator/internal/config"
	"github.com/MacJediWizard/keldris-orchestrator/internal/lock"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/MacJediWizard/keldris-orchestrator/internal/pipeline"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// FactoryConfig holds everything a Factory needs. All fields are required.
type FactoryConfig struct {
	Config        *config.OrchestratorConfig
	Collaborators Collaborators
	Snapshots     *status.SnapshotStatusService
	Cancellation  *cancellation.Manager
	Clock         clock.Clock
	Logger        zerolog.Logger
}

func (c FactoryConfig) validate() error {
	if c.Config == nil {
		return errors.New("config is required")
	}
	if c.Snapshots == nil {
		return errors.New("snapshot status service is required")
	}
	if c.Cancellation == nil {
		return errors.New("cancellation manager is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	return c.Collaborators.Validate()
}

// Factory builds the run context and stage pipeline for an asset.
type Factory struct {
	cfg    *config.OrchestratorConfig
	stages *stageSet
	cancel *cancellation.Manager
	clock  clock.Clock
	logger zerolog.Logger
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid factory config: %w", err)
	}
	logger := cfg.Logger.With().Str("component", "pipeline_factory").Logger()
	return &Factory{
		cfg: cfg.Config,
		stages: &stageSet{
			work:      cfg.Collaborators,
			features:  cfg.Config.Features,
			snapshots: cfg.Snapshots,
			lockWait:  cfg.Config.LockWait,
			logger:    cfg.Logger,
		},
		cancel: cfg.Cancellation,
		clock:  cfg.Clock,
		logger: logger,
	}, nil
}

// LockOptions returns the options every backup lock is created with.
func (f *Factory) LockOptions() lock.Options {
	return LockOptionsFor(f.cfg, f.clock)
}

// LockOptionsFor returns the backup lock options of cfg. Services that take
// backup locks outside a Factory, such as the cancellation manager, use it
// so every holder agrees on paths.
func LockOptionsFor(cfg *config.OrchestratorConfig, clk clock.Clock) lock.Options {
	return lock.Options{
		Dir:          cfg.LockDir(),
		PollInterval: cfg.LockPollInterval,
		Clock:        clk,
	}
}

// NewLock returns the backup lock handle for an asset.
func (f *Factory) NewLock(assetKey string) *lock.BackupLock {
	return lock.New(assetKey, f.LockOptions(), f.logger)
}

// NewStatus returns the ephemeral status service for an asset.
func (f *Factory) NewStatus(assetKey string, lk *lock.BackupLock) *status.BackupStatusService {
	return status.NewBackupStatusService(assetKey, f.cfg.StatusDir(), lk, lock.ProcessAlive, f.clock, f.logger)
}

// Build returns the context and pipeline of a normal backup of asset.
func (f *Factory) Build(asset *models.Asset, params RunParams) (*RunContext, *pipeline.Pipeline[*RunContext], error) {
	variant, err := asset.Variant()
	if err != nil {
		return nil, nil, err
	}
	return f.build(asset, variant, ModeBackup, params)
}

// BuildPrepare returns the context and pipeline of a direct-to-cloud
// prepare run, which stages volumes without transferring or snapshotting.
func (f *Factory) BuildPrepare(asset *models.Asset, params RunParams) (*RunContext, *pipeline.Pipeline[*RunContext], error) {
	if !asset.IsDirectToCloud() {
		return nil, nil, fmt.Errorf("prepare is only supported for direct-to-cloud assets, %s is %s", asset.Key, asset.Type)
	}
	return f.build(asset, models.VariantDirectToCloudPrepare, ModePrepare, params)
}

func (f *Factory) build(asset *models.Asset, variant models.Variant, mode Mode, params RunParams) (*RunContext, *pipeline.Pipeline[*RunContext], error) {
	if !variant.Valid() || composers[variant] == nil {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrUnknownVariant, variant)
	}

	logger := f.logger.With().
		Str("asset", asset.Key).
		Str("variant", variant.String()).
		Str("mode", string(mode)).
		Logger()

	lk := f.NewLock(asset.Key)
	rc := newRunContext(asset, variant, mode, params, f.clock.Now(), lk, f.NewStatus(asset.Key, lk), logger)
	rc.SetSnapshotTimeout(f.cfg.SnapshotTimeout)
	if asset.IsDirectToCloud() {
		rc.statusExpiry = f.cfg.DTCStatusExpiry
	}

	p := pipeline.New[*RunContext](variant.String(), logger)
	composers[variant](f.stages, p)

	key := asset.Key
	p.OnCancel(func(rc *RunContext) bool {
		if !f.cancel.IsCancelling(key) {
			return false
		}
		rc.UpdateStatus(status.StateCancel, nil)
		return true
	})
	// Only the lock holder owns the flag; a run that lost the lock race
	// must leave it for the run it belongs to.
	p.OnCleanup(func(rc *RunContext) {
		if !rc.LockAcquired() {
			return
		}
		if err := f.cancel.Cleanup(key); err != nil {
			rc.Logger().Warn().Err(err).Msg("failed to clear cancel flag")
		}
	})

	return rc, p, nil
}

type composer func(s *stageSet, p *pipeline.Pipeline[*RunContext])

// composers maps every variant to its stage list.
var composers = [models.NumVariants]composer{
	models.VariantRescue:               (*stageSet).composeRescue,
	models.VariantDirectToCloud:        (*stageSet).composeDirectToCloud,
	models.VariantDirectToCloudPrepare: (*stageSet).composeDirectToCloudPrepare,
	models.VariantAgentlessGeneric:     agentless(0),
	models.VariantWindowsShadowSnap:    (*stageSet).composeWindowsShadowSnap,
	models.VariantWindowsNative:        agentPipeline(checkRansomware | checkFilesystem | checkMissingVolumes),
	models.VariantLinux:                agentPipeline(checkFilesystem | checkMissingVolumes),
	models.VariantMac:                  agentPipeline(checkMissingVolumes),
	models.VariantAgentlessWindows:     agentless(checkRansomware | checkFilesystem | checkMissingVolumes),
	models.VariantAgentlessLinux:       agentless(checkFilesystem | checkMissingVolumes),
	models.VariantShare:                share(true),
	models.VariantExternalNASShare:     share(false),
}

func encrypted(rc *RunContext) bool {
	return rc.Asset().Encrypted
}

func (s *stageSet) head(p *pipeline.Pipeline[*RunContext], preflight string) {
	p.Add(s.acquireLock())
	p.AddIf(func(rc *RunContext) bool { return !rc.InhibitRollback() }, s.rollbackIncompleteSnapshot())
	p.Add(s.cleanupArtifacts())
	p.Add(s.commonPreflight())
	p.Add(s.assetPreflight(preflight))
}

func (s *stageSet) addOffsite(p *pipeline.Pipeline[*RunContext]) {
	p.AddIf(func(rc *RunContext) bool {
		return s.features.Offsite && rc.Asset().Offsite
	}, s.queueOffsite())
}

func (s *stageSet) addVerification(p *pipeline.Pipeline[*RunContext]) {
	p.AddIf(func(rc *RunContext) bool {
		return s.features.ScreenshotVerification && rc.Asset().Verification.Screenshot
	}, s.queueVerification())
}

func (s *stageSet) addDeviceWeb(p *pipeline.Pipeline[*RunContext]) {
	p.AddIf(func(*RunContext) bool { return s.features.DeviceWeb }, s.updateDeviceWeb())
}

func (s *stageSet) addRegistry(p *pipeline.Pipeline[*RunContext]) {
	p.AddIf(func(*RunContext) bool { return s.features.Registry }, s.updateRegistry())
}

// agentPipeline composes the Windows native, Linux and Mac agent pipelines, which
// differ only in their local verification checks.
func agentPipeline(checks check) composer {
	return func(s *stageSet, p *pipeline.Pipeline[*RunContext]) {
		s.head(p, StageAgentPreflight)
		p.AddIf(encrypted, s.unlockEncryption())
		p.Add(s.refreshAgentInfo())
		p.Add(s.copyConfig())
		p.Add(s.transfer())
		p.Add(s.takeSnapshot())
		p.Add(s.updateAssetState())
		s.addOffsite(p)
		p.Add(s.postBackupCleanup())
		s.addVerification(p)
		s.addDeviceWeb(p)
		p.Add(s.localVerification(checks))
		p.Add(s.retention())
	}
}

func (s *stageSet) composeWindowsShadowSnap(p *pipeline.Pipeline[*RunContext]) {
	s.head(p, StageAgentPreflight)
	p.AddIf(encrypted, s.unlockEncryption())
	p.Add(s.refreshAgentInfo())
	p.Add(s.applyCommandAllowList())
	p.Add(s.copyConfig())
	p.Add(s.clearVolumeHeaders())
	p.Add(s.transfer())
	p.Add(s.takeSnapshot())
	p.Add(s.updateAssetState())
	s.addOffsite(p)
	p.Add(s.postBackupCleanup())
	s.addVerification(p)
	s.addDeviceWeb(p)
	p.Add(s.localVerification(checkRansomware | checkFilesystem | checkMissingVolumes))
	p.Add(s.retention())
}

func (s *stageSet) composeRescue(p *pipeline.Pipeline[*RunContext]) {
	s.head(p, StageRescuePreflight)
	p.AddIf(encrypted, s.unlockEncryption())
	p.Add(s.refreshAgentInfo())
	p.Add(s.transfer())
	p.Add(s.takeSnapshot())
	p.Add(s.updateAssetState())
	p.Add(s.postBackupCleanup())
	p.Add(s.retention())
}

func (s *stageSet) composeDirectToCloud(p *pipeline.Pipeline[*RunContext]) {
	s.head(p, StageDTCPreflight)
	p.AddIf(encrypted, s.unlockEncryption())
	p.Add(s.dtcCommitVolumes())
	p.Add(s.takeSnapshot())
	p.Add(s.updateAssetState())
	s.addOffsite(p)
	s.addVerification(p)
	s.addDeviceWeb(p)
	s.addRegistry(p)
	p.Add(s.localVerification(checkRansomware | checkMissingVolumes))
	p.Add(s.retention())
}

func (s *stageSet) composeDirectToCloudPrepare(p *pipeline.Pipeline[*RunContext]) {
	s.head(p, StageDTCPreflight)
	p.Add(s.dtcStageVolumes())
	p.Add(s.updateAssetState())
	p.Add(s.retention())
}

// agentless composes hypervisor-proxied pipelines. A zero check mask skips
// local verification, which needs guest-aware images.
func agentless(checks check) composer {
	return func(s *stageSet, p *pipeline.Pipeline[*RunContext]) {
		s.head(p, StageAgentlessPreflight)
		p.AddIf(encrypted, s.unlockEncryption())
		p.Add(s.connectHypervisor())
		p.Add(s.copyConfig())
		p.Add(s.transfer())
		p.Add(s.takeSnapshot())
		p.Add(s.updateAssetState())
		s.addOffsite(p)
		p.Add(s.postBackupCleanup())
		s.addVerification(p)
		s.addDeviceWeb(p)
		s.addRegistry(p)
		if checks != 0 {
			p.Add(s.localVerification(checks))
		}
		p.Add(s.retention())
	}
}

// share composes network share pipelines. External NAS shares are not
// listed on the device portal.
func share(deviceWeb bool) composer {
	return func(s *stageSet, p *pipeline.Pipeline[*RunContext]) {
		s.head(p, StageSharePreflight)
		p.Add(s.mountShare())
		p.Add(s.transfer())
		p.Add(s.takeSnapshot())
		p.Add(s.updateAssetState())
		s.addOffsite(p)
		p.Add(s.postBackupCleanup())
		if deviceWeb {
			s.addDeviceWeb(p)
		}
		p.Add(s.retention())
	}
}
