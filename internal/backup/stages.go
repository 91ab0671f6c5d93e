package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/config"
	"github.com/MacJediWizard/keldris-orchestrator/internal/pipeline"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/rs/zerolog"
)

// Stage names as they appear in logs, results and metrics.
const (
	StageAcquireLock                = "acquire-lock"
	StageRollbackIncompleteSnapshot = "rollback-incomplete-snapshot"
	StageCleanupArtifacts           = "cleanup-artifacts"
	StageCommonPreflight            = "common-preflight"
	StageAgentPreflight             = "agent-preflight"
	StageAgentlessPreflight         = "agentless-preflight"
	StageDTCPreflight               = "dtc-preflight"
	StageRescuePreflight            = "rescue-preflight"
	StageSharePreflight             = "share-preflight"
	StageUnlockEncryption           = "unlock-encryption"
	StageRefreshAgentInfo           = "refresh-agent-info"
	StageConnectHypervisor          = "connect-hypervisor"
	StageMountShare                 = "mount-share"
	StageApplyCommandAllowList      = "apply-command-allowlist"
	StageCopyConfig                 = "copy-config"
	StageClearVolumeHeaders         = "clear-volume-headers"
	StageTransfer                   = "transfer"
	StageDTCStageVolumes            = "dtc-stage-volumes"
	StageDTCCommitVolumes           = "dtc-commit-volumes"
	StageTakeSnapshot               = "take-snapshot"
	StageUpdateAssetState           = "update-asset-state"
	StageQueueOffsite               = "queue-offsite"
	StagePostBackupCleanup          = "post-backup-cleanup"
	StageQueueVerification          = "queue-verification"
	StageUpdateDeviceWeb            = "update-device-web"
	StageUpdateRegistry             = "update-registry"
	StageLocalVerification          = "local-verification"
	StageRansomwareCheck            = "ransomware-check"
	StageFilesystemIntegrityCheck   = "filesystem-integrity-check"
	StageMissingVolumeCheck         = "missing-volume-check"
	StageRetention                  = "retention"
)

type stage = pipeline.Stage[*RunContext]

// check selects the local verification checks a variant runs.
type check int

const (
	checkRansomware check = 1 << iota
	checkFilesystem
	checkMissingVolumes
)

// stageSet builds stages bound to one set of collaborators.
type stageSet struct {
	work      Collaborators
	features  config.Features
	snapshots *status.SnapshotStatusService
	lockWait  time.Duration
	logger    zerolog.Logger
}

func fn(name string, apply func(ctx context.Context, rc *RunContext) error) *pipeline.Func[*RunContext] {
	return pipeline.NewFunc[*RunContext](name, apply)
}

// acquireLock takes the asset's backup lock. The lock is released by the
// manager once the terminal snapshot status is written, so rollback leaves
// it held.
func (s *stageSet) acquireLock() stage {
	return fn(StageAcquireLock, func(ctx context.Context, rc *RunContext) error {
		if err := rc.Lock().Acquire(ctx, s.lockWait); err != nil {
			return err
		}
		rc.setLockAcquired(true)

		if rc.Mode() == ModeBackup {
			if _, err := s.snapshots.MarkStarted(rc.Asset().Key); err != nil {
				rc.Logger().Warn().Err(err).Msg("failed to mark snapshot status started")
			}
		}
		rc.UpdateStatus(status.StatePreflight, nil)
		return nil
	})
}

func (s *stageSet) rollbackIncompleteSnapshot() stage {
	return fn(StageRollbackIncompleteSnapshot, func(ctx context.Context, rc *RunContext) error {
		incomplete, err := s.work.Storage.HasIncompleteSnapshot(ctx, rc)
		if err != nil {
			return fmt.Errorf("check incomplete snapshot: %w", err)
		}
		if !incomplete {
			rc.Logger().Debug().Msg("no incomplete snapshot to roll back")
			return nil
		}
		rc.Logger().Info().Msg("rolling back incomplete snapshot")
		return s.work.Storage.RollbackIncompleteSnapshot(ctx, rc)
	})
}

func (s *stageSet) cleanupArtifacts() stage {
	return fn(StageCleanupArtifacts, s.work.Storage.CleanupArtifacts).
		WithRollback(s.work.Storage.CleanupArtifacts)
}

func (s *stageSet) commonPreflight() stage {
	return fn(StageCommonPreflight, func(ctx context.Context, rc *RunContext) error {
		rc.UpdateStatus(status.StatePreflight, nil)
		return s.work.Preflight.CheckCommon(ctx, rc)
	})
}

func (s *stageSet) assetPreflight(name string) stage {
	return fn(name, s.work.Preflight.CheckAsset)
}

func (s *stageSet) unlockEncryption() stage {
	return fn(StageUnlockEncryption, s.work.Encryption.Unlock)
}

// refreshAgentInfo opens the agent connection and refreshes what the agent
// reports about the protected system.
func (s *stageSet) refreshAgentInfo() stage {
	return fn(StageRefreshAgentInfo, func(ctx context.Context, rc *RunContext) error {
		rc.UpdateStatus(status.StateQuery, nil)
		if err := s.work.Transport.Connect(ctx, rc); err != nil {
			return err
		}
		if err := s.work.Transport.RefreshAgentInfo(ctx, rc); err != nil {
			if derr := s.work.Transport.Disconnect(ctx, rc); derr != nil {
				rc.Logger().Warn().Err(derr).Msg("failed to disconnect after refresh failure")
			}
			return err
		}
		return nil
	}).WithRollback(s.work.Transport.Disconnect)
}

func (s *stageSet) connectHypervisor() stage {
	return fn(StageConnectHypervisor, func(ctx context.Context, rc *RunContext) error {
		rc.UpdateStatus(status.StateQuery, nil)
		return s.work.Transport.Connect(ctx, rc)
	}).WithRollback(s.work.Transport.Disconnect)
}

func (s *stageSet) mountShare() stage {
	return fn(StageMountShare, func(ctx context.Context, rc *RunContext) error {
		rc.UpdateStatus(status.StateSamba, nil)
		return s.work.Transport.Connect(ctx, rc)
	}).WithRollback(s.work.Transport.Disconnect)
}

func (s *stageSet) applyCommandAllowList() stage {
	return fn(StageApplyCommandAllowList, s.work.ShadowSnap.ApplyCommandAllowList)
}

func (s *stageSet) copyConfig() stage {
	return fn(StageCopyConfig, s.work.ConfigCopier.Copy).
		WithRollback(s.work.ConfigCopier.Remove)
}

func (s *stageSet) clearVolumeHeaders() stage {
	return fn(StageClearVolumeHeaders, s.work.ShadowSnap.ClearVolumeHeaders).
		WithRollback(s.work.ShadowSnap.RestoreVolumeHeaders)
}

func (s *stageSet) transfer() stage {
	return fn(StageTransfer, func(ctx context.Context, rc *RunContext) error {
		rc.UpdateTransfer(status.TransferProgress{Step: status.StepPreparingImage})
		return s.work.Transport.Transfer(ctx, rc)
	})
}

func (s *stageSet) dtcStageVolumes() stage {
	return fn(StageDTCStageVolumes, func(ctx context.Context, rc *RunContext) error {
		rc.UpdateStatus(status.StatePreparingEnvironment, nil)
		return s.work.DirectToCloud.StageVolumes(ctx, rc)
	})
}

func (s *stageSet) dtcCommitVolumes() stage {
	return fn(StageDTCCommitVolumes, func(ctx context.Context, rc *RunContext) error {
		rc.UpdateTransfer(status.TransferProgress{Step: status.StepFinishingVolume})
		return s.work.DirectToCloud.CommitVolumes(ctx, rc)
	})
}

// takeSnapshot records the epoch on the run context. Rolling back destroys
// the snapshot and resets the epoch.
func (s *stageSet) takeSnapshot() stage {
	return fn(StageTakeSnapshot, func(ctx context.Context, rc *RunContext) error {
		epoch, err := s.work.Storage.TakeSnapshot(ctx, rc)
		if err != nil {
			return fmt.Errorf("take snapshot: %w", err)
		}
		rc.SetSnapshotEpoch(epoch)
		rc.Logger().Info().Int64("snapshot", epoch).Msg("snapshot taken")
		return nil
	}).WithRollback(func(ctx context.Context, rc *RunContext) error {
		if !rc.HasSnapshot() {
			return nil
		}
		if err := s.work.Storage.DestroySnapshot(ctx, rc, rc.SnapshotEpoch()); err != nil {
			return fmt.Errorf("destroy snapshot %d: %w", rc.SnapshotEpoch(), err)
		}
		rc.SetSnapshotEpoch(NoSnapshot)
		return nil
	})
}

func (s *stageSet) updateAssetState() stage {
	return fn(StageUpdateAssetState, s.work.Storage.UpdateAssetState)
}

func (s *stageSet) queueOffsite() stage {
	return fn(StageQueueOffsite, func(ctx context.Context, rc *RunContext) error {
		if err := s.work.Offsite.Queue(ctx, rc); err != nil {
			return err
		}
		rc.setOffsiteQueued(true)
		return nil
	})
}

func (s *stageSet) postBackupCleanup() stage {
	return fn(StagePostBackupCleanup, func(ctx context.Context, rc *RunContext) error {
		rc.UpdateStatus(status.StatePost, nil)
		return s.work.Transport.PostBackupCleanup(ctx, rc)
	})
}

func (s *stageSet) queueVerification() stage {
	return fn(StageQueueVerification, s.work.Verifier.QueueScreenshot)
}

func (s *stageSet) updateDeviceWeb() stage {
	return fn(StageUpdateDeviceWeb, s.work.DeviceWeb.UpdateAsset)
}

func (s *stageSet) updateRegistry() stage {
	return fn(StageUpdateRegistry, s.work.DeviceWeb.UpdateRegistry)
}

// localVerification is a nested pipeline of the checks selected by mask,
// each gated on its feature flag and the asset's own setting. Check
// failures are logged; the snapshot is already taken.
func (s *stageSet) localVerification(mask check) stage {
	p := pipeline.New[*RunContext](StageLocalVerification, s.logger)

	if mask&checkRansomware != 0 {
		p.AddIf(func(rc *RunContext) bool {
			return s.features.RansomwareCheck && rc.Asset().Verification.Ransomware
		}, fn(StageRansomwareCheck, func(ctx context.Context, rc *RunContext) error {
			detected, err := s.work.Verifier.CheckRansomware(ctx, rc)
			if err != nil {
				rc.Logger().Warn().Err(err).Msg("ransomware check failed")
				return nil
			}
			rc.setRansomwareResult(detected)
			return nil
		}))
	}

	if mask&checkFilesystem != 0 {
		p.AddIf(func(rc *RunContext) bool {
			return s.features.FilesystemIntegrity && rc.Asset().Verification.FilesystemIntegrity
		}, fn(StageFilesystemIntegrityCheck, func(ctx context.Context, rc *RunContext) error {
			rc.UpdateStatus(status.StateFilesystemIntegrity, nil)
			errs, err := s.work.Verifier.CheckFilesystemIntegrity(ctx, rc)
			if err != nil {
				rc.Logger().Warn().Err(err).Msg("filesystem integrity check failed")
				return nil
			}
			rc.setFilesystemResult(errs)
			return nil
		}))
	}

	if mask&checkMissingVolumes != 0 {
		p.AddIf(func(rc *RunContext) bool {
			return s.features.MissingVolumeCheck && rc.Asset().Verification.MissingVolumes
		}, fn(StageMissingVolumeCheck, func(ctx context.Context, rc *RunContext) error {
			missing, err := s.work.Verifier.CheckMissingVolumes(ctx, rc)
			if err != nil {
				rc.Logger().Warn().Err(err).Msg("missing volume check failed")
				return nil
			}
			rc.setMissingVolumes(missing)
			return nil
		}))
	}

	return p
}

func (s *stageSet) retention() stage {
	return fn(StageRetention, s.work.Retention.Run)
}
