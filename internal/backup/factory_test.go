package backup

import (
	"context"
	"testing"

	"github.com/MacJediWizard/keldris-orchestrator/internal/lock"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/MacJediWizard/keldris-orchestrator/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var headStages = []string{
	StageAcquireLock,
	StageRollbackIncompleteSnapshot,
	StageCleanupArtifacts,
	StageCommonPreflight,
}

func withHead(preflight string, rest ...string) []string {
	out := append([]string(nil), headStages...)
	out = append(out, preflight)
	return append(out, rest...)
}

func assetFor(v models.Variant) *models.Asset {
	a := windowsAgent("asset-" + v.String())
	switch v {
	case models.VariantRescue:
		a.Type = models.AssetTypeRescue
	case models.VariantDirectToCloud, models.VariantDirectToCloudPrepare:
		a.Type = models.AssetTypeDirectToCloud
	case models.VariantAgentlessGeneric:
		a.Type = models.AssetTypeAgentless
		a.FullDisk = true
	case models.VariantWindowsShadowSnap:
		a.Platform = models.PlatformShadowSnap
	case models.VariantWindowsNative:
	case models.VariantLinux:
		a.Platform = models.PlatformLinux
		a.OSFamily = models.OSLinux
	case models.VariantMac:
		a.Platform = models.PlatformMac
		a.OSFamily = models.OSMac
	case models.VariantAgentlessWindows:
		a.Type = models.AssetTypeAgentless
	case models.VariantAgentlessLinux:
		a.Type = models.AssetTypeAgentless
		a.OSFamily = models.OSLinux
	case models.VariantShare:
		a.Type = models.AssetTypeShare
	case models.VariantExternalNASShare:
		a.Type = models.AssetTypeExternalNAS
	}
	return a
}

func buildFor(t *testing.T, h *harness, v models.Variant) (*RunContext, *pipeline.Pipeline[*RunContext]) {
	t.Helper()
	a := assetFor(v)
	var (
		rc  *RunContext
		p   *pipeline.Pipeline[*RunContext]
		err error
	)
	if v == models.VariantDirectToCloudPrepare {
		rc, p, err = h.factory.BuildPrepare(a, RunParams{})
	} else {
		rc, p, err = h.factory.Build(a, RunParams{})
	}
	require.NoError(t, err)
	require.Equal(t, v, rc.Variant())
	return rc, p
}

func TestFactory_EveryVariantHasAComposer(t *testing.T) {
	for _, v := range models.AllVariants() {
		assert.NotNil(t, composers[v], "variant %s has no stage list", v)
	}
}

func TestFactory_StageLists(t *testing.T) {
	tests := []struct {
		variant models.Variant
		want    []string
	}{
		{
			variant: models.VariantWindowsNative,
			want: withHead(StageAgentPreflight,
				StageUnlockEncryption, StageRefreshAgentInfo, StageCopyConfig, StageTransfer,
				StageTakeSnapshot, StageUpdateAssetState, StageQueueOffsite, StagePostBackupCleanup,
				StageQueueVerification, StageUpdateDeviceWeb, StageLocalVerification, StageRetention),
		},
		{
			variant: models.VariantWindowsShadowSnap,
			want: withHead(StageAgentPreflight,
				StageUnlockEncryption, StageRefreshAgentInfo, StageApplyCommandAllowList, StageCopyConfig,
				StageClearVolumeHeaders, StageTransfer, StageTakeSnapshot, StageUpdateAssetState,
				StageQueueOffsite, StagePostBackupCleanup, StageQueueVerification, StageUpdateDeviceWeb,
				StageLocalVerification, StageRetention),
		},
		{
			variant: models.VariantLinux,
			want: withHead(StageAgentPreflight,
				StageUnlockEncryption, StageRefreshAgentInfo, StageCopyConfig, StageTransfer,
				StageTakeSnapshot, StageUpdateAssetState, StageQueueOffsite, StagePostBackupCleanup,
				StageQueueVerification, StageUpdateDeviceWeb, StageLocalVerification, StageRetention),
		},
		{
			variant: models.VariantRescue,
			want: withHead(StageRescuePreflight,
				StageUnlockEncryption, StageRefreshAgentInfo, StageTransfer, StageTakeSnapshot,
				StageUpdateAssetState, StagePostBackupCleanup, StageRetention),
		},
		{
			variant: models.VariantDirectToCloud,
			want: withHead(StageDTCPreflight,
				StageUnlockEncryption, StageDTCCommitVolumes, StageTakeSnapshot, StageUpdateAssetState,
				StageQueueOffsite, StageQueueVerification, StageUpdateDeviceWeb, StageUpdateRegistry,
				StageLocalVerification, StageRetention),
		},
		{
			variant: models.VariantDirectToCloudPrepare,
			want:    withHead(StageDTCPreflight, StageDTCStageVolumes, StageUpdateAssetState, StageRetention),
		},
		{
			variant: models.VariantAgentlessGeneric,
			want: withHead(StageAgentlessPreflight,
				StageUnlockEncryption, StageConnectHypervisor, StageCopyConfig, StageTransfer,
				StageTakeSnapshot, StageUpdateAssetState, StageQueueOffsite, StagePostBackupCleanup,
				StageQueueVerification, StageUpdateDeviceWeb, StageUpdateRegistry, StageRetention),
		},
		{
			variant: models.VariantAgentlessLinux,
			want: withHead(StageAgentlessPreflight,
				StageUnlockEncryption, StageConnectHypervisor, StageCopyConfig, StageTransfer,
				StageTakeSnapshot, StageUpdateAssetState, StageQueueOffsite, StagePostBackupCleanup,
				StageQueueVerification, StageUpdateDeviceWeb, StageUpdateRegistry,
				StageLocalVerification, StageRetention),
		},
		{
			variant: models.VariantShare,
			want: withHead(StageSharePreflight,
				StageMountShare, StageTransfer, StageTakeSnapshot, StageUpdateAssetState,
				StageQueueOffsite, StagePostBackupCleanup, StageUpdateDeviceWeb, StageRetention),
		},
		{
			variant: models.VariantExternalNASShare,
			want: withHead(StageSharePreflight,
				StageMountShare, StageTransfer, StageTakeSnapshot, StageUpdateAssetState,
				StageQueueOffsite, StagePostBackupCleanup, StageRetention),
		},
	}

	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.variant.String(), func(t *testing.T) {
			_, p := buildFor(t, h, tt.variant)
			assert.Equal(t, tt.want, p.Stages())
		})
	}
}

func TestFactory_EveryVariantStartsWithHeadAndEndsWithRetention(t *testing.T) {
	h := newHarness(t)
	for _, v := range models.AllVariants() {
		t.Run(v.String(), func(t *testing.T) {
			_, p := buildFor(t, h, v)
			stages := p.Stages()
			require.Greater(t, len(stages), len(headStages))
			assert.Equal(t, headStages, stages[:len(headStages)])
			assert.Contains(t, stages, StageUpdateAssetState)
			assert.Equal(t, StageRetention, stages[len(stages)-1])
		})
	}
}

func TestFactory_LocalVerificationChecksPerVariant(t *testing.T) {
	tests := []struct {
		variant models.Variant
		want    []string
	}{
		{models.VariantWindowsNative, []string{"Verifier.CheckRansomware", "Verifier.CheckFilesystemIntegrity", "Verifier.CheckMissingVolumes"}},
		{models.VariantLinux, []string{"Verifier.CheckFilesystemIntegrity", "Verifier.CheckMissingVolumes"}},
		{models.VariantMac, []string{"Verifier.CheckMissingVolumes"}},
		{models.VariantDirectToCloud, []string{"Verifier.CheckRansomware", "Verifier.CheckMissingVolumes"}},
		{models.VariantAgentlessGeneric, nil},
	}

	for _, tt := range tests {
		t.Run(tt.variant.String(), func(t *testing.T) {
			h := newHarness(t)
			rc, p := buildFor(t, h, tt.variant)
			res := p.Commit(context.Background(), rc)
			require.True(t, res.OK(), "commit failed: %v", res.Err)
			defer rc.Lock().Release()

			var checks []string
			for _, c := range h.work.Calls() {
				switch c {
				case "Verifier.CheckRansomware", "Verifier.CheckFilesystemIntegrity", "Verifier.CheckMissingVolumes":
					checks = append(checks, c)
				}
			}
			assert.Equal(t, tt.want, checks)
		})
	}
}

func TestFactory_FeatureFlagsGateStages(t *testing.T) {
	h := newHarness(t)
	h.cfg.Features.DeviceWeb = false
	h.cfg.Features.ScreenshotVerification = false
	h.cfg.Features.RansomwareCheck = false
	h.factory.stages.features = h.cfg.Features

	rc, p := buildFor(t, h, models.VariantWindowsNative)
	res := p.Commit(context.Background(), rc)
	require.True(t, res.OK(), "commit failed: %v", res.Err)
	defer rc.Lock().Release()

	assert.NotContains(t, res.Applied, StageUpdateDeviceWeb)
	assert.NotContains(t, res.Applied, StageQueueVerification)
	assert.Zero(t, h.work.count("Verifier.CheckRansomware"))
	assert.Equal(t, 1, h.work.count("Verifier.CheckMissingVolumes"))
}

func TestFactory_EncryptedAssetUnlocks(t *testing.T) {
	h := newHarness(t)
	a := windowsAgent("enc1")
	a.Encrypted = true

	rc, p, err := h.factory.Build(a, RunParams{})
	require.NoError(t, err)
	res := p.Commit(context.Background(), rc)
	require.True(t, res.OK(), "commit failed: %v", res.Err)
	defer rc.Lock().Release()

	assert.Contains(t, res.Applied, StageUnlockEncryption)
	assert.Equal(t, 1, h.work.count("Encryption.Unlock"))
}

func TestFactory_InhibitRollbackSkipsIncompleteSnapshotRollback(t *testing.T) {
	h := newHarness(t)
	h.work.incomplete = true

	rc, p, err := h.factory.Build(windowsAgent("agent1"), RunParams{InhibitRollback: true})
	require.NoError(t, err)
	res := p.Commit(context.Background(), rc)
	require.True(t, res.OK(), "commit failed: %v", res.Err)
	defer rc.Lock().Release()

	assert.NotContains(t, res.Applied, StageRollbackIncompleteSnapshot)
	assert.Zero(t, h.work.count("Storage.RollbackIncompleteSnapshot"))
}

func TestFactory_RollsBackIncompleteSnapshot(t *testing.T) {
	h := newHarness(t)
	h.work.incomplete = true

	rc, p, err := h.factory.Build(windowsAgent("agent1"), RunParams{})
	require.NoError(t, err)
	res := p.Commit(context.Background(), rc)
	require.True(t, res.OK(), "commit failed: %v", res.Err)
	defer rc.Lock().Release()

	assert.Equal(t, 1, h.work.count("Storage.RollbackIncompleteSnapshot"))
}

func TestFactory_BuildPrepareRequiresDirectToCloud(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.factory.BuildPrepare(windowsAgent("agent1"), RunParams{})
	assert.Error(t, err)
}

func TestFactory_UnknownVariant(t *testing.T) {
	h := newHarness(t)
	a := windowsAgent("odd")
	a.Platform = "beos"

	_, _, err := h.factory.Build(a, RunParams{})
	assert.ErrorIs(t, err, models.ErrUnknownVariant)
}

func TestFactory_DirectToCloudStatusExpires(t *testing.T) {
	h := newHarness(t)

	rc, _ := buildFor(t, h, models.VariantDirectToCloud)
	assert.Equal(t, h.cfg.DTCStatusExpiry, rc.statusExpiry)

	rc, _ = buildFor(t, h, models.VariantWindowsNative)
	assert.Zero(t, rc.statusExpiry)
}

func TestFactory_CancelFlagObservedAfterFirstStage(t *testing.T) {
	h := newHarness(t)
	a := windowsAgent("agent1")

	running, err := h.cancel.Cancel(a.Key)
	require.NoError(t, err)
	assert.False(t, running)

	rc, p, err := h.factory.Build(a, RunParams{})
	require.NoError(t, err)
	res := p.Commit(context.Background(), rc)
	defer rc.Lock().Release()

	assert.Equal(t, pipeline.Cancelled, res.Outcome)
	assert.ErrorIs(t, res.Err, pipeline.ErrCancelled)
	assert.Equal(t, []string{StageAcquireLock}, res.Applied)
	assert.False(t, h.cancel.IsCancelling(a.Key), "cleanup clears the flag")
	assert.Zero(t, h.work.count("Storage.CleanupArtifacts"))
}

func TestFactory_LosingRunKeepsCancelFlag(t *testing.T) {
	h := newHarness(t)
	a := windowsAgent("agent1")
	ctx := context.Background()

	holder := h.factory.NewLock(a.Key)
	require.NoError(t, holder.Acquire(ctx, 0))
	defer holder.Release()

	running, err := h.cancel.Cancel(a.Key)
	require.NoError(t, err)
	assert.True(t, running)

	rc, p, err := h.factory.Build(a, RunParams{})
	require.NoError(t, err)
	res := p.Commit(ctx, rc)

	assert.Equal(t, pipeline.Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, lock.ErrLockTimeout)
	assert.False(t, rc.LockAcquired())
	assert.True(t, h.cancel.IsCancelling(a.Key), "the holder's cancel request survives")
}

func TestCollaborators_Validate(t *testing.T) {
	assert.NoError(t, newRecorder().collaborators().Validate())

	c := newRecorder().collaborators()
	c.Storage = nil
	c.Retention = nil
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage")
	assert.Contains(t, err.Error(), "retention")
}
