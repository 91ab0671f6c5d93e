package backup

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/agent"
	"github.com/MacJediWizard/keldris-orchestrator/internal/assets"
	"github.com/MacJediWizard/keldris-orchestrator/internal/health"
	"github.com/MacJediWizard/keldris-orchestrator/internal/lock"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/MacJediWizard/keldris-orchestrator/internal/pipeline"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeCodes(t *testing.T, h *harness, key string) []string {
	t.Helper()
	alerts, err := h.store.ActiveAlerts(context.Background(), key)
	require.NoError(t, err)
	codes := make([]string, 0, len(alerts))
	for _, a := range alerts {
		codes = append(codes, a.Code)
	}
	return codes
}

func statusRecordExists(h *harness, key string) bool {
	_, err := os.Stat(h.factory.NewStatus(key, nil).Path())
	return err == nil
}

func TestManager_WindowsNativeEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	m := h.manager(t, "agent1")
	ctx := context.Background()

	_, err := h.store.EnqueueBackup(ctx, "agent1", true)
	require.NoError(t, err)

	res, err := m.Start(ctx, true, map[string]string{"trigger": "user"})
	require.NoError(t, err)
	require.Equal(t, pipeline.Succeeded, res.Outcome)

	assert.Equal(t, []string{
		StageAcquireLock,
		StageRollbackIncompleteSnapshot,
		StageCleanupArtifacts,
		StageCommonPreflight,
		StageAgentPreflight,
		StageRefreshAgentInfo,
		StageCopyConfig,
		StageTransfer,
		StageTakeSnapshot,
		StageUpdateAssetState,
		StagePostBackupCleanup,
		StageQueueVerification,
		StageUpdateDeviceWeb,
		StageLocalVerification,
		StageRetention,
	}, res.Applied)
	assert.Empty(t, res.RolledBack)
	assert.Zero(t, h.work.count("Storage.RollbackIncompleteSnapshot"), "no prior snapshot to roll back")

	snap, err := h.snapshots.Get("agent1")
	require.NoError(t, err)
	assert.Equal(t, status.SnapshotComplete, snap.State)
	require.NotNil(t, snap.SnapshotEpoch)
	assert.Equal(t, h.work.epoch, *snap.SnapshotEpoch)
	assert.NotNil(t, snap.EndTime)

	assert.False(t, statusRecordExists(h, "agent1"), "ephemeral status is cleared")
	assert.False(t, m.IsRunning(), "lock is released")

	queued, err := h.store.IsBackupQueued(ctx, "agent1")
	require.NoError(t, err)
	assert.False(t, queued)

	saved, err := h.assets.Get("agent1")
	require.NoError(t, err)
	assert.Equal(t, h.work.epoch, saved.LastSnapshotEpoch)
	assert.Empty(t, saved.LastBackupError)
	assert.NotNil(t, saved.LastBackupAttempt)

	events := h.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventCompleted, events[1].Type)
	assert.Equal(t, pipeline.Succeeded, events[1].Outcome)
	assert.Equal(t, "windows-native", events[1].Variant)
	assert.True(t, events[1].Forced)
}

func TestManager_TransferFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	h.work.fail["Transport.Transfer"] = errors.New("write /datto/agent1/vol-c.datto: input/output error")
	m := h.manager(t, "agent1")

	res, err := m.Start(context.Background(), true, nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.Failed, res.Outcome)

	var te *TranslatedError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeUnknown, te.Code)

	var se *pipeline.StageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, StageTransfer, se.Stage)

	assert.Equal(t, []string{
		StageCopyConfig,
		StageRefreshAgentInfo,
		StageAgentPreflight,
		StageCommonPreflight,
		StageCleanupArtifacts,
		StageRollbackIncompleteSnapshot,
		StageAcquireLock,
	}, res.RolledBack)

	calls := h.work.Calls()
	removeIdx, cleanupIdx := -1, -1
	for i, c := range calls {
		switch c {
		case "ConfigCopier.Remove":
			removeIdx = i
		case "Storage.CleanupArtifacts":
			cleanupIdx = i
		}
	}
	require.NotEqual(t, -1, removeIdx, "copy-config rolled back")
	assert.Equal(t, 2, h.work.count("Storage.CleanupArtifacts"), "cleanup rolled back")
	assert.Less(t, removeIdx, cleanupIdx, "rollback runs in reverse order")
	assert.Zero(t, h.work.count("Storage.TakeSnapshot"))

	snap, err := h.snapshots.Get("agent1")
	require.NoError(t, err)
	assert.Equal(t, status.SnapshotFailed, snap.State)
	assert.NotNil(t, snap.EndTime)
	assert.Nil(t, snap.SnapshotEpoch)

	assert.Equal(t, []string{CodeUnknown}, activeCodes(t, h, "agent1"))
	assert.False(t, statusRecordExists(h, "agent1"), "ephemeral status is cleared")
	assert.False(t, m.IsRunning())

	saved, err := h.assets.Get("agent1")
	require.NoError(t, err)
	assert.Contains(t, saved.LastBackupError, "input/output error")

	events := h.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, pipeline.Failed, events[1].Outcome)
	assert.Equal(t, CodeUnknown, events[1].ErrorCode)
}

func TestManager_SuccessClearsStaleAlerts(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	m := h.manager(t, "agent1")
	ctx := context.Background()

	require.NoError(t, h.store.RaiseAlert(ctx, models.NewAlert("agent1", "BKP1010", models.AlertSeverityError, "unreachable")))
	require.NoError(t, h.store.RaiseAlert(ctx, models.NewAlert("agent1", "OTHER01", models.AlertSeverityInfo, "unrelated")))

	_, err := m.Start(ctx, false, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"OTHER01"}, activeCodes(t, h, "agent1"))
}

func TestManager_VerificationFindingsRaiseAlerts(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	h.work.ransomware = true
	h.work.missing = []string{"vol-d"}
	m := h.manager(t, "agent1")

	_, err := m.Start(context.Background(), false, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{CodeRansomwareDetected, CodeMissingVolumes}, activeCodes(t, h, "agent1"))
}

func TestManager_RetryableTransportFailureIsResumable(t *testing.T) {
	h := newHarness(t)
	h.cfg.ResumableMaxRetries = 1
	h.resumable.maxRetries = 1
	h.save(t, windowsAgent("agent1"))
	h.work.fail["Transport.RefreshAgentInfo"] = &agent.TransportError{Message: "connection refused"}
	m := h.manager(t, "agent1")
	ctx := context.Background()

	_, err := m.Start(ctx, false, nil)
	var te *TranslatedError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "BKP1010", te.Code, "windows wording for an unreachable agent")

	alerts, err := h.store.ActiveAlerts(ctx, "agent1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertSeverityWarning, alerts[0].Severity)

	_, err = m.Start(ctx, false, nil)
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"BKP1010", CodeResumableExhausted}, activeCodes(t, h, "agent1"))

	f, ok, err := h.resumable.Get("agent1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, f.Retries)

	h.work.fail["Transport.RefreshAgentInfo"] = nil
	_, err = m.Start(ctx, false, nil)
	require.NoError(t, err)
	_, ok, err = h.resumable.Get("agent1")
	require.NoError(t, err)
	assert.False(t, ok, "success clears resumable state")
	assert.Empty(t, activeCodes(t, h, "agent1"))
}

func TestManager_RollbackFailureRaisesDistinctAlert(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	h.work.fail["Retention.Run"] = errors.New("pool busy")
	h.work.fail["Storage.DestroySnapshot"] = errors.New("dataset is busy")
	m := h.manager(t, "agent1")

	res, err := m.Start(context.Background(), false, nil)
	require.Error(t, err)
	assert.True(t, res.RollbackIncomplete())
	assert.ElementsMatch(t, []string{CodeUnknown, CodeRollbackIncomplete}, activeCodes(t, h, "agent1"))

	snap, err := h.snapshots.Get("agent1")
	require.NoError(t, err)
	assert.Equal(t, status.SnapshotFailed, snap.State)
	require.NotNil(t, snap.SnapshotEpoch, "the snapshot that could not be destroyed is recorded")
}

func TestManager_LockHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	m := h.manager(t, "agent1")
	ctx := context.Background()

	other := lock.New("agent1", h.factory.LockOptions(), zerolog.Nop())
	require.NoError(t, other.Acquire(ctx, 0))
	defer other.Release()

	require.NoError(t, h.factory.NewStatus("agent1", other).Update(time.Now(), status.StateTransfer, nil, "full", 0))
	_, err := h.snapshots.MarkStarted("agent1")
	require.NoError(t, err)
	_, err = h.store.EnqueueBackup(ctx, "agent1", false)
	require.NoError(t, err)

	res, err := m.Start(ctx, false, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLockTimeout)
	assert.Equal(t, pipeline.Failed, res.Outcome)

	assert.Empty(t, activeCodes(t, h, "agent1"), "no alert for a concurrent run")
	assert.True(t, statusRecordExists(h, "agent1"), "the running backup's status is untouched")
	snap, err := h.snapshots.Get("agent1")
	require.NoError(t, err)
	assert.Equal(t, status.SnapshotStarted, snap.State)
	assert.True(t, other.Held())

	queued, err := h.store.IsBackupQueued(ctx, "agent1")
	require.NoError(t, err)
	assert.False(t, queued, "the losing request is dropped")
}

func TestManager_EarlyExitReleasesQueuedRequest(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
	}{
		{
			name: "paused asset",
			setup: func(h *harness) {
				a := windowsAgent("agent1")
				a.Paused = true
				h.save(t, a)
			},
			wantErr: ErrAssetPaused,
		},
		{
			name: "host not operational",
			setup: func(h *harness) {
				h.save(t, windowsAgent("agent1"))
				h.health.err = health.ErrHostNotOperational
			},
			wantErr: health.ErrHostNotOperational,
		},
		{
			name:    "asset removed after queueing",
			setup:   func(h *harness) {},
			wantErr: assets.ErrAssetNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			ctx := context.Background()

			queuedSnap, err := h.snapshots.MarkQueued("agent1")
			require.NoError(t, err)
			_, err = h.store.EnqueueBackup(ctx, "agent1", false)
			require.NoError(t, err)

			_, err = h.manager(t, "agent1").Start(ctx, false, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, h.work.Calls())

			queued, err := h.store.IsBackupQueued(ctx, "agent1")
			require.NoError(t, err)
			assert.False(t, queued)

			snap, err := h.snapshots.Get("agent1")
			require.NoError(t, err)
			assert.Equal(t, status.SnapshotQueueFailed, snap.State)
			assert.NotNil(t, snap.EndTime)
			assert.Equal(t, queuedSnap.BackupID, snap.BackupID)
		})
	}
}

func TestManager_EarlyExitLeavesOtherRunsRecord(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	h.health.err = health.ErrHostNotOperational
	ctx := context.Background()

	_, err := h.snapshots.MarkStarted("agent1")
	require.NoError(t, err)

	_, err = h.manager(t, "agent1").Start(ctx, false, nil)
	require.Error(t, err)

	snap, err := h.snapshots.Get("agent1")
	require.NoError(t, err)
	assert.Equal(t, status.SnapshotStarted, snap.State)
}

func TestManager_PausedAsset(t *testing.T) {
	h := newHarness(t)
	a := windowsAgent("agent1")
	a.Paused = true
	h.save(t, a)
	m := h.manager(t, "agent1")

	_, err := m.Start(context.Background(), false, nil)
	assert.ErrorIs(t, err, ErrAssetPaused)
	assert.Empty(t, h.work.Calls())

	_, err = m.Start(context.Background(), true, nil)
	assert.NoError(t, err, "forced runs ignore pause")
}

func TestManager_HostNotOperational(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	h.health.err = health.ErrHostNotOperational
	m := h.manager(t, "agent1")

	_, err := m.Start(context.Background(), true, nil)
	assert.ErrorIs(t, err, health.ErrHostNotOperational)
	assert.Empty(t, h.work.Calls())
	assert.Empty(t, h.events.Events(), "no started event before the host check")
	assert.Equal(t, []string{CodeHostNotOperational}, activeCodes(t, h, "agent1"))
}

func TestManager_RepairsPlatformMismatch(t *testing.T) {
	h := newHarness(t)
	a := windowsAgent("agent1")
	a.Platform = models.PlatformShadowSnap
	a.ReportedPlatform = models.PlatformWindowsNative
	h.save(t, a)
	h.work.incomplete = true
	m := h.manager(t, "agent1")

	res, err := m.Start(context.Background(), false, nil)
	require.NoError(t, err)
	assert.NotContains(t, res.Applied, StageRollbackIncompleteSnapshot, "rollback inhibited for the repair run")
	assert.NotContains(t, res.Applied, StageClearVolumeHeaders, "runs as windows native")

	saved, err := h.assets.Get("agent1")
	require.NoError(t, err)
	assert.Equal(t, models.PlatformWindowsNative, saved.Platform)

	events := h.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "windows-native", events[0].Variant, "started event labelled after the repair")
	assert.Equal(t, events[0].Variant, events[1].Variant)
}

func TestManager_CancelledRun(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	m := h.manager(t, "agent1")

	h.work.hook["Transport.Transfer"] = func() {
		running, err := m.Cancel(context.Background())
		assert.NoError(t, err)
		assert.True(t, running)
	}

	res, err := m.Start(context.Background(), true, nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.Cancelled, res.Outcome)
	assert.ErrorIs(t, err, pipeline.ErrCancelled)

	var te *TranslatedError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeCancelled, te.Code)

	assert.Zero(t, h.work.count("Storage.TakeSnapshot"))
	assert.Equal(t, 1, h.work.count("ConfigCopier.Remove"))
	assert.False(t, h.cancel.IsCancelling("agent1"))
	assert.Empty(t, activeCodes(t, h, "agent1"), "cancellation is not alerted")

	snap, err := h.snapshots.Get("agent1")
	require.NoError(t, err)
	assert.Equal(t, status.SnapshotFailed, snap.State)
	assert.False(t, statusRecordExists(h, "agent1"))
}

func TestManager_CancelDirectToCloudSendsKill(t *testing.T) {
	h := newHarness(t)
	a := assetFor(models.VariantDirectToCloud)
	h.save(t, a)
	m := h.manager(t, a.Key)

	running, err := m.Cancel(context.Background())
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, []string{a.Key + ":" + agent.CommandKill}, h.commands.sent)
	assert.True(t, h.cancel.IsCancelling(a.Key))
}

func TestManager_CancelAndWaitUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	m := h.manager(t, "agent1")
	ctx := context.Background()

	require.NoError(t, m.CancelAndWaitUntilCancelled(ctx, time.Second), "nothing running")

	holder := lock.New("agent1", h.factory.LockOptions(), zerolog.Nop())
	require.NoError(t, holder.Acquire(ctx, 0))

	err := m.CancelAndWaitUntilCancelled(ctx, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrCancelTimeout)

	go func() {
		time.Sleep(50 * time.Millisecond)
		holder.Release()
	}()
	assert.NoError(t, m.CancelAndWaitUntilCancelled(ctx, 5*time.Second))
	assert.False(t, m.IsRunning())
}

func TestManager_GetInfo(t *testing.T) {
	h := newHarness(t)
	h.save(t, windowsAgent("agent1"))
	m := h.manager(t, "agent1")
	ctx := context.Background()

	info, err := m.GetInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.Queued)
	assert.False(t, info.Running)
	assert.True(t, info.Status.Idle())
	assert.Equal(t, status.SnapshotNoStatus, info.Snapshot.State)

	_, err = h.store.EnqueueBackup(ctx, "agent1", false)
	require.NoError(t, err)

	h.work.hook["Transport.Transfer"] = func() {
		info, err := m.GetInfo(ctx)
		assert.NoError(t, err)
		assert.True(t, info.Queued)
		assert.True(t, info.Running)
		assert.Equal(t, status.StateTransfer, info.Status.State)
		assert.Equal(t, status.SnapshotStarted, info.Snapshot.State)
	}
	_, err = m.Start(ctx, false, nil)
	require.NoError(t, err)

	info, err = m.GetInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.Queued)
	assert.True(t, info.Status.Idle())
	assert.Equal(t, status.SnapshotComplete, info.Snapshot.State)
}

func TestManager_PrepareBackup(t *testing.T) {
	h := newHarness(t)
	a := assetFor(models.VariantDirectToCloud)
	h.save(t, a)
	m := h.manager(t, a.Key)

	res, err := m.PrepareBackup(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, res.Applied, StageDTCStageVolumes)
	assert.Zero(t, h.work.count("Storage.TakeSnapshot"))
	assert.Zero(t, h.work.count("Transport.Transfer"))

	snap, err := h.snapshots.Get(a.Key)
	require.NoError(t, err)
	assert.Equal(t, status.SnapshotNoStatus, snap.State, "prepare leaves the snapshot status alone")
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager("agent1", ManagerDeps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "factory is required")

	_, err = NewManager("", ManagerDeps{})
	assert.Error(t, err)
}
