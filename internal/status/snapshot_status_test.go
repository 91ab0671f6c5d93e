package status

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSnapshotService(t *testing.T) (*SnapshotStatusService, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewSnapshotStatusService(t.TempDir(), clk, zerolog.Nop()), clk
}

func TestSnapshotStatus_NoStatus(t *testing.T) {
	svc, _ := newSnapshotService(t)

	st, err := svc.Get("asset1")
	require.NoError(t, err)
	assert.Equal(t, SnapshotNoStatus, st.State)
}

func TestSnapshotStatus_QueuedStartedPreservesID(t *testing.T) {
	svc, clk := newSnapshotService(t)

	queued, err := svc.MarkQueued("asset1")
	require.NoError(t, err)
	require.NotEmpty(t, queued.BackupID)

	clk.Advance(5 * time.Second)
	started, err := svc.MarkStarted("asset1")
	require.NoError(t, err)
	assert.Equal(t, SnapshotStarted, started.State)
	assert.Equal(t, queued.BackupID, started.BackupID)
	assert.Equal(t, queued.StartTime+5, started.StartTime)
	assert.Nil(t, started.EndTime)
}

func TestSnapshotStatus_StartedWithoutRecordGetsNewID(t *testing.T) {
	svc, _ := newSnapshotService(t)

	started, err := svc.MarkStarted("asset1")
	require.NoError(t, err)
	assert.NotEmpty(t, started.BackupID)

	_, err = svc.MarkComplete("asset1", nil)
	require.NoError(t, err)

	next, err := svc.MarkStarted("asset1")
	require.NoError(t, err)
	assert.Equal(t, started.BackupID, next.BackupID, "an existing id is kept")

	require.NoError(t, svc.Clear("asset1"))
	fresh, err := svc.MarkStarted("asset1")
	require.NoError(t, err)
	assert.NotEqual(t, started.BackupID, fresh.BackupID, "a cleared record starts a new cycle")
}

func TestSnapshotStatus_QueuedReplacesID(t *testing.T) {
	svc, _ := newSnapshotService(t)

	first, err := svc.MarkQueued("asset1")
	require.NoError(t, err)
	second, err := svc.MarkQueued("asset1")
	require.NoError(t, err)
	assert.NotEqual(t, first.BackupID, second.BackupID)
}

func TestSnapshotStatus_Terminal(t *testing.T) {
	svc, clk := newSnapshotService(t)

	started, err := svc.MarkStarted("asset1")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	epoch := int64(1709294460)
	done, err := svc.MarkComplete("asset1", &epoch)
	require.NoError(t, err)
	assert.Equal(t, SnapshotComplete, done.State)
	assert.Equal(t, started.BackupID, done.BackupID)
	require.NotNil(t, done.EndTime)
	assert.Equal(t, started.StartTime+60, *done.EndTime)
	require.NotNil(t, done.SnapshotEpoch)
	assert.Equal(t, epoch, *done.SnapshotEpoch)
	assert.True(t, done.State.IsTerminal())

	read, err := svc.Get("asset1")
	require.NoError(t, err)
	assert.Equal(t, done, read)
}

func TestSnapshotStatus_Failed(t *testing.T) {
	svc, _ := newSnapshotService(t)

	started, err := svc.MarkStarted("asset1")
	require.NoError(t, err)

	failed, err := svc.MarkFailed("asset1", nil)
	require.NoError(t, err)
	assert.Equal(t, SnapshotFailed, failed.State)
	assert.Equal(t, started.BackupID, failed.BackupID)
	assert.NotNil(t, failed.EndTime)
	assert.Nil(t, failed.SnapshotEpoch)
}

func TestSnapshotStatus_QueueFailed(t *testing.T) {
	svc, _ := newSnapshotService(t)

	queued, err := svc.MarkQueued("asset1")
	require.NoError(t, err)
	qf, err := svc.MarkQueueFailed("asset1")
	require.NoError(t, err)
	assert.Equal(t, SnapshotQueueFailed, qf.State)
	assert.Equal(t, queued.BackupID, qf.BackupID)
	assert.NotNil(t, qf.EndTime)
}

func TestSnapshotStatus_FileLayout(t *testing.T) {
	svc, _ := newSnapshotService(t)
	epoch := int64(100)
	_, err := svc.MarkStarted("asset1")
	require.NoError(t, err)
	_, err = svc.MarkComplete("asset1", &epoch)
	require.NoError(t, err)

	data, err := os.ReadFile(svc.path("asset1"))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"state", "backupId", "startTime", "endTime", "snapshotEpoch"} {
		assert.Contains(t, raw, key)
	}
}

func TestSnapshotStatus_Clear(t *testing.T) {
	svc, _ := newSnapshotService(t)
	_, err := svc.MarkQueued("asset1")
	require.NoError(t, err)

	require.NoError(t, svc.Clear("asset1"))
	require.NoError(t, svc.Clear("asset1"))

	st, err := svc.Get("asset1")
	require.NoError(t, err)
	assert.Equal(t, SnapshotNoStatus, st.State)
}

func TestSnapshotState_IsTerminal(t *testing.T) {
	assert.False(t, SnapshotQueued.IsTerminal())
	assert.False(t, SnapshotStarted.IsTerminal())
	assert.False(t, SnapshotNoStatus.IsTerminal())
	assert.True(t, SnapshotFailed.IsTerminal())
	assert.True(t, SnapshotQueueFailed.IsTerminal())
}
