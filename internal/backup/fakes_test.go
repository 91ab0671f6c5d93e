package backup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/assets"
	"github.com/MacJediWizard/keldris-orchestrator/internal/cancellation"
	"github.com/MacJediWizard/keldris-orchestrator/internal/config"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/MacJediWizard/keldris-orchestrator/internal/store"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// recorder implements every collaborator and records calls by method name.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	hook  map[string]func()

	incomplete bool
	epoch      int64
	ransomware bool
	fsErrors   []string
	missing    []string
}

func newRecorder() *recorder {
	return &recorder{
		fail:  make(map[string]error),
		hook:  make(map[string]func()),
		epoch: 1709294400,
	}
}

func (r *recorder) call(name string) error {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	err := r.fail[name]
	hook := r.hook[name]
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (r *recorder) HasIncompleteSnapshot(context.Context, *RunContext) (bool, error) {
	return r.incomplete, r.call("Storage.HasIncompleteSnapshot")
}

func (r *recorder) RollbackIncompleteSnapshot(context.Context, *RunContext) error {
	return r.call("Storage.RollbackIncompleteSnapshot")
}

func (r *recorder) CleanupArtifacts(context.Context, *RunContext) error {
	return r.call("Storage.CleanupArtifacts")
}

func (r *recorder) TakeSnapshot(context.Context, *RunContext) (int64, error) {
	if err := r.call("Storage.TakeSnapshot"); err != nil {
		return 0, err
	}
	return r.epoch, nil
}

func (r *recorder) DestroySnapshot(context.Context, *RunContext, int64) error {
	return r.call("Storage.DestroySnapshot")
}

func (r *recorder) UpdateAssetState(context.Context, *RunContext) error {
	return r.call("Storage.UpdateAssetState")
}

func (r *recorder) CheckCommon(context.Context, *RunContext) error {
	return r.call("Preflight.CheckCommon")
}

func (r *recorder) CheckAsset(context.Context, *RunContext) error {
	return r.call("Preflight.CheckAsset")
}

func (r *recorder) Connect(_ context.Context, rc *RunContext) error {
	rc.SetTransport("conn")
	return r.call("Transport.Connect")
}

func (r *recorder) Disconnect(_ context.Context, rc *RunContext) error {
	rc.SetTransport(nil)
	return r.call("Transport.Disconnect")
}

func (r *recorder) RefreshAgentInfo(context.Context, *RunContext) error {
	return r.call("Transport.RefreshAgentInfo")
}

func (r *recorder) Transfer(_ context.Context, rc *RunContext) error {
	if err := r.call("Transport.Transfer"); err != nil {
		return err
	}
	rc.AddBytesTransferred(1 << 20)
	return nil
}

func (r *recorder) PostBackupCleanup(context.Context, *RunContext) error {
	return r.call("Transport.PostBackupCleanup")
}

func (r *recorder) Copy(context.Context, *RunContext) error {
	return r.call("ConfigCopier.Copy")
}

func (r *recorder) Remove(context.Context, *RunContext) error {
	return r.call("ConfigCopier.Remove")
}

func (r *recorder) ApplyCommandAllowList(context.Context, *RunContext) error {
	return r.call("ShadowSnap.ApplyCommandAllowList")
}

func (r *recorder) ClearVolumeHeaders(context.Context, *RunContext) error {
	return r.call("ShadowSnap.ClearVolumeHeaders")
}

func (r *recorder) RestoreVolumeHeaders(context.Context, *RunContext) error {
	return r.call("ShadowSnap.RestoreVolumeHeaders")
}

func (r *recorder) Unlock(context.Context, *RunContext) error {
	return r.call("Encryption.Unlock")
}

func (r *recorder) QueueScreenshot(context.Context, *RunContext) error {
	return r.call("Verifier.QueueScreenshot")
}

func (r *recorder) CheckRansomware(context.Context, *RunContext) (bool, error) {
	return r.ransomware, r.call("Verifier.CheckRansomware")
}

func (r *recorder) CheckFilesystemIntegrity(context.Context, *RunContext) ([]string, error) {
	return r.fsErrors, r.call("Verifier.CheckFilesystemIntegrity")
}

func (r *recorder) CheckMissingVolumes(context.Context, *RunContext) ([]string, error) {
	return r.missing, r.call("Verifier.CheckMissingVolumes")
}

func (r *recorder) UpdateAsset(context.Context, *RunContext) error {
	return r.call("DeviceWeb.UpdateAsset")
}

func (r *recorder) UpdateRegistry(context.Context, *RunContext) error {
	return r.call("DeviceWeb.UpdateRegistry")
}

func (r *recorder) Run(context.Context, *RunContext) error {
	return r.call("Retention.Run")
}

func (r *recorder) Queue(context.Context, *RunContext) error {
	return r.call("Offsite.Queue")
}

func (r *recorder) StageVolumes(context.Context, *RunContext) error {
	return r.call("DirectToCloud.StageVolumes")
}

func (r *recorder) CommitVolumes(context.Context, *RunContext) error {
	return r.call("DirectToCloud.CommitVolumes")
}

func (r *recorder) collaborators() Collaborators {
	return Collaborators{
		Storage:       r,
		Preflight:     r,
		Transport:     r,
		ConfigCopier:  r,
		ShadowSnap:    r,
		Encryption:    r,
		Verifier:      r,
		DeviceWeb:     r,
		Retention:     r,
		Offsite:       r,
		DirectToCloud: r,
	}
}

type fakeHealth struct {
	err error
}

func (h *fakeHealth) AssertOperational(context.Context) error {
	return h.err
}

type fakeCommands struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (c *fakeCommands) SendCommand(_ context.Context, assetKey, command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, assetKey+":"+command)
	return c.err
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) Dispatch(_ context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

// harness wires a manager against real on-disk services in temp dirs and a
// recording fake for every collaborator.
type harness struct {
	cfg       *config.OrchestratorConfig
	work      *recorder
	assets    *assets.Repository
	store     *store.SQLiteStore
	snapshots *status.SnapshotStatusService
	cancel    *cancellation.Manager
	factory   *Factory
	resumable *ResumableTracker
	health    *fakeHealth
	commands  *fakeCommands
	events    *eventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	root := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.RuntimeDir = filepath.Join(root, "run")
	cfg.LockPollInterval = 10 * time.Millisecond

	h := &harness{
		cfg:      cfg,
		work:     newRecorder(),
		assets:   assets.NewRepository(cfg.AssetDir(), assets.NewCache(), logger),
		health:   &fakeHealth{},
		commands: &fakeCommands{},
		events:   &eventLog{},
	}

	var err error
	h.store, err = store.NewSQLiteStore(cfg.DatabaseDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { h.store.Close() })

	h.snapshots = status.NewSnapshotStatusService(cfg.SnapshotStatusDir(), clock.WallClock, logger)
	h.resumable = NewResumableTracker(cfg.ResumableStatePath(), cfg.ResumableMaxRetries, cfg.ResumableNotificationInterval, clock.WallClock, logger)

	h.factory, err = NewFactory(FactoryConfig{
		Config:        cfg,
		Collaborators: h.work.collaborators(),
		Snapshots:     h.snapshots,
		Cancellation:  cancellation.NewManager(cfg.FlagDir(), LockOptionsFor(cfg, clock.WallClock), logger),
		Clock:         clock.WallClock,
		Logger:        logger,
	})
	require.NoError(t, err)
	h.cancel = h.factory.cancel
	return h
}

func (h *harness) manager(t *testing.T, key string) *Manager {
	t.Helper()
	m, err := NewManager(key, ManagerDeps{
		Config:         h.cfg,
		Factory:        h.factory,
		Assets:         h.assets,
		SnapshotStatus: h.snapshots,
		Cancellation:   h.cancel,
		Alerts:         h.store,
		Queue:          h.store,
		Events:         h.events,
		Health:         h.health,
		Commands:       h.commands,
		Resumable:      h.resumable,
		Translator:     NewErrorTranslator(),
		Clock:          clock.WallClock,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return m
}

func (h *harness) save(t *testing.T, a *models.Asset) *models.Asset {
	t.Helper()
	require.NoError(t, h.assets.Save(a))
	return a
}

func windowsAgent(key string) *models.Asset {
	return &models.Asset{
		Key:       key,
		UUID:      "6f0b3c1e-4f1d-4c5e-9f59-0d5a2b7c8e11",
		AgentUUID: "agent-" + key,
		Hostname:  key + ".corp.local",
		Type:      models.AssetTypeAgent,
		Platform:  models.PlatformWindowsNative,
		OSFamily:  models.OSWindows,
		Volumes: []models.Volume{
			{ID: "vol-c", MountPoint: "C:", Included: true},
			{ID: "vol-d", MountPoint: "D:", Included: true},
		},
		Verification: models.VerificationSettings{
			Screenshot:          true,
			Ransomware:          true,
			FilesystemIntegrity: true,
			MissingVolumes:      true,
		},
	}
}
