package backup

import (
	"sort"
	"sync"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/lock"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
	"github.com/rs/zerolog"
)

// NoSnapshot is the snapshot epoch before a snapshot has been taken.
const NoSnapshot int64 = -1

// Mode distinguishes a normal backup from a direct-to-cloud prepare run.
type Mode string

const (
	ModeBackup  Mode = "backup"
	ModePrepare Mode = "prepare"
)

// VolumeBackupType is how a single volume was captured.
type VolumeBackupType string

const (
	VolumeFull         VolumeBackupType = "full"
	VolumeIncremental  VolumeBackupType = "incremental"
	VolumeDifferential VolumeBackupType = "differential"
)

// RunParams are the caller-supplied inputs of a run.
type RunParams struct {
	Forced bool
	// InhibitRollback skips rolling back an incomplete previous snapshot.
	InhibitRollback bool
	Metadata        map[string]string
}

// VerificationResults are the findings of post-backup checks.
type VerificationResults struct {
	RansomwareChecked  bool
	RansomwareDetected bool
	FilesystemChecked  bool
	FilesystemErrors   []string
	MissingChecked     bool
	MissingVolumes     []string
}

// RunContext is the mutable state shared by the stages of one run.
type RunContext struct {
	mu sync.Mutex

	asset           *models.Asset
	variant         models.Variant
	mode            Mode
	params          RunParams
	startTime       time.Time
	full            bool
	snapshotEpoch   int64
	snapshotTimeout time.Duration

	lock         *lock.BackupLock
	lockAcquired bool
	status       *status.BackupStatusService
	statusExpiry time.Duration

	transport         any
	includedVolumes   []string
	includedDisks     []string
	bytesTransferred  int64
	configuredEngine  string
	usedEngine        string
	volumeBackupTypes map[string]VolumeBackupType

	verification    VerificationResults
	offsiteQueued   bool
	osUpdatePending bool

	logger zerolog.Logger
}

func newRunContext(asset *models.Asset, variant models.Variant, mode Mode, params RunParams, start time.Time, lk *lock.BackupLock, st *status.BackupStatusService, logger zerolog.Logger) *RunContext {
	return &RunContext{
		asset:             asset,
		variant:           variant,
		mode:              mode,
		params:            params,
		startTime:         start,
		full:              asset.LastSnapshotEpoch == 0,
		snapshotEpoch:     NoSnapshot,
		lock:              lk,
		status:            st,
		includedVolumes:   asset.IncludedVolumes(),
		volumeBackupTypes: make(map[string]VolumeBackupType),
		logger:            logger,
	}
}

// Asset returns the asset being backed up.
func (rc *RunContext) Asset() *models.Asset {
	return rc.asset
}

// Variant returns the platform variant the pipeline was built for.
func (rc *RunContext) Variant() models.Variant {
	return rc.variant
}

// Mode returns whether the run is a backup or a verification.
func (rc *RunContext) Mode() Mode {
	return rc.mode
}

// Forced reports whether the run ignores the paused flag.
func (rc *RunContext) Forced() bool {
	return rc.params.Forced
}

// InhibitRollback reports whether the run skips rolling back an incomplete
// previous snapshot.
func (rc *RunContext) InhibitRollback() bool {
	return rc.params.InhibitRollback
}

// Metadata returns the caller-supplied run metadata.
func (rc *RunContext) Metadata() map[string]string {
	return rc.params.Metadata
}

// StartTime returns when the run was created.
func (rc *RunContext) StartTime() time.Time {
	return rc.startTime
}

// Logger returns the asset-scoped logger of the run.
func (rc *RunContext) Logger() *zerolog.Logger {
	return &rc.logger
}

// Lock returns the per-asset backup lock of the run.
func (rc *RunContext) Lock() *lock.BackupLock {
	return rc.lock
}

// Full reports whether this run captures full images.
func (rc *RunContext) Full() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.full
}

// SetFull overrides the full/incremental decision.
func (rc *RunContext) SetFull(full bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.full = full
}

// BackupType returns "full" or "incremental" for status records.
func (rc *RunContext) BackupType() string {
	if rc.Full() {
		return string(VolumeFull)
	}
	return string(VolumeIncremental)
}

// SnapshotEpoch returns the taken snapshot or NoSnapshot.
func (rc *RunContext) SnapshotEpoch() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.snapshotEpoch
}

// SetSnapshotEpoch records the taken snapshot. Pass NoSnapshot to reset.
func (rc *RunContext) SetSnapshotEpoch(epoch int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.snapshotEpoch = epoch
}

// HasSnapshot reports whether a snapshot has been taken.
func (rc *RunContext) HasSnapshot() bool {
	return rc.SnapshotEpoch() != NoSnapshot
}

// SnapshotEpochPtr returns the epoch for status records, or nil.
func (rc *RunContext) SnapshotEpochPtr() *int64 {
	epoch := rc.SnapshotEpoch()
	if epoch == NoSnapshot {
		return nil
	}
	return &epoch
}

// SnapshotTimeout returns how long the snapshot stage may wait.
func (rc *RunContext) SnapshotTimeout() time.Duration {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.snapshotTimeout
}

// SetSnapshotTimeout overrides the snapshot wait.
func (rc *RunContext) SetSnapshotTimeout(d time.Duration) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.snapshotTimeout = d
}

// LockAcquired reports whether this run took the backup lock.
func (rc *RunContext) LockAcquired() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lockAcquired
}

func (rc *RunContext) setLockAcquired(v bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lockAcquired = v
}

// Transport returns the handle opened by the connect stage, if any.
func (rc *RunContext) Transport() any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.transport
}

// SetTransport stores the handle opened by the connect stage.
func (rc *RunContext) SetTransport(t any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.transport = t
}

// IncludedVolumes returns the volumes selected for capture.
func (rc *RunContext) IncludedVolumes() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string(nil), rc.includedVolumes...)
}

// SetIncludedVolumes replaces the selected volumes.
func (rc *RunContext) SetIncludedVolumes(ids []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.includedVolumes = append([]string(nil), ids...)
}

// IncludedDisks returns the disks selected for capture.
func (rc *RunContext) IncludedDisks() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string(nil), rc.includedDisks...)
}

// SetIncludedDisks replaces the selected disks.
func (rc *RunContext) SetIncludedDisks(ids []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.includedDisks = append([]string(nil), ids...)
}

// BytesTransferred returns the bytes moved so far.
func (rc *RunContext) BytesTransferred() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.bytesTransferred
}

// AddBytesTransferred accumulates transferred bytes.
func (rc *RunContext) AddBytesTransferred(n int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.bytesTransferred += n
}

// SetEngines records the configured and the actually used backup engine.
func (rc *RunContext) SetEngines(configured, used string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.configuredEngine = configured
	rc.usedEngine = used
}

// Engines returns the configured and the actually used backup engine.
func (rc *RunContext) Engines() (configured, used string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.configuredEngine, rc.usedEngine
}

// SetVolumeBackupType records how a volume was captured.
func (rc *RunContext) SetVolumeBackupType(volume string, t VolumeBackupType) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.volumeBackupTypes[volume] = t
}

// VolumeBackupTypes returns a copy of the per-volume capture types.
func (rc *RunContext) VolumeBackupTypes() map[string]VolumeBackupType {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]VolumeBackupType, len(rc.volumeBackupTypes))
	for k, v := range rc.volumeBackupTypes {
		out[k] = v
	}
	return out
}

// Verification returns a copy of the check results.
func (rc *RunContext) Verification() VerificationResults {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v := rc.verification
	v.FilesystemErrors = append([]string(nil), v.FilesystemErrors...)
	v.MissingVolumes = append([]string(nil), v.MissingVolumes...)
	return v
}

func (rc *RunContext) setRansomwareResult(detected bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.verification.RansomwareChecked = true
	rc.verification.RansomwareDetected = detected
}

func (rc *RunContext) setFilesystemResult(errs []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.verification.FilesystemChecked = true
	rc.verification.FilesystemErrors = errs
}

func (rc *RunContext) setMissingVolumes(missing []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	sort.Strings(missing)
	rc.verification.MissingChecked = true
	rc.verification.MissingVolumes = missing
}

// OffsiteQueued reports whether the snapshot was handed to offsite replication.
func (rc *RunContext) OffsiteQueued() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.offsiteQueued
}

func (rc *RunContext) setOffsiteQueued(v bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.offsiteQueued = v
}

// OSUpdatePending reports whether an agent OS update was deferred until the run ends.
func (rc *RunContext) OSUpdatePending() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.osUpdatePending
}

// SetOSUpdatePending marks an agent OS update as deferred.
func (rc *RunContext) SetOSUpdatePending(v bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.osUpdatePending = v
}

// UpdateStatus publishes progress for pollers. Failures are logged only;
// progress reporting never fails a run.
func (rc *RunContext) UpdateStatus(state status.BackupState, data any) {
	if rc.status == nil {
		return
	}
	if err := rc.status.Update(rc.startTime, state, data, rc.BackupType(), rc.statusExpiry); err != nil {
		rc.logger.Warn().Err(err).Str("state", string(state)).Msg("failed to update backup status")
	}
}

// UpdateTransfer publishes transfer progress.
func (rc *RunContext) UpdateTransfer(p status.TransferProgress) {
	rc.UpdateStatus(status.StateTransfer, p)
}
