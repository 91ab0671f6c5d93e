package backup

import (
	"context"
	"errors"
	"fmt"
)

// Storage is the snapshot-capable backing store of an asset.
type Storage interface {
	HasIncompleteSnapshot(ctx context.Context, rc *RunContext) (bool, error)
	RollbackIncompleteSnapshot(ctx context.Context, rc *RunContext) error
	CleanupArtifacts(ctx context.Context, rc *RunContext) error
	// TakeSnapshot returns the epoch of the new snapshot.
	TakeSnapshot(ctx context.Context, rc *RunContext) (int64, error)
	DestroySnapshot(ctx context.Context, rc *RunContext, epoch int64) error
	// UpdateAssetState persists what the run learned about the asset.
	UpdateAssetState(ctx context.Context, rc *RunContext) error
}

// Preflight validates that a run can start.
type Preflight interface {
	CheckCommon(ctx context.Context, rc *RunContext) error
	CheckAsset(ctx context.Context, rc *RunContext) error
}

// Transport moves data from the protected system. Connect stores its handle
// with RunContext.SetTransport.
type Transport interface {
	Connect(ctx context.Context, rc *RunContext) error
	Disconnect(ctx context.Context, rc *RunContext) error
	RefreshAgentInfo(ctx context.Context, rc *RunContext) error
	Transfer(ctx context.Context, rc *RunContext) error
	PostBackupCleanup(ctx context.Context, rc *RunContext) error
}

// ConfigCopier places the asset's backup configuration in the snapshot.
type ConfigCopier interface {
	Copy(ctx context.Context, rc *RunContext) error
	Remove(ctx context.Context, rc *RunContext) error
}

// ShadowSnapOps are the legacy Windows driver steps.
type ShadowSnapOps interface {
	ApplyCommandAllowList(ctx context.Context, rc *RunContext) error
	ClearVolumeHeaders(ctx context.Context, rc *RunContext) error
	RestoreVolumeHeaders(ctx context.Context, rc *RunContext) error
}

// Encryption unlocks the key material of encrypted assets.
type Encryption interface {
	Unlock(ctx context.Context, rc *RunContext) error
}

// Verifier runs the post-backup checks.
type Verifier interface {
	QueueScreenshot(ctx context.Context, rc *RunContext) error
	// CheckRansomware reports whether ransomware activity was detected.
	CheckRansomware(ctx context.Context, rc *RunContext) (bool, error)
	// CheckFilesystemIntegrity returns the volumes with filesystem errors.
	CheckFilesystemIntegrity(ctx context.Context, rc *RunContext) ([]string, error)
	// CheckMissingVolumes returns included volumes absent from the snapshot.
	CheckMissingVolumes(ctx context.Context, rc *RunContext) ([]string, error)
}

// DeviceWeb publishes asset state to the device portal and the registry.
type DeviceWeb interface {
	UpdateAsset(ctx context.Context, rc *RunContext) error
	UpdateRegistry(ctx context.Context, rc *RunContext) error
}

// Retention applies the asset's retention policy.
type Retention interface {
	Run(ctx context.Context, rc *RunContext) error
}

// Offsite queues a snapshot for replication.
type Offsite interface {
	Queue(ctx context.Context, rc *RunContext) error
}

// DirectToCloud drives volumes that the agent uploads out-of-band.
type DirectToCloud interface {
	StageVolumes(ctx context.Context, rc *RunContext) error
	CommitVolumes(ctx context.Context, rc *RunContext) error
}

// Collaborators are the components that do the work behind each stage.
type Collaborators struct {
	Storage       Storage
	Preflight     Preflight
	Transport     Transport
	ConfigCopier  ConfigCopier
	ShadowSnap    ShadowSnapOps
	Encryption    Encryption
	Verifier      Verifier
	DeviceWeb     DeviceWeb
	Retention     Retention
	Offsite       Offsite
	DirectToCloud DirectToCloud
}

// Validate checks that every collaborator is set.
func (c Collaborators) Validate() error {
	required := []struct {
		name string
		set  bool
	}{
		{"storage", c.Storage != nil},
		{"preflight", c.Preflight != nil},
		{"transport", c.Transport != nil},
		{"config copier", c.ConfigCopier != nil},
		{"shadowsnap", c.ShadowSnap != nil},
		{"encryption", c.Encryption != nil},
		{"verifier", c.Verifier != nil},
		{"device web", c.DeviceWeb != nil},
		{"retention", c.Retention != nil},
		{"offsite", c.Offsite != nil},
		{"direct-to-cloud", c.DirectToCloud != nil},
	}

	var errs []error
	for _, r := range required {
		if !r.set {
			errs = append(errs, fmt.Errorf("%s collaborator is required", r.name))
		}
	}
	return errors.Join(errs...)
}
