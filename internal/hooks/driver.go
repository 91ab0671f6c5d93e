package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MacJediWizard/keldris-orchestrator/internal/backup"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/MacJediWizard/keldris-orchestrator/internal/status"
)

// Staging prepares the directory a run writes its data into.
type Staging interface {
	PrepareStaging(assetKey string) (string, error)
}

// Driver implements every hook-backed collaborator. Each method runs the
// command configured for its action with the run described in KELDRIS_*
// environment variables.
type Driver struct {
	runner  *Runner
	staging Staging
}

// NewDriver creates a driver writing transfers into staging.
func NewDriver(runner *Runner, staging Staging) *Driver {
	return &Driver{runner: runner, staging: staging}
}

// Collaborators returns a full set with storage and retention supplied by
// the caller and everything else served by hooks.
func (d *Driver) Collaborators(storage backup.Storage, retention backup.Retention) backup.Collaborators {
	return backup.Collaborators{
		Storage:       storage,
		Preflight:     d,
		Transport:     d,
		ConfigCopier:  d,
		ShadowSnap:    d,
		Encryption:    d,
		Verifier:      d,
		DeviceWeb:     d,
		Retention:     retention,
		Offsite:       d,
		DirectToCloud: d,
	}
}

func env(rc *backup.RunContext) map[string]string {
	a := rc.Asset()
	e := map[string]string{
		"KELDRIS_ASSET":       a.Key,
		"KELDRIS_ASSET_UUID":  a.UUID,
		"KELDRIS_HOSTNAME":    a.Hostname,
		"KELDRIS_VARIANT":     rc.Variant().String(),
		"KELDRIS_MODE":        string(rc.Mode()),
		"KELDRIS_BACKUP_TYPE": rc.BackupType(),
		"KELDRIS_FORCED":      strconv.FormatBool(rc.Forced()),
		"KELDRIS_VOLUMES":     strings.Join(rc.IncludedVolumes(), ","),
		"KELDRIS_DISKS":       strings.Join(rc.IncludedDisks(), ","),
	}
	if rc.HasSnapshot() {
		e["KELDRIS_SNAPSHOT_EPOCH"] = strconv.FormatInt(rc.SnapshotEpoch(), 10)
	}
	return e
}

func (d *Driver) run(ctx context.Context, rc *backup.RunContext, action string) (string, error) {
	return d.runner.Run(ctx, action, env(rc))
}

func (d *Driver) exec(ctx context.Context, rc *backup.RunContext, action string) error {
	_, err := d.run(ctx, rc, action)
	return err
}

func (d *Driver) CheckCommon(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionPreflightCommon)
}

func (d *Driver) CheckAsset(ctx context.Context, rc *backup.RunContext) error {
	a := rc.Asset()
	if a.Type == models.AssetTypeAgent && len(rc.IncludedVolumes()) == 0 {
		return fmt.Errorf("asset %s has no volumes included in backups", a.Key)
	}
	return d.exec(ctx, rc, ActionPreflightAsset)
}

func (d *Driver) Connect(ctx context.Context, rc *backup.RunContext) error {
	out, err := d.run(ctx, rc, ActionConnect)
	if err != nil {
		return err
	}
	// The handle is whatever the hook printed, typically a session id.
	rc.SetTransport(strings.TrimSpace(out))
	return nil
}

func (d *Driver) Disconnect(ctx context.Context, rc *backup.RunContext) error {
	if rc.Transport() == nil {
		return nil
	}
	err := d.exec(ctx, rc, ActionDisconnect)
	rc.SetTransport(nil)
	return err
}

func (d *Driver) RefreshAgentInfo(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionRefreshAgentInfo)
}

// Transfer runs the transfer hook with KELDRIS_STAGING_DIR set and counts
// what it wrote as the bytes transferred.
func (d *Driver) Transfer(ctx context.Context, rc *backup.RunContext) error {
	dir, err := d.staging.PrepareStaging(rc.Asset().Key)
	if err != nil {
		return err
	}

	e := env(rc)
	e["KELDRIS_STAGING_DIR"] = dir
	rc.UpdateTransfer(status.TransferProgress{Step: status.StepTransferring})
	if _, err := d.runner.Run(ctx, ActionTransfer, e); err != nil {
		return err
	}

	size, err := dirSize(dir)
	if err != nil {
		return fmt.Errorf("measure transfer: %w", err)
	}
	rc.AddBytesTransferred(size)
	rc.UpdateTransfer(status.TransferProgress{Step: status.StepTransferring, BytesSent: size, BytesTotal: size})
	return nil
}

func (d *Driver) PostBackupCleanup(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionPostCleanup)
}

func (d *Driver) Copy(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionConfigCopy)
}

func (d *Driver) Remove(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionConfigRemove)
}

func (d *Driver) ApplyCommandAllowList(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionAllowList)
}

func (d *Driver) ClearVolumeHeaders(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionClearHeaders)
}

func (d *Driver) RestoreVolumeHeaders(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionRestoreHeaders)
}

func (d *Driver) Unlock(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionUnlock)
}

func (d *Driver) QueueScreenshot(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionScreenshot)
}

// CheckRansomware reports detection when the hook prints "detected".
func (d *Driver) CheckRansomware(ctx context.Context, rc *backup.RunContext) (bool, error) {
	out, err := d.run(ctx, rc, ActionRansomware)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(out), "detected"), nil
}

// CheckFilesystemIntegrity returns one error per line the hook prints.
func (d *Driver) CheckFilesystemIntegrity(ctx context.Context, rc *backup.RunContext) ([]string, error) {
	out, err := d.run(ctx, rc, ActionFilesystem)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// CheckMissingVolumes returns one volume per line the hook prints.
func (d *Driver) CheckMissingVolumes(ctx context.Context, rc *backup.RunContext) ([]string, error) {
	out, err := d.run(ctx, rc, ActionMissingVolumes)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func (d *Driver) UpdateAsset(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionDeviceWebAsset)
}

func (d *Driver) UpdateRegistry(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionDeviceWebReg)
}

func (d *Driver) Queue(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionOffsite)
}

func (d *Driver) StageVolumes(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionDTCStage)
}

func (d *Driver) CommitVolumes(ctx context.Context, rc *backup.RunContext) error {
	return d.exec(ctx, rc, ActionDTCCommit)
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(_ string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}
