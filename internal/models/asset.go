package models

import (
	"errors"
	"fmt"
	"time"
)

// AssetType is the protection mechanism of an asset.
type AssetType string

const (
	// AssetTypeAgent is a system running a backup agent.
	AssetTypeAgent AssetType = "agent"
	// AssetTypeAgentless is a virtual machine imaged through its hypervisor.
	AssetTypeAgentless AssetType = "agentless"
	// AssetTypeDirectToCloud is an agent that ships data straight to the cloud.
	AssetTypeDirectToCloud AssetType = "direct_to_cloud"
	// AssetTypeRescue is a rescue VM booted from a protected system's snapshot.
	AssetTypeRescue AssetType = "rescue"
	// AssetTypeShare is a network share mounted by the appliance.
	AssetTypeShare AssetType = "share"
	// AssetTypeExternalNAS is a share hosted on an external NAS.
	AssetTypeExternalNAS AssetType = "external_nas"
)

// Platform identifies the agent driver used for an agent-based asset.
type Platform string

const (
	PlatformShadowSnap    Platform = "shadowsnap"
	PlatformWindowsNative Platform = "windows"
	PlatformLinux         Platform = "linux"
	PlatformMac           Platform = "mac"
)

// OSFamily is the guest operating system family.
type OSFamily string

const (
	OSWindows OSFamily = "windows"
	OSLinux   OSFamily = "linux"
	OSMac     OSFamily = "mac"
	OSUnknown OSFamily = ""
)

// Volume is a protectable volume of an asset.
type Volume struct {
	ID         string `yaml:"id" json:"id"`
	MountPoint string `yaml:"mount_point" json:"mount_point"`
	Included   bool   `yaml:"included" json:"included"`
}

// VerificationSettings controls post-backup checks.
type VerificationSettings struct {
	Screenshot          bool `yaml:"screenshot" json:"screenshot"`
	Ransomware          bool `yaml:"ransomware" json:"ransomware"`
	FilesystemIntegrity bool `yaml:"filesystem_integrity" json:"filesystem_integrity"`
	MissingVolumes      bool `yaml:"missing_volumes" json:"missing_volumes"`
}

// Asset is a protected system known to the appliance.
type Asset struct {
	Key       string    `yaml:"key" json:"key"`
	UUID      string    `yaml:"uuid" json:"uuid"`
	AgentUUID string    `yaml:"agent_uuid,omitempty" json:"agent_uuid,omitempty"`
	Hostname  string    `yaml:"hostname" json:"hostname"`
	Type      AssetType `yaml:"type" json:"type"`
	Platform  Platform  `yaml:"platform,omitempty" json:"platform,omitempty"`
	// ReportedPlatform is the driver the agent last reported running.
	ReportedPlatform Platform `yaml:"reported_platform,omitempty" json:"reported_platform,omitempty"`
	OSFamily         OSFamily `yaml:"os_family,omitempty" json:"os_family,omitempty"`
	// FullDisk images agentless guests without guest-aware processing.
	FullDisk  bool     `yaml:"full_disk,omitempty" json:"full_disk,omitempty"`
	Encrypted bool     `yaml:"encrypted,omitempty" json:"encrypted,omitempty"`
	Schedule  string   `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Paused    bool     `yaml:"paused,omitempty" json:"paused,omitempty"`
	Offsite   bool     `yaml:"offsite,omitempty" json:"offsite,omitempty"`
	Volumes   []Volume `yaml:"volumes,omitempty" json:"volumes,omitempty"`

	Verification VerificationSettings `yaml:"verification" json:"verification"`

	LastSnapshotEpoch int64      `yaml:"last_snapshot_epoch,omitempty" json:"last_snapshot_epoch,omitempty"`
	LastBackupAttempt *time.Time `yaml:"last_backup_attempt,omitempty" json:"last_backup_attempt,omitempty"`
	LastBackupError   string     `yaml:"last_backup_error,omitempty" json:"last_backup_error,omitempty"`
}

// ErrUnknownVariant is returned when an asset maps to no pipeline variant.
var ErrUnknownVariant = errors.New("asset has no backup variant")

// Validate checks required fields.
func (a *Asset) Validate() error {
	if a.Key == "" {
		return errors.New("asset key is required")
	}
	if a.Type == "" {
		return errors.New("asset type is required")
	}
	return nil
}

// IsAgentless reports whether the asset is imaged through a hypervisor.
func (a *Asset) IsAgentless() bool {
	return a.Type == AssetTypeAgentless
}

// IsDirectToCloud reports whether the asset ships data straight to the cloud.
func (a *Asset) IsDirectToCloud() bool {
	return a.Type == AssetTypeDirectToCloud
}

// IsWindowsAgent reports whether the asset is an agent on a Windows guest.
func (a *Asset) IsWindowsAgent() bool {
	return a.Type == AssetTypeAgent &&
		(a.OSFamily == OSWindows || a.Platform == PlatformShadowSnap || a.Platform == PlatformWindowsNative)
}

// PlatformMismatch reports whether a Windows agent is configured for
// ShadowSnap while its agent reports the native driver.
func (a *Asset) PlatformMismatch() bool {
	return a.IsWindowsAgent() &&
		a.Platform == PlatformShadowSnap &&
		a.ReportedPlatform == PlatformWindowsNative
}

// IncludedVolumes returns the ids of volumes selected for backup.
func (a *Asset) IncludedVolumes() []string {
	var ids []string
	for _, v := range a.Volumes {
		if v.Included {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

// Variant resolves the pipeline variant for a normal backup of the asset.
func (a *Asset) Variant() (Variant, error) {
	switch a.Type {
	case AssetTypeRescue:
		return VariantRescue, nil
	case AssetTypeDirectToCloud:
		return VariantDirectToCloud, nil
	case AssetTypeShare:
		return VariantShare, nil
	case AssetTypeExternalNAS:
		return VariantExternalNASShare, nil
	case AssetTypeAgentless:
		if a.FullDisk {
			return VariantAgentlessGeneric, nil
		}
		switch a.OSFamily {
		case OSWindows:
			return VariantAgentlessWindows, nil
		case OSLinux:
			return VariantAgentlessLinux, nil
		default:
			return VariantAgentlessGeneric, nil
		}
	case AssetTypeAgent:
		switch a.Platform {
		case PlatformShadowSnap:
			return VariantWindowsShadowSnap, nil
		case PlatformWindowsNative:
			return VariantWindowsNative, nil
		case PlatformLinux:
			return VariantLinux, nil
		case PlatformMac:
			return VariantMac, nil
		}
	}
	return 0, fmt.Errorf("%w: type=%q platform=%q", ErrUnknownVariant, a.Type, a.Platform)
}
