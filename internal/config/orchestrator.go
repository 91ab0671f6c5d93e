// Package config provides configuration management for the backup orchestrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.keldris).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".keldris"), nil
}

// DefaultConfigPath returns the default config file path (~/.keldris/orchestrator.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "orchestrator.yml"), nil
}

// LogConfig controls process logging.
type LogConfig struct {
	Level string `yaml:"level"`
	// File enables a rotated log file in addition to stderr.
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
}

// Features toggles optional pipeline stages appliance-wide. Per-asset
// verification settings are combined with these.
type Features struct {
	DeviceWeb              bool `yaml:"device_web"`
	Registry               bool `yaml:"registry"`
	ScreenshotVerification bool `yaml:"screenshot_verification"`
	RansomwareCheck        bool `yaml:"ransomware_check"`
	FilesystemIntegrity    bool `yaml:"filesystem_integrity"`
	MissingVolumeCheck     bool `yaml:"missing_volume_check"`
	Offsite                bool `yaml:"offsite"`
}

// HealthConfig holds the floors below which the host refuses to start runs.
type HealthConfig struct {
	MinFreeDiskPercent float64 `yaml:"min_free_disk_percent"`
	MinFreeMemoryMB    uint64  `yaml:"min_free_memory_mb"`
}

// HooksConfig maps stage actions to shell commands run for each asset.
// An action without a command is skipped.
type HooksConfig struct {
	Timeout  time.Duration     `yaml:"timeout"`
	Commands map[string]string `yaml:"commands,omitempty"`
}

// CloudConfig points at the direct-to-cloud command service.
type CloudConfig struct {
	CommandURL string        `yaml:"command_url,omitempty"`
	APIKey     string        `yaml:"api_key,omitempty"`
	Timeout    time.Duration `yaml:"timeout"`
}

// OrchestratorConfig holds the orchestrator's configuration. Every field has
// an explicit value in Default.
type OrchestratorConfig struct {
	// DataDir holds durable state: snapshot status, assets, queue database.
	DataDir string `yaml:"data_dir"`
	// RuntimeDir holds ephemeral state: locks, cancel flags, backup status.
	RuntimeDir string `yaml:"runtime_dir"`

	LockWait          time.Duration `yaml:"lock_wait"`
	LockPollInterval  time.Duration `yaml:"lock_poll_interval"`
	CancelWaitTimeout time.Duration `yaml:"cancel_wait_timeout"`
	SuspendWait       time.Duration `yaml:"suspend_wait"`
	// DTCStatusExpiry bounds how long a direct-to-cloud status stays valid
	// without an update from the agent.
	DTCStatusExpiry time.Duration `yaml:"dtc_status_expiry"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`

	// RetentionKeep is the number of local snapshots kept per asset.
	RetentionKeep int `yaml:"retention_keep"`

	ResumableMaxRetries           int           `yaml:"resumable_max_retries"`
	ResumableNotificationInterval time.Duration `yaml:"resumable_notification_interval"`
	// ResumableRetryInterval is how often assets with retries left are
	// queued again.
	ResumableRetryInterval time.Duration `yaml:"resumable_retry_interval"`

	// WorkerBinary is the executable launched for background runs.
	// Empty means the running executable.
	WorkerBinary string `yaml:"worker_binary,omitempty"`

	ListenAddr     string `yaml:"listen_addr"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	Log      LogConfig    `yaml:"log"`
	Features Features     `yaml:"features"`
	Health   HealthConfig `yaml:"health"`
	Cloud    CloudConfig  `yaml:"cloud"`
	Hooks    HooksConfig  `yaml:"hooks"`
}

// Default returns a configuration with every field populated.
func Default() *OrchestratorConfig {
	return &OrchestratorConfig{
		DataDir:                       "/var/lib/keldris",
		RuntimeDir:                    "/run/keldris",
		LockWait:                      0,
		LockPollInterval:              100 * time.Millisecond,
		CancelWaitTimeout:             5 * time.Minute,
		SuspendWait:                   10 * time.Minute,
		DTCStatusExpiry:               10 * time.Minute,
		SnapshotTimeout:               30 * time.Minute,
		RetentionKeep:                 14,
		ResumableMaxRetries:           5,
		ResumableNotificationInterval: 6 * time.Hour,
		ResumableRetryInterval:        15 * time.Minute,
		ListenAddr:                    "127.0.0.1:8085",
		MetricsEnabled:                true,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Console:    true,
		},
		Features: Features{
			DeviceWeb:              true,
			Registry:               true,
			ScreenshotVerification: true,
			RansomwareCheck:        true,
			FilesystemIntegrity:    true,
			MissingVolumeCheck:     true,
			Offsite:                false,
		},
		Health: HealthConfig{
			MinFreeDiskPercent: 5,
			MinFreeMemoryMB:    256,
		},
		Cloud: CloudConfig{
			Timeout: 30 * time.Second,
		},
		Hooks: HooksConfig{
			Timeout: time.Hour,
		},
	}
}

// Validate checks that the configuration has required fields for operation.
func (c *OrchestratorConfig) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.RuntimeDir == "" {
		return errors.New("runtime_dir is required")
	}
	if c.LockWait < 0 {
		return errors.New("lock_wait must not be negative")
	}
	if c.LockPollInterval <= 0 {
		return errors.New("lock_poll_interval must be positive")
	}
	if c.CancelWaitTimeout <= 0 {
		return errors.New("cancel_wait_timeout must be positive")
	}
	if c.ResumableMaxRetries < 0 {
		return errors.New("resumable_max_retries must not be negative")
	}
	if c.ResumableRetryInterval <= 0 {
		return errors.New("resumable_retry_interval must be positive")
	}
	if c.RetentionKeep < 1 {
		return errors.New("retention_keep must be at least 1")
	}
	if c.Hooks.Timeout <= 0 {
		return errors.New("hooks.timeout must be positive")
	}
	if c.Health.MinFreeDiskPercent < 0 || c.Health.MinFreeDiskPercent > 100 {
		return errors.New("health.min_free_disk_percent must be between 0 and 100")
	}
	return nil
}

// LockDir is where backup locks and legacy shadow files live.
func (c *OrchestratorConfig) LockDir() string {
	return filepath.Join(c.RuntimeDir, "locks")
}

// FlagDir is where cancel flags live.
func (c *OrchestratorConfig) FlagDir() string {
	return filepath.Join(c.RuntimeDir, "flags")
}

// StatusDir is where ephemeral backup status records live.
func (c *OrchestratorConfig) StatusDir() string {
	return filepath.Join(c.RuntimeDir, "status")
}

// SnapshotStatusDir is where durable snapshot status records live.
func (c *OrchestratorConfig) SnapshotStatusDir() string {
	return filepath.Join(c.DataDir, "snapshot-status")
}

// AssetDir is where asset records live.
func (c *OrchestratorConfig) AssetDir() string {
	return filepath.Join(c.DataDir, "assets")
}

// SnapshotDir is where the local snapshot store keeps snapshots.
func (c *OrchestratorConfig) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// ResumableStatePath is the process-wide resumable failure record.
func (c *OrchestratorConfig) ResumableStatePath() string {
	return filepath.Join(c.DataDir, "resumableBackupFailures.json")
}

// DatabaseDir holds the queue and alert database.
func (c *OrchestratorConfig) DatabaseDir() string {
	return c.DataDir
}

// Load reads the configuration from the given path. Missing fields keep
// their defaults; a missing file yields Default().
func Load(path string) (*OrchestratorConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*OrchestratorConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *OrchestratorConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write with restricted permissions (user-only read/write)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
