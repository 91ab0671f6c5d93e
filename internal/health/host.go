// Package health decides whether the appliance is fit to start backups.
package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MacJediWizard/keldris-orchestrator/internal/config"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrHostNotOperational is returned when a resource floor is breached.
var ErrHostNotOperational = errors.New("host is not operational")

// HostMetrics is a point-in-time view of the resources a run depends on.
type HostMetrics struct {
	DataDir         string  `json:"data_dir"`
	DiskFreeBytes   uint64  `json:"disk_free_bytes"`
	DiskTotalBytes  uint64  `json:"disk_total_bytes"`
	DiskFreePercent float64 `json:"disk_free_percent"`
	MemAvailableMB  uint64  `json:"mem_available_mb"`
}

// HostChecker evaluates HostMetrics against configured floors.
type HostChecker struct {
	dataDir string
	cfg     config.HealthConfig
	logger  zerolog.Logger

	diskUsage func(ctx context.Context, path string) (*disk.UsageStat, error)
	memory    func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewHostChecker creates a checker for the filesystem holding dataDir.
func NewHostChecker(dataDir string, cfg config.HealthConfig, logger zerolog.Logger) *HostChecker {
	return &HostChecker{
		dataDir:   dataDir,
		cfg:       cfg,
		logger:    logger.With().Str("component", "host_health").Logger(),
		diskUsage: disk.UsageWithContext,
		memory:    mem.VirtualMemoryWithContext,
	}
}

// Collect gathers current host metrics.
func (c *HostChecker) Collect(ctx context.Context) (*HostMetrics, error) {
	m := &HostMetrics{DataDir: c.dataDir}

	usage, err := c.diskUsage(ctx, c.dataDir)
	if err != nil {
		return nil, fmt.Errorf("disk usage of %s: %w", c.dataDir, err)
	}
	m.DiskFreeBytes = usage.Free
	m.DiskTotalBytes = usage.Total
	if usage.Total > 0 {
		m.DiskFreePercent = float64(usage.Free) / float64(usage.Total) * 100
	}

	vm, err := c.memory(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	m.MemAvailableMB = vm.Available / (1024 * 1024)

	return m, nil
}

// AssertOperational fails with ErrHostNotOperational when free disk or
// available memory is below its floor. Metric collection failures are
// reported as-is so a broken probe does not masquerade as a full disk.
func (c *HostChecker) AssertOperational(ctx context.Context) error {
	m, err := c.Collect(ctx)
	if err != nil {
		return err
	}

	if m.DiskFreePercent < c.cfg.MinFreeDiskPercent {
		c.logger.Error().Float64("disk_free_percent", m.DiskFreePercent).Msg("data volume below free space floor")
		return fmt.Errorf("%w: %.1f%% free on %s, need %.1f%%", ErrHostNotOperational, m.DiskFreePercent, c.dataDir, c.cfg.MinFreeDiskPercent)
	}
	if m.MemAvailableMB < c.cfg.MinFreeMemoryMB {
		c.logger.Error().Uint64("mem_available_mb", m.MemAvailableMB).Msg("available memory below floor")
		return fmt.Errorf("%w: %d MB memory available, need %d MB", ErrHostNotOperational, m.MemAvailableMB, c.cfg.MinFreeMemoryMB)
	}
	return nil
}
