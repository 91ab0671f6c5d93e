package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
)

// Launcher starts a background worker for one queued backup.
type Launcher interface {
	Launch(ctx context.Context, assetKey string, forced bool) error
}

// ExecLauncher starts `backup run <key> --background` as a detached process
// in its own session, so the worker outlives the scheduler.
type ExecLauncher struct {
	binary     string
	configPath string
	logger     zerolog.Logger
}

// NewExecLauncher creates a launcher for binary. An empty binary means the
// running executable.
func NewExecLauncher(binary, configPath string, logger zerolog.Logger) (*ExecLauncher, error) {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		binary = exe
	}
	return &ExecLauncher{
		binary:     binary,
		configPath: configPath,
		logger:     logger.With().Str("component", "launcher").Logger(),
	}, nil
}

func (l *ExecLauncher) command(assetKey string, forced bool) *exec.Cmd {
	args := []string{"backup", "run", assetKey, "--background"}
	if forced {
		args = append(args, "--force")
	}
	if l.configPath != "" {
		args = append(args, "--config", l.configPath)
	}

	// Not CommandContext: the worker must survive the caller's context.
	cmd := exec.Command(l.binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd
}

// Launch starts the worker and returns once the process exists.
func (l *ExecLauncher) Launch(_ context.Context, assetKey string, forced bool) error {
	cmd := l.command(assetKey, forced)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker for %s: %w", assetKey, err)
	}
	pid := cmd.Process.Pid

	// Reap the child so it does not linger as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			l.logger.Warn().Err(err).Str("asset", assetKey).Int("pid", pid).Msg("worker exited with error")
		}
	}()

	l.logger.Info().Str("asset", assetKey).Int("pid", pid).Bool("forced", forced).Msg("worker launched")
	return nil
}
