// Package hooks carries out backup stages by running operator-configured
// shell commands, one per stage action.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/agent"
	"github.com/MacJediWizard/keldris-orchestrator/internal/backup"
	"github.com/MacJediWizard/keldris-orchestrator/internal/config"
	"github.com/rs/zerolog"
)

// Stage actions a hook command can be configured for.
const (
	ActionPreflightCommon  = "preflight.common"
	ActionPreflightAsset   = "preflight.asset"
	ActionConnect          = "transport.connect"
	ActionDisconnect       = "transport.disconnect"
	ActionRefreshAgentInfo = "transport.refresh_agent_info"
	ActionTransfer         = "transport.transfer"
	ActionPostCleanup      = "transport.post_cleanup"
	ActionConfigCopy       = "config.copy"
	ActionConfigRemove     = "config.remove"
	ActionAllowList        = "shadowsnap.allow_list"
	ActionClearHeaders     = "shadowsnap.clear_headers"
	ActionRestoreHeaders   = "shadowsnap.restore_headers"
	ActionUnlock           = "encryption.unlock"
	ActionScreenshot       = "verify.screenshot"
	ActionRansomware       = "verify.ransomware"
	ActionFilesystem       = "verify.filesystem"
	ActionMissingVolumes   = "verify.missing_volumes"
	ActionDeviceWebAsset   = "deviceweb.asset"
	ActionDeviceWebReg     = "deviceweb.registry"
	ActionOffsite          = "offsite.queue"
	ActionDTCStage         = "dtc.stage_volumes"
	ActionDTCCommit        = "dtc.commit_volumes"
)

// maxStderr bounds the stderr kept for error messages.
const maxStderr = 4096

// Runner executes hook commands through /bin/sh.
type Runner struct {
	commands map[string]string
	timeout  time.Duration
	shell    string
	logger   zerolog.Logger
}

// NewRunner creates a runner for the configured commands.
func NewRunner(cfg config.HooksConfig, logger zerolog.Logger) *Runner {
	commands := make(map[string]string, len(cfg.Commands))
	for k, v := range cfg.Commands {
		commands[k] = v
	}
	return &Runner{
		commands: commands,
		timeout:  cfg.Timeout,
		shell:    "/bin/sh",
		logger:   logger.With().Str("component", "hooks").Logger(),
	}
}

// Configured reports whether action has a command.
func (r *Runner) Configured(action string) bool {
	return strings.TrimSpace(r.commands[action]) != ""
}

// Run executes the command for action with env added to the process
// environment and returns its stdout. Unconfigured actions succeed with
// empty output. A non-zero exit becomes a *backup.AgentError carrying the
// exit code; a timeout becomes a request-timeout *agent.TransportError.
func (r *Runner) Run(ctx context.Context, action string, env map[string]string) (string, error) {
	command := r.commands[action]
	if strings.TrimSpace(command) == "" {
		r.logger.Debug().Str("action", action).Msg("no hook configured, skipped")
		return "", nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Env = append(os.Environ(), flatten(env)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	logger := r.logger.With().Str("action", action).Dur("duration", time.Since(start)).Logger()

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn().Msg("hook timed out")
			return "", &agent.TransportError{
				StatusCode: http.StatusRequestTimeout,
				Message:    fmt.Sprintf("hook %s timed out after %s", action, r.timeout),
				Err:        ctx.Err(),
			}
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(tail(stderr.String(), maxStderr))
			if msg == "" {
				msg = fmt.Sprintf("hook %s failed", action)
			}
			logger.Warn().Int("exit_code", exitErr.ExitCode()).Str("stderr", msg).Msg("hook failed")
			return "", &backup.AgentError{Code: exitErr.ExitCode(), Message: msg}
		}
		return "", fmt.Errorf("run hook %s: %w", action, err)
	}

	logger.Debug().Msg("hook completed")
	return stdout.String(), nil
}

func flatten(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// lines splits hook output into trimmed non-empty lines.
func lines(out string) []string {
	var result []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			result = append(result, l)
		}
	}
	return result
}
