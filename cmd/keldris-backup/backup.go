package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MacJediWizard/keldris-orchestrator/internal/backup"
	"github.com/MacJediWizard/keldris-orchestrator/internal/pipeline"
	"github.com/MacJediWizard/keldris-orchestrator/internal/scheduler"
	"github.com/spf13/cobra"
)

func newBackupCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run and control asset backups",
	}

	cmd.AddCommand(
		newBackupRunCmd(configPath),
		newBackupPrepareCmd(configPath),
		newBackupQueueCmd(configPath),
		newBackupCancelCmd(configPath),
		newBackupSuspendCmd(configPath),
		newBackupStatusCmd(configPath),
	)
	return cmd
}

// cancelOnSignal turns SIGINT and SIGTERM into a cooperative cancel of the
// asset's run. The returned func stops listening.
func cancelOnSignal(a *app, assetKey string) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Warn().Str("signal", sig.String()).Str("asset", assetKey).Msg("cancelling backup")
			if _, err := a.cancel.Cancel(assetKey); err != nil {
				a.logger.Error().Err(err).Msg("failed to request cancellation")
			}
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

func printResult(cmd *cobra.Command, assetKey string, res pipeline.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backup of %s %s\n", assetKey, res.Outcome)
	fmt.Fprintf(out, "  Applied:     %d stages\n", len(res.Applied))
	if len(res.RolledBack) > 0 {
		fmt.Fprintf(out, "  Rolled back: %v\n", res.RolledBack)
	}
}

func newBackupRunCmd(configPath *string) *cobra.Command {
	var forced, background bool

	cmd := &cobra.Command{
		Use:   "run <asset>",
		Short: "Run a backup of an asset now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{quiet: background})
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.backupManager(args[0])
			if err != nil {
				return err
			}

			stop := cancelOnSignal(a, args[0])
			defer stop()

			res, err := m.Start(cmd.Context(), forced, map[string]string{"background": fmt.Sprint(background)})
			if !background {
				printResult(cmd, args[0], res)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&forced, "force", false, "Run even if backups for the asset are paused")
	cmd.Flags().BoolVar(&background, "background", false, "Run as a detached worker (log to file only)")
	return cmd
}

func newBackupPrepareCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <asset>",
		Short: "Prepare a direct-to-cloud asset for its next backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.backupManager(args[0])
			if err != nil {
				return err
			}

			stop := cancelOnSignal(a, args[0])
			defer stop()

			res, err := m.PrepareBackup(cmd.Context(), nil)
			printResult(cmd, args[0], res)
			return err
		},
	}
}

func newBackupQueueCmd(configPath *string) *cobra.Command {
	var forced bool

	cmd := &cobra.Command{
		Use:   "queue <asset>",
		Short: "Queue a backup and start it in a background worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.assets.Exists(args[0]) {
				return fmt.Errorf("asset %s not found", args[0])
			}

			launcher, err := scheduler.NewExecLauncher(a.cfg.WorkerBinary, a.configPath, a.logger)
			if err != nil {
				return err
			}
			sched := scheduler.New(a.assets, a.store, a.snapshots, a.factory.LockOptions(), launcher, a.logger)

			queued, err := sched.Trigger(cmd.Context(), args[0], forced)
			if err != nil {
				return err
			}
			if queued {
				fmt.Fprintf(cmd.OutOrStdout(), "Backup of %s queued\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Backup of %s is already running or queued\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&forced, "force", false, "Run even if backups for the asset are paused")
	return cmd
}

func newBackupCancelCmd(configPath *string) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "cancel <asset>",
		Short: "Cancel the running backup of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.backupManager(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if wait {
				if err := m.CancelAndWaitUntilCancelled(cmd.Context(), a.cfg.CancelWaitTimeout); err != nil {
					return err
				}
				fmt.Fprintf(out, "Backup of %s is not running\n", args[0])
				return nil
			}

			running, err := m.Cancel(cmd.Context())
			if err != nil {
				return err
			}
			if running {
				fmt.Fprintf(out, "Cancellation of %s requested\n", args[0])
			} else {
				fmt.Fprintf(out, "No backup of %s is running; the next run will stop after its first stage\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the backup has stopped")
	return cmd
}

func newBackupSuspendCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "suspend <asset>",
		Short: "Cancel any running backup and block new ones until interrupted",
		Long: `Cancel any running backup of the asset and hold its backup lock so no
new run can start. Backups resume when this command is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.cancel.CancelRunningAndSuspend(ctx, args[0], a.cfg.SuspendWait); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backups of %s suspended. Press Ctrl+C to resume.\n", args[0])

			<-ctx.Done()
			return a.cancel.ResumeBackups(args[0])
		},
	}
}

func newBackupStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <asset>",
		Short: "Show queue, progress and last snapshot of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.backupManager(args[0])
			if err != nil {
				return err
			}
			info, err := m.GetInfo(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd, info)
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	var te *backup.TranslatedError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &te) && te.Code == backup.CodeCancelled:
		return 2
	case errors.As(err, &te) && te.Code == backup.CodeLockTimeout:
		return 3
	default:
		return 1
	}
}
