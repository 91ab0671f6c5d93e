package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/api"
	"github.com/MacJediWizard/keldris-orchestrator/internal/api/handlers"
	"github.com/MacJediWizard/keldris-orchestrator/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	var inline bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backup scheduler and status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{metrics: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, inline)
		},
	}

	cmd.Flags().BoolVar(&inline, "inline", false, "Run scheduled backups inside this process instead of detached workers")
	return cmd
}

func serve(ctx context.Context, a *app, inline bool) error {
	var launcher scheduler.Launcher
	var inl *inlineLauncher
	if inline {
		inl = &inlineLauncher{app: a}
		launcher = inl
	} else {
		exe, err := scheduler.NewExecLauncher(a.cfg.WorkerBinary, a.configPath, a.logger)
		if err != nil {
			return err
		}
		launcher = exe
	}

	sched := scheduler.New(a.assets, a.store, a.snapshots, a.factory.LockOptions(), launcher, a.logger)
	sched.WithRetries(a.resumable, a.cfg.ResumableRetryInterval)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	routerCfg := api.DefaultConfig()
	routerCfg.Version, routerCfg.Commit, routerCfg.BuildDate = Version, Commit, BuildDate
	if a.registry != nil {
		routerCfg.Gatherer = a.registry
	}
	router := api.NewRouter(routerCfg,
		handlers.NewBackupHandler(a, a.snapshots, a.cfg.CancelWaitTimeout, a.logger).WithSuspender(a.cancel),
		handlers.NewHealthHandler(a.health, a.logger),
		a.logger,
	)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Bool("inline", inline).Msg("status API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutting down")
	case serveErr = <-errCh:
		a.logger.Error().Err(serveErr).Msg("status API failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("status API shutdown incomplete")
	}
	<-sched.Stop().Done()
	if inl != nil {
		inl.Wait()
	}
	return serveErr
}
