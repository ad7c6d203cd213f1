package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/graphsync/internal/api"
	"github.com/ajitpratap0/graphsync/internal/schedule"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/JSON API server",
		Long: `Serves sync control and graph inspection over HTTP. When schedule.cron is
set, incremental syncs also run on that schedule in the same process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, logger, true)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = rt.Close() }()

			srv := api.NewServer(ctx, rt.st, rt.reg, rt.orch, rt.migrator, logger, cfg.API.AuthToken)

			if cfg.API.AuthToken == "" {
				logger.Warn("HTTP API: auth is DISABLED; set GRAPHSYNC_API_AUTH_TOKEN or api.auth_token for production use")
			}

			var sched *schedule.Scheduler
			if cfg.Schedule.Cron != "" {
				sched, err = schedule.New(cfg.Schedule.Cron, rt.orch, logger)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				sched.Start()
				logger.Info("scheduler started", "cron", cfg.Schedule.Cron, "next", sched.Next())
			}

			httpSrv := &http.Server{
				Addr:              cfg.API.ListenAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				// Synchronous sync requests hold the connection for the whole run.
				WriteTimeout: 0,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP API server starting", "addr", cfg.API.ListenAddr)
				if listenErr := httpSrv.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
					errCh <- fmt.Errorf("serve: HTTP server: %w", listenErr)
				}
				close(errCh)
			}()

			var startErr error
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case startErr = <-errCh:
			}

			if sched != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				if stopErr := sched.Stop(stopCtx); stopErr != nil {
					logger.Warn("scheduler did not stop cleanly", "error", stopErr)
				}
				cancel()
			}
			if startErr != nil {
				return startErr
			}

			const shutdownTimeout = 10 * time.Second
			if shutdownErr := api.Shutdown(httpSrv, shutdownTimeout); shutdownErr != nil {
				return fmt.Errorf("serve: graceful shutdown: %w", shutdownErr)
			}
			srv.Wait()

			// Drain the errCh in case ListenAndServe returned after Shutdown.
			if startErr := <-errCh; startErr != nil {
				return startErr
			}

			return nil
		},
	}
	return cmd
}
