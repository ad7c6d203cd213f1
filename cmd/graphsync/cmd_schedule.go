package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/graphsync/internal/schedule"
)

// stopTimeout bounds how long shutdown waits for an in-flight run.
const stopTimeout = 30 * time.Second

func scheduleCmd() *cobra.Command {
	var runNow bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run incremental syncs on the configured cron schedule",
		Long: `Runs an incremental sync on every tick of schedule.cron (six fields,
seconds first, e.g. "0 */15 * * * *"). A tick that fires while the
previous run is still going is skipped. Stops on SIGINT or SIGTERM,
cancelling the in-flight run if it does not finish in time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			if cfg.Schedule.Cron == "" {
				return fmt.Errorf("schedule: schedule.cron is not set")
			}

			rt, err := newRuntime(ctx, logger, true)
			if err != nil {
				return fmt.Errorf("schedule: %w", err)
			}
			defer func() { _ = rt.Close() }()

			sched, err := schedule.New(cfg.Schedule.Cron, rt.orch, logger)
			if err != nil {
				return fmt.Errorf("schedule: %w", err)
			}

			if runNow {
				sched.Trigger(ctx)
			}
			sched.Start()
			logger.Info("scheduler started", "cron", cfg.Schedule.Cron, "next", sched.Next())

			<-ctx.Done()
			logger.Info("shutting down")

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				return fmt.Errorf("schedule: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&runNow, "now", false, "run one incremental sync before waiting for the first tick")
	return cmd
}
