// Package schedule runs incremental syncs on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/orchestrator"
)

// Runner starts incremental sync runs.
type Runner interface {
	RunIncremental(ctx context.Context, since *time.Time) (*models.RunReport, error)
}

// Scheduler triggers an incremental run on every cron tick. A tick that
// fires while a run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	entry  cron.EntryID
	runner Runner
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New parses spec (seconds field first) and prepares a scheduler. The
// scheduler does nothing until Start.
func New(spec string, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(
			cron.SkipIfStillRunning(cl),
			cron.Recover(cl),
		),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   c,
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	id, err := c.AddFunc(spec, func() { s.Trigger(s.ctx) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "next", s.Next())
}

// Next returns the next activation time, or zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Stop stops scheduling and waits for a running sync to finish. When ctx
// expires first the running sync is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done.Done()
		return fmt.Errorf("waiting for scheduled sync: %w", ctx.Err())
	}
}

// Trigger runs one incremental sync now and logs its outcome.
func (s *Scheduler) Trigger(ctx context.Context) {
	s.logger.Info("scheduled sync starting")
	rep, err := s.runner.RunIncremental(ctx, nil)
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		s.logger.Info("skipping scheduled sync, a run is already in progress")
	case err != nil:
		s.logger.Error("scheduled sync failed to start", "error", err)
	case rep.Succeeded():
		s.logger.Info("scheduled sync complete", "run_id", rep.ID, "upserted", rep.TotalUpserted(), "duration", rep.Duration())
	default:
		s.logger.Warn("scheduled sync finished with failures",
			"run_id", rep.ID,
			"state", rep.State,
			"failures", len(rep.Failures),
			"cancelled", rep.Cancelled,
		)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
