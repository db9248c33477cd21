package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/logging"
)

// Job is one scheduled cycle.
type Job func(ctx context.Context)

// Scheduler runs a Job at the window's start minutes. Overlapping runs are
// skipped, and a panicking job is logged and recovered.
type Scheduler struct {
	cron   *cron.Cron
	window Window
	job    Job
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds a Scheduler for window. The cron clock uses the
// window's Location.
func NewScheduler(window Window, job Job, logger *zap.Logger) (*Scheduler, error) {
	logger = logging.OrNop(logger).Named("schedule")
	loc := window.Location
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger: logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Scheduler{cron: c, window: window, job: job, logger: logger}

	spec := window.CronSpec()
	if window.TestMode {
		spec = "* * * * *"
	}
	if spec == "" {
		return nil, fmt.Errorf("schedule has no target minutes")
	}
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("add cron job %q: %w", spec, err)
	}
	logger.Info("cycle schedule configured", zap.String("spec", spec), zap.String("location", loc.String()))
	return s, nil
}

func (s *Scheduler) run() {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.job(s.ctx)
}

// Start begins firing jobs until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
}

// Stop halts the cron clock, cancels the job context, and waits for a
// running job up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled job: %w", ctx.Err())
	}
}

// Next is the next scheduled fire time, zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
