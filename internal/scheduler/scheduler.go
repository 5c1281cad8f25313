package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/usecase"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 5 * time.Minute

// Expirer completes overdue sessions.
type Expirer interface {
	ExpireSessions(ctx context.Context) ([]*usecase.FinishResult, error)
}

// Refiller tops up balances.
type Refiller interface {
	WeeklyRefill(ctx context.Context) (*usecase.RefillReport, error)
}

// Config holds the cron specs in standard five-field form.
type Config struct {
	Refill     string
	Expiry     string
	Location   *time.Location
	JobTimeout time.Duration
}

// Scheduler runs the expiry sweep and the weekly refill against the same
// store the request handlers use. Both jobs recompute from durable state,
// so a missed or delayed run is caught up by the next one.
type Scheduler struct {
	cron     *cron.Cron
	expirer  Expirer
	refiller Refiller
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a scheduler. It fails on an invalid cron spec.
func New(expirer Expirer, refiller Refiller, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		expirer:  expirer,
		refiller: refiller,
		timeout:  cfg.JobTimeout,
		logger:   logger,
	}

	if _, err := s.cron.AddFunc(cfg.Expiry, func() { s.RunExpiry(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid expiry schedule %q: %w", cfg.Expiry, err)
	}
	if _, err := s.cron.AddFunc(cfg.Refill, func() { s.RunRefill(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid refill schedule %q: %w", cfg.Refill, err)
	}
	return s, nil
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop: %w", ctx.Err())
	}
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// Next returns the next activation of every job.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	next := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		next = append(next, e.Next)
	}
	return next
}

// RunExpiry performs one expiry sweep.
func (s *Scheduler) RunExpiry(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := s.expirer.ExpireSessions(ctx)
	if err != nil {
		s.logger.Error("Failed to expire sessions", zap.Error(err))
		return 0
	}
	return len(results)
}

// RunRefill performs one weekly refill.
func (s *Scheduler) RunRefill(ctx context.Context) *usecase.RefillReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Info("Starting weekly refill")
	report, err := s.refiller.WeeklyRefill(ctx)
	if err != nil {
		s.logger.Error("Failed to refill balances", zap.Error(err))
		return nil
	}
	return report
}

// cronLogger routes cron's own diagnostics through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
