package sweeper

import (
	"context"
	"io"
	"log/slog"
	"time"

	"spacebook/pkg/platform/clock"
)

// Runner is what the scheduler drives; *Sweeper satisfies it.
type Runner interface {
	Sweep(ctx context.Context) (Result, error)
}

// Scheduler ticks a Runner at a fixed interval.
type Scheduler struct {
	runner   Runner
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler builds a scheduler; a non-positive interval means DefaultInterval.
func NewScheduler(runner Runner, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{runner: runner, interval: interval}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Sweep errors are logged; the next tick retries.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "expiry sweeper started", "interval", s.interval)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.runner.Sweep(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "expiry sweep failed",
			"expired", res.Expired,
			"failed", res.Failed,
			"error", err,
		)
		return
	}
	if res.Expired > 0 || res.Stale > 0 {
		s.logger.InfoContext(ctx, "expiry sweep finished",
			"scanned", res.Scanned,
			"expired", res.Expired,
			"stale", res.Stale,
		)
	}
}
