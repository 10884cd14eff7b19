package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Runner is one pass; Pass implements it.
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// Scheduler calls Runner once at start and then on every tick. A failed
// pass is logged and the next tick proceeds normally.
type Scheduler struct {
	pass     Runner
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a Scheduler. timeout bounds a single pass; zero means the
// interval.
func New(pass Runner, interval, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{pass: pass, interval: interval, timeout: timeout, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.pass.Run(ctx); err != nil {
		s.logger.Error("pass failed", zap.Error(err))
	}
}
