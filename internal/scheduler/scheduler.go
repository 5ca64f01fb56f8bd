package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sonde-alert-service/internal/service"
)

// CycleRunner runs one alert cycle. Implemented by service.AlertEngine.
type CycleRunner interface {
	RunCycle(ctx context.Context) service.CycleReport
}

// Scheduler runs cycles back to back with a fixed pause between the end of one
// cycle and the start of the next, so cycles never overlap.
type Scheduler struct {
	runner       CycleRunner
	interval     time.Duration
	cycleTimeout time.Duration
	logger       *zap.Logger
}

// New returns a scheduler. A cycleTimeout of zero leaves cycles unbounded.
func New(runner CycleRunner, interval, cycleTimeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:       runner,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		logger:       logger,
	}
}

// Run runs a cycle immediately, then one cycle per interval until ctx is done.
// Cancellation is observed between cycles; a cycle already running finishes on
// a context detached from ctx and bounded by the cycle timeout. Run returns nil
// once it has stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval), zap.Duration("cycle_timeout", s.cycleTimeout))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		}

		s.runOnce(ctx)

		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped after in-flight cycle")
			return nil
		}
		s.logger.Info("next cycle scheduled", zap.Duration("interval", s.interval))
		timer.Reset(s.interval)
	}
}

func (s *Scheduler) runOnce(parent context.Context) {
	ctx := context.WithoutCancel(parent)
	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}
	s.runner.RunCycle(ctx)
}
