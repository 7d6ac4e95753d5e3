package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Jobs is the batch work the scheduler drives. The pipeline implements it.
type Jobs interface {
	ProcessPressure(ctx context.Context) error
	CorrectRecent(ctx context.Context) error
}

type Scheduler struct {
	jobs            Jobs
	processInterval time.Duration
	correctInterval time.Duration
	logger          *slog.Logger
}

func NewScheduler(jobs Jobs, processInterval, correctInterval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs:            jobs,
		processInterval: processInterval,
		correctInterval: correctInterval,
		logger:          logger.With("component", "scheduler"),
	}
}

// Run processes pending pressure and corrects drift once immediately, then on their
// tickers until ctx is cancelled. A job that fails is logged and retried on its next tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.processPressure(ctx)
	s.correctDrift(ctx)

	processTicker := time.NewTicker(s.processInterval)
	correctTicker := time.NewTicker(s.correctInterval)
	defer processTicker.Stop()
	defer correctTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: shutting down")
			return
		case <-processTicker.C:
			s.processPressure(ctx)
		case <-correctTicker.C:
			s.correctDrift(ctx)
		}
	}
}

func (s *Scheduler) processPressure(ctx context.Context) {
	s.logger.Info("scheduler: processing raw pressure")
	if err := s.jobs.ProcessPressure(ctx); err != nil {
		s.logger.Error("scheduler: process pressure", "error", err)
	}
}

func (s *Scheduler) correctDrift(ctx context.Context) {
	s.logger.Info("scheduler: correcting drift")
	if err := s.jobs.CorrectRecent(ctx); err != nil {
		s.logger.Error("scheduler: correct drift", "error", err)
	}
}
