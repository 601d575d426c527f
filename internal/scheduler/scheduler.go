package scheduler

import (
	"context"
	"log/slog"
	"time"

	"transit_fetcher/internal/domain"
)

// Extractor defines the interface for a single extraction run.
type Extractor interface {
	Extract(ctx context.Context) *domain.RunSummary
}

type Scheduler struct {
	extractor  Extractor
	interval   time.Duration
	runTimeout time.Duration
	logger     *slog.Logger
}

func NewScheduler(extractor Extractor, interval, runTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		extractor:  extractor,
		interval:   interval,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// Start runs an extraction immediately and then once per interval until ctx
// is cancelled. Ticks that fire while a run is in progress are dropped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "run_timeout", s.runTimeout)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one extraction bounded by the run timeout.
func (s *Scheduler) RunOnce(ctx context.Context) *domain.RunSummary {
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	summary := s.extractor.Extract(runCtx)
	if summary != nil && summary.Failed() {
		s.logger.Error("extraction failed", "run_id", summary.RunID, "error", summary.Err)
	}
	return summary
}
