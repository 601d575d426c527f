package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"transit_fetcher/internal/domain"
)

const (
	recordTimeout  = 10 * time.Second
	persistTimeout = 30 * time.Second
)

type ExtractConfig struct {
	SourceID string
	Location *time.Location
	Lines    []string
	Stops    []string
}

// Extractor runs one extraction: token, first pass, eta retry, persistence
// and summary. It never returns an error; failures end up in the summary.
type Extractor struct {
	sessions   *SessionManager
	dispatcher *Dispatcher
	retry      *RetryCoordinator
	persister  *Persister
	runs       RunStore
	config     ExtractConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewExtractor creates an Extractor. runs may be nil.
func NewExtractor(
	sessions *SessionManager,
	dispatcher *Dispatcher,
	retry *RetryCoordinator,
	persister *Persister,
	runs RunStore,
	logger *slog.Logger,
	cfg ExtractConfig,
) *Extractor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Extractor{
		sessions:   sessions,
		dispatcher: dispatcher,
		retry:      retry,
		persister:  persister,
		runs:       runs,
		config:     cfg,
		now:        time.Now,
		logger:     logger.With("source", cfg.SourceID),
	}
}

func (e *Extractor) Extract(ctx context.Context) (summary *domain.RunSummary) {
	start := e.now()
	capture := domain.NewCapture(e.config.SourceID, start, e.config.Location)
	summary = domain.NewRunSummary(uuid.NewString(), e.config.SourceID, capture.At)
	logger := e.logger.With("run_id", summary.RunID)

	defer func() {
		if r := recover(); r != nil {
			summary.Fail(fmt.Errorf("panic: %v", r))
			logger.Error("extraction panicked", "panic", r, "stack", string(debug.Stack()))
		}
		summary.Duration = e.now().Sub(start)
		e.finish(ctx, logger, summary)
	}()

	logger.Info("starting extraction",
		"captured_at", capture.At,
		"lines", len(e.config.Lines),
		"stops", len(e.config.Stops),
	)

	if err := e.run(ctx, logger, capture, summary); err != nil {
		summary.Fail(err)
	}

	return summary
}

func (e *Extractor) run(ctx context.Context, logger *slog.Logger, capture domain.Capture, summary *domain.RunSummary) error {
	token, err := e.sessions.Token(ctx, capture)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	if token.Value == "" {
		return fmt.Errorf("get token: %w: empty token", domain.ErrAuthentication)
	}
	summary.State = domain.StateTokenAcquired

	batch, err := e.dispatcher.Run(ctx, capture, token.Value, e.config.Lines, e.config.Stops)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	summary.State = domain.StateDispatched

	failedStops := batch.FailedIDs(domain.KindEta)
	logger.Info("first pass completed",
		"succeeded", len(batch.Succeeded),
		"line_detail_errors", batch.FailedCount(domain.KindLineDetail),
		"calendar_errors", batch.FailedCount(domain.KindCalendar),
		"eta_errors", len(failedStops),
		"failed_stops", failedStops,
	)

	switch {
	case len(failedStops) > 0 && ctx.Err() != nil:
		logger.Warn("run cancelled, skipping eta retry", "failed_stops", failedStops, "error", ctx.Err())
	case len(failedStops) > 0:
		summary.State = domain.StateRetryPending
		summary.Retried = len(failedStops)

		retried := e.retry.Retry(ctx, capture, token.Value, failedStops)
		batch.Merge(retried)
		summary.State = domain.StateRetryDispatched
	}

	summary.Tally(batch)

	// Fetched artifacts are written even when the run has been cancelled.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	publishErrs, err := e.persister.Persist(persistCtx, capture, batch.Succeeded)
	summary.PublishErrs = publishErrs
	if err != nil {
		return fmt.Errorf("persist artifacts: %w", err)
	}
	summary.State = domain.StatePersisted

	summary.State = domain.StateDone
	return nil
}

func (e *Extractor) finish(ctx context.Context, logger *slog.Logger, summary *domain.RunSummary) {
	attrs := []any{
		"state", summary.State,
		"duration", summary.Duration,
		"retried", summary.Retried,
		"failed_stops", summary.FailedStops,
		"publish_errors", summary.PublishErrs,
	}
	for kind, c := range summary.Counts {
		attrs = append(attrs, slog.Group(string(kind),
			"skipped", c.Skipped,
			"succeeded", c.Succeeded,
			"failed", c.Failed,
		))
	}

	if summary.Failed() {
		logger.Error("extraction failed", append(attrs, "error", summary.Err)...)
	} else {
		logger.Info("extraction completed", attrs...)
	}

	if e.runs == nil {
		return
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := e.runs.Record(recordCtx, summary); err != nil {
		logger.Error("failed to record run", "error", err)
	}
}
