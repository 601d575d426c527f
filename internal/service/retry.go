package service

import (
	"context"
	"log/slog"

	"transit_fetcher/internal/domain"
)

// RetryCoordinator gives failed eta calls one more chance. Line detail and
// calendar failures are left for the next run, which will not find their
// artifacts and call them again.
type RetryCoordinator struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewRetryCoordinator(dispatcher *Dispatcher, logger *slog.Logger) *RetryCoordinator {
	return &RetryCoordinator{dispatcher: dispatcher, logger: logger}
}

// Retry re-dispatches exactly the given stops, once.
func (r *RetryCoordinator) Retry(ctx context.Context, capture domain.Capture, token string, failedStopIDs []string) *domain.BatchResult {
	if len(failedStopIDs) == 0 {
		return domain.NewBatchResult()
	}

	reqs := make([]domain.EntityRequest, len(failedStopIDs))
	for i, id := range failedStopIDs {
		reqs[i] = domain.Eta(id)
	}

	r.logger.Info("retrying failed eta calls", "stops", len(reqs))

	result := r.dispatcher.Dispatch(ctx, capture, token, reqs)

	if failed := result.FailedIDs(domain.KindEta); len(failed) > 0 {
		r.logger.Error("eta still failing after retry",
			"errors", len(failed),
			"stops", failed,
		)
	}

	return result
}
