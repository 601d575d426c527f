package service

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"transit_fetcher/internal/domain"
)

const defaultMaxInFlight = 200

type DispatcherConfig struct {
	// MaxInFlight bounds concurrent upstream calls and existence checks.
	MaxInFlight int
	// RateLimit is the request rate in calls per second; zero disables it.
	RateLimit float64
	Burst     int
	// LenientExists treats a failed existence check as "not captured yet".
	LenientExists bool
}

// Dispatcher fans entity requests out to the upstream API, skipping daily
// entities already captured.
type Dispatcher struct {
	fetcher       Fetcher
	store         Gateway
	limiter       *rate.Limiter
	maxInFlight   int
	lenientExists bool
	logger        *slog.Logger
}

func NewDispatcher(fetcher Fetcher, store Gateway, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}

	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}

	return &Dispatcher{
		fetcher:       fetcher,
		store:         store,
		limiter:       rate.NewLimiter(limit, burst),
		maxInFlight:   maxInFlight,
		lenientExists: cfg.LenientExists,
		logger:        logger,
	}
}

// Run performs the first pass of a run: one line detail call per line not yet
// captured today, one calendar call unless captured today, and one eta call
// per stop, always.
func (d *Dispatcher) Run(ctx context.Context, capture domain.Capture, token string, lineIDs, stopIDs []string) (*domain.BatchResult, error) {
	day := capture.Day()

	daily := make([]domain.EntityRequest, 0, len(lineIDs)+1)
	for _, id := range lineIDs {
		daily = append(daily, domain.LineDetail(id, day))
	}
	daily = append(daily, domain.Calendar(day, day))

	present, err := d.captured(ctx, capture, daily)
	if err != nil {
		return nil, err
	}

	skipped := make(map[domain.EntityKind]int)
	reqs := make([]domain.EntityRequest, 0, len(daily)+len(stopIDs))
	for i, req := range daily {
		if present[i] {
			skipped[req.Kind]++
			continue
		}
		reqs = append(reqs, req)
	}
	for _, id := range stopIDs {
		reqs = append(reqs, domain.Eta(id))
	}

	d.logger.Debug("already captured today",
		"line_detail", skipped[domain.KindLineDetail],
		"calendar", skipped[domain.KindCalendar],
	)

	result := d.Dispatch(ctx, capture, token, reqs)
	for kind, n := range skipped {
		result.Skipped[kind] += n
	}

	return result, nil
}

// Dispatch issues every request concurrently and waits for all of them. A
// failing call never affects its siblings: it is recorded in Failed with its
// original identifiers.
func (d *Dispatcher) Dispatch(ctx context.Context, capture domain.Capture, token string, reqs []domain.EntityRequest) *domain.BatchResult {
	// replies[i] always answers reqs[i].
	replies := make([]domain.Reply, len(reqs))

	var g errgroup.Group
	g.SetLimit(d.maxInFlight)
	for i, req := range reqs {
		g.Go(func() error {
			replies[i] = d.call(ctx, token, req)
			return nil
		})
	}
	_ = g.Wait()

	result := domain.NewBatchResult()
	for i, req := range reqs {
		reply := replies[i]
		if reply.OK() {
			result.Succeeded = append(result.Succeeded, domain.RawArtifact{
				Key:        req.Key(capture),
				Kind:       req.Kind,
				EntityID:   req.EntityID(),
				Payload:    reply.Body,
				CapturedAt: capture.At,
			})
			continue
		}

		result.Failed = append(result.Failed, req)
		err := reply.Err
		if err == nil {
			err = fmt.Errorf("%w: code %s", domain.ErrUpstreamRejected, reply.Code)
		}
		d.logger.Error("entity call failed",
			"kind", req.Kind,
			"entity_id", req.EntityID(),
			"code", reply.Code,
			"error", err,
		)
	}

	return result
}

func (d *Dispatcher) call(ctx context.Context, token string, req domain.EntityRequest) (reply domain.Reply) {
	defer func() {
		if r := recover(); r != nil {
			reply = domain.SentinelReply(fmt.Errorf("%w: panic: %v", domain.ErrTransport, r))
		}
	}()

	if err := d.limiter.Wait(ctx); err != nil {
		return domain.SentinelReply(fmt.Errorf("%w: rate limiter: %w", domain.ErrTransport, err))
	}

	reply, err := d.fetcher.Fetch(ctx, token, req)
	if err != nil {
		return domain.SentinelReply(err)
	}
	return reply
}

// captured checks which requests already have an artifact for the day.
func (d *Dispatcher) captured(ctx context.Context, capture domain.Capture, reqs []domain.EntityRequest) ([]bool, error) {
	present := make([]bool, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxInFlight)
	for i, req := range reqs {
		g.Go(func() error {
			key := req.Key(capture)
			ok, err := d.store.Exists(gctx, key)
			if err == nil {
				present[i] = ok
				return nil
			}
			if d.lenientExists {
				d.logger.Warn("existence check failed, assuming not captured", "key", key, "error", err)
				return nil
			}
			return fmt.Errorf("check %s: %w", key, err)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return present, nil
}
