package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"transit_fetcher/internal/domain"
)

// persistOrder is the order in which artifact groups are written.
var persistOrder = []domain.EntityKind{
	domain.KindLineDetail,
	domain.KindCalendar,
	domain.KindEta,
}

// Persister writes a run's artifacts in one batch per entity kind, keeps the
// daily eta index up to date and announces each written group.
type Persister struct {
	store     Gateway
	publisher Publisher
	logger    *slog.Logger
}

// NewPersister creates a Persister. publisher may be nil.
func NewPersister(store Gateway, publisher Publisher, logger *slog.Logger) *Persister {
	return &Persister{store: store, publisher: publisher, logger: logger}
}

// Persist writes artifacts grouped by kind and returns how many capture
// events could not be published. Storage failures abort the remaining groups.
func (p *Persister) Persist(ctx context.Context, capture domain.Capture, artifacts []domain.RawArtifact) (int, error) {
	groups := make(map[domain.EntityKind]map[string][]byte)
	for _, a := range artifacts {
		if groups[a.Kind] == nil {
			groups[a.Kind] = make(map[string][]byte)
		}
		groups[a.Kind][a.Key] = a.Payload
	}

	publishErrs := 0
	for _, kind := range persistOrder {
		entries := groups[kind]
		if len(entries) == 0 {
			continue
		}

		if err := p.store.WriteMany(ctx, entries); err != nil {
			return publishErrs, fmt.Errorf("write %s artifacts: %w", kind, err)
		}

		keys := sortedKeys(entries)
		p.logger.Debug("artifacts written", "kind", kind, "count", len(keys))

		if kind == domain.KindEta {
			if err := p.appendIndex(ctx, capture, keys); err != nil {
				return publishErrs, fmt.Errorf("update eta index: %w", err)
			}
		}

		if err := p.publish(ctx, capture, kind, keys); err != nil {
			publishErrs++
			p.logger.Error("failed to publish capture event", "kind", kind, "error", err)
		}
	}

	return publishErrs, nil
}

// appendIndex adds keys to the day's eta index, one key per line. Keys already
// listed are not repeated.
func (p *Persister) appendIndex(ctx context.Context, capture domain.Capture, keys []string) error {
	indexKey := capture.EtaIndexKey()

	existing, _, err := p.store.Read(ctx, indexKey)
	if err != nil {
		return err
	}

	existing = bytes.TrimRight(existing, "\n")
	listed := make(map[string]struct{})
	for _, line := range bytes.Split(existing, []byte("\n")) {
		if len(line) > 0 {
			listed[string(line)] = struct{}{}
		}
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		buf.WriteByte('\n')
	}
	added := 0
	for _, k := range keys {
		if _, ok := listed[k]; ok {
			continue
		}
		listed[k] = struct{}{}
		buf.WriteString(k)
		buf.WriteByte('\n')
		added++
	}
	if added == 0 {
		return nil
	}

	return p.store.WriteMany(ctx, map[string][]byte{indexKey: buf.Bytes()})
}

func (p *Persister) publish(ctx context.Context, capture domain.Capture, kind domain.EntityKind, keys []string) error {
	if p.publisher == nil {
		return nil
	}

	return p.publisher.Publish(ctx, &domain.CaptureEvent{
		SourceID:   capture.Source,
		Kind:       kind,
		Keys:       keys,
		CapturedAt: capture.At,
	})
}

func sortedKeys(entries map[string][]byte) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
