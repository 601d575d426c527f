package domain

// BatchResult aggregates the outcome of one dispatch pass.
type BatchResult struct {
	Succeeded []RawArtifact
	Failed    []EntityRequest
	// Skipped counts entities whose artifact already existed for the day.
	Skipped map[EntityKind]int
}

func NewBatchResult() *BatchResult {
	return &BatchResult{Skipped: make(map[EntityKind]int)}
}

// FailedIDs returns the ids of failed entities of kind, in dispatch order.
func (b *BatchResult) FailedIDs(kind EntityKind) []string {
	var ids []string
	for _, r := range b.Failed {
		if r.Kind == kind {
			ids = append(ids, r.EntityID())
		}
	}
	return ids
}

func (b *BatchResult) FailedCount(kind EntityKind) int {
	n := 0
	for _, r := range b.Failed {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func (b *BatchResult) SucceededCount(kind EntityKind) int {
	n := 0
	for _, a := range b.Succeeded {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Merge folds a retry pass into b. Every entity of the retry pass is removed
// from b.Failed; the ones still failing are added back from retry.Failed.
func (b *BatchResult) Merge(retry *BatchResult) {
	if retry == nil {
		return
	}

	retried := make(map[entityRef]struct{}, len(retry.Succeeded)+len(retry.Failed))
	for _, a := range retry.Succeeded {
		retried[entityRef{a.Kind, a.EntityID}] = struct{}{}
	}
	for _, r := range retry.Failed {
		retried[entityRef{r.Kind, r.EntityID()}] = struct{}{}
	}

	failed := make([]EntityRequest, 0, len(b.Failed))
	for _, r := range b.Failed {
		if _, ok := retried[entityRef{r.Kind, r.EntityID()}]; !ok {
			failed = append(failed, r)
		}
	}

	b.Failed = append(failed, retry.Failed...)
	b.Succeeded = append(b.Succeeded, retry.Succeeded...)
	for kind, n := range retry.Skipped {
		b.Skipped[kind] += n
	}
}

type entityRef struct {
	kind EntityKind
	id   string
}
