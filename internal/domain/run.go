package domain

import "time"

// RunState is the position of a run in its lifecycle:
// idle -> token_acquired -> dispatched -> (retry_pending -> retry_dispatched) -> persisted -> done.
// Any step may move the run to failed instead.
type RunState string

const (
	StateIdle            RunState = "idle"
	StateTokenAcquired   RunState = "token_acquired"
	StateDispatched      RunState = "dispatched"
	StateRetryPending    RunState = "retry_pending"
	StateRetryDispatched RunState = "retry_dispatched"
	StatePersisted       RunState = "persisted"
	StateDone            RunState = "done"
	StateFailed          RunState = "failed"
)

// KindCounts holds per-kind outcome counters for a run.
type KindCounts struct {
	Skipped   int
	Succeeded int
	Failed    int
}

// RunSummary holds statistics about an extraction run.
type RunSummary struct {
	RunID      string
	SourceID   string
	CapturedAt time.Time
	State      RunState
	Counts     map[EntityKind]KindCounts
	// Failures lists every entity that failed permanently in this run.
	Failures []EntityRequest
	// FailedStops lists stops still failing after the retry pass.
	FailedStops []string
	Retried     int
	PublishErrs int
	Duration    time.Duration
	Err         error
}

func NewRunSummary(runID, sourceID string, capturedAt time.Time) *RunSummary {
	return &RunSummary{
		RunID:      runID,
		SourceID:   sourceID,
		CapturedAt: capturedAt,
		State:      StateIdle,
		Counts:     make(map[EntityKind]KindCounts),
	}
}

// Failed reports whether the run was aborted.
func (s *RunSummary) Failed() bool {
	return s.State == StateFailed
}

// Fail marks the run as aborted by err.
func (s *RunSummary) Fail(err error) {
	s.State = StateFailed
	s.Err = err
}

// Tally fills the per-kind counters and failed stops from the final batch.
func (s *RunSummary) Tally(b *BatchResult) {
	for _, kind := range []EntityKind{KindLineDetail, KindCalendar, KindEta} {
		s.Counts[kind] = KindCounts{
			Skipped:   b.Skipped[kind],
			Succeeded: b.SucceededCount(kind),
			Failed:    b.FailedCount(kind),
		}
	}
	s.Failures = append([]EntityRequest(nil), b.Failed...)
	s.FailedStops = b.FailedIDs(KindEta)
}
