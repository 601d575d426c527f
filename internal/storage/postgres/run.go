package postgres

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"transit_fetcher/internal/domain"
)

// RunStore records extraction run summaries.
type RunStore struct {
	db *sqlx.DB
}

func NewRunStore(db *sqlx.DB) *RunStore {
	return &RunStore{db: db}
}

// Record stores the run, its per-kind counters and its failed entities in a
// single transaction.
func (s *RunStore) Record(ctx context.Context, summary *domain.RunSummary) error {
	return inTx(ctx, s.db, func(ctx context.Context, exec sqlx.ExtContext) error {
		if err := insertRun(ctx, exec, summary); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if err := insertCounts(ctx, exec, summary); err != nil {
			return fmt.Errorf("insert counts: %w", err)
		}
		if err := insertFailures(ctx, exec, summary); err != nil {
			return fmt.Errorf("insert failures: %w", err)
		}
		return nil
	})
}

func insertRun(ctx context.Context, exec sqlx.ExtContext, summary *domain.RunSummary) error {
	query := `
		INSERT INTO extraction_runs (
			id, source_id, captured_at, state, retried, publish_errors, duration_ms, error
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	var errText *string
	if summary.Err != nil {
		msg := summary.Err.Error()
		errText = &msg
	}

	_, err := exec.ExecContext(ctx, query,
		summary.RunID,
		summary.SourceID,
		summary.CapturedAt,
		string(summary.State),
		summary.Retried,
		summary.PublishErrs,
		summary.Duration.Milliseconds(),
		errText,
	)
	return err
}

func insertCounts(ctx context.Context, exec sqlx.ExtContext, summary *domain.RunSummary) error {
	if len(summary.Counts) == 0 {
		return nil
	}

	kinds := make([]string, 0, len(summary.Counts))
	for kind := range summary.Counts {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	rows := make([][]any, 0, len(kinds))
	for _, kind := range kinds {
		c := summary.Counts[domain.EntityKind(kind)]
		rows = append(rows, []any{summary.RunID, kind, c.Skipped, c.Succeeded, c.Failed})
	}

	query, args := bulkInsert("run_kind_counts", []string{"run_id", "kind", "skipped", "succeeded", "failed"}, rows)
	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

func insertFailures(ctx context.Context, exec sqlx.ExtContext, summary *domain.RunSummary) error {
	if len(summary.Failures) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(summary.Failures))
	for _, f := range summary.Failures {
		rows = append(rows, []any{summary.RunID, string(f.Kind), f.EntityID()})
	}

	query, args := bulkInsert("run_failures", []string{"run_id", "kind", "entity_id"}, rows)
	_, err := exec.ExecContext(ctx, query+" ON CONFLICT DO NOTHING", args...)
	return err
}

// bulkInsert builds a multi-row INSERT with numbered placeholders.
func bulkInsert(table string, columns []string, rows [][]any) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, v)
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(len(args)))
		}
		sb.WriteString(")")
	}

	return sb.String(), args
}
