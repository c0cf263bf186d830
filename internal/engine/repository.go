package engine

import (
	"context"
	"encoding/json"

	"paper-tape/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const runColumns = `run_id, kind, started_at, finished_at,
       symbols, succeeded, failed,
       insufficient_signal, price_unavailable, data_leakage, malformed_score, lock_contention,
       predictions_written, outcomes_written, anomalies_flagged, errors`

// RunRepository stores batch summaries. The table is append only; rows are
// never updated or deleted.
type RunRepository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRunRepository(pool pool, tracer trace.Tracer) *RunRepository {
	return &RunRepository{pool: pool, tracer: tracer}
}

func (r *RunRepository) InsertRun(ctx context.Context, s domain.BatchSummary) error {
	_, span := r.tracer.Start(ctx, "batch-runs-repo.insert")
	defer span.End()

	errs := []byte(`[]`)
	if len(s.Errors) > 0 {
		var err error
		errs, err = json.Marshal(s.Errors)
		if err != nil {
			return err
		}
	}

	_, err := r.pool.Exec(ctx, `
INSERT INTO batch_runs (
    run_id, kind, started_at, finished_at,
    symbols, succeeded, failed,
    insufficient_signal, price_unavailable, data_leakage, malformed_score, lock_contention,
    predictions_written, outcomes_written, anomalies_flagged, errors
) VALUES (
    $1, $2, $3, $4,
    $5, $6, $7,
    $8, $9, $10, $11, $12,
    $13, $14, $15, $16
)`,
		s.RunID,
		string(s.Kind),
		s.StartedAt.UTC(),
		s.FinishedAt.UTC(),
		s.Symbols,
		s.Succeeded,
		s.Failed,
		s.InsufficientSignal,
		s.PriceUnavailable,
		s.DataLeakage,
		s.MalformedScore,
		s.LockContention,
		s.PredictionsWritten,
		s.OutcomesWritten,
		s.AnomaliesFlagged,
		errs,
	)
	return err
}

// ListRuns returns recent batch summaries, newest first. An empty kind
// matches both batch kinds.
func (r *RunRepository) ListRuns(ctx context.Context, kind domain.BatchKind, limit int) ([]domain.BatchSummary, error) {
	_, span := r.tracer.Start(ctx, "batch-runs-repo.list")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error
	if kind == "" {
		rows, err = r.pool.Query(ctx, `
SELECT `+runColumns+`
FROM batch_runs
ORDER BY started_at DESC
LIMIT $1`, limit)
	} else {
		rows, err = r.pool.Query(ctx, `
SELECT `+runColumns+`
FROM batch_runs
WHERE kind = $1
ORDER BY started_at DESC
LIMIT $2`, string(kind), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BatchSummary
	for rows.Next() {
		var s domain.BatchSummary
		var kindRaw string
		var errsRaw []byte
		if err := rows.Scan(
			&s.RunID,
			&kindRaw,
			&s.StartedAt,
			&s.FinishedAt,
			&s.Symbols,
			&s.Succeeded,
			&s.Failed,
			&s.InsufficientSignal,
			&s.PriceUnavailable,
			&s.DataLeakage,
			&s.MalformedScore,
			&s.LockContention,
			&s.PredictionsWritten,
			&s.OutcomesWritten,
			&s.AnomaliesFlagged,
			&errsRaw,
		); err != nil {
			return nil, err
		}
		s.Kind = domain.BatchKind(kindRaw)
		s.StartedAt = s.StartedAt.UTC()
		s.FinishedAt = s.FinishedAt.UTC()
		if len(errsRaw) > 0 {
			if err := json.Unmarshal(errsRaw, &s.Errors); err != nil {
				return nil, err
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
