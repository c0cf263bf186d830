package outcomes

import (
	"context"
	"time"

	"paper-tape/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const outcomeColumns = `id, prediction_id, horizon,
       entry_price, exit_price, return_pct, realized_label,
       evaluated_at, created_at`

// Repository stores evaluated outcomes. The unique key on
// (prediction_id, horizon) makes re-evaluation idempotent.
type Repository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) Upsert(ctx context.Context, o domain.Outcome) (*domain.Outcome, error) {
	_, span := r.tracer.Start(ctx, "outcomes-repo.upsert")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
INSERT INTO outcomes (
    prediction_id, horizon,
    entry_price, exit_price, return_pct, realized_label,
    evaluated_at
) VALUES (
    $1, $2,
    $3, $4, $5, $6,
    $7
)
ON CONFLICT (prediction_id, horizon) DO UPDATE SET
    entry_price = EXCLUDED.entry_price,
    exit_price = EXCLUDED.exit_price,
    return_pct = EXCLUDED.return_pct,
    realized_label = EXCLUDED.realized_label,
    evaluated_at = EXCLUDED.evaluated_at
RETURNING `+outcomeColumns,
		o.PredictionID,
		string(o.Horizon),
		o.EntryPrice,
		o.ExitPrice,
		o.ReturnPct,
		string(o.RealizedLabel),
		o.EvaluatedAt.UTC(),
	)
	return scanOutcomeRow(row)
}

// ListForPrediction returns a prediction's outcomes in evaluation order.
func (r *Repository) ListForPrediction(ctx context.Context, predictionID int64) ([]domain.Outcome, error) {
	_, span := r.tracer.Start(ctx, "outcomes-repo.list-for-prediction")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
SELECT `+outcomeColumns+`
FROM outcomes
WHERE prediction_id = $1
ORDER BY evaluated_at ASC`, predictionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		o, err := scanOutcomeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// EvaluatedPair joins an outcome with the prediction it scores, for
// performance reporting.
type EvaluatedPair struct {
	Outcome    domain.Outcome
	Symbol     string
	Action     domain.Action
	Confidence float64
}

// ListEvaluatedSince returns every outcome evaluated at or after the cutoff
// together with its prediction's action and confidence.
func (r *Repository) ListEvaluatedSince(ctx context.Context, since time.Time) ([]EvaluatedPair, error) {
	_, span := r.tracer.Start(ctx, "outcomes-repo.list-evaluated-since")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
SELECT o.id, o.prediction_id, o.horizon,
       o.entry_price, o.exit_price, o.return_pct, o.realized_label,
       o.evaluated_at, o.created_at,
       p.symbol, p.action, p.confidence
FROM outcomes o
JOIN predictions p ON p.id = o.prediction_id
WHERE o.evaluated_at >= $1
ORDER BY o.evaluated_at ASC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvaluatedPair
	for rows.Next() {
		var pair EvaluatedPair
		var horizon, label, action string
		if err := rows.Scan(
			&pair.Outcome.ID,
			&pair.Outcome.PredictionID,
			&horizon,
			&pair.Outcome.EntryPrice,
			&pair.Outcome.ExitPrice,
			&pair.Outcome.ReturnPct,
			&label,
			&pair.Outcome.EvaluatedAt,
			&pair.Outcome.CreatedAt,
			&pair.Symbol,
			&action,
			&pair.Confidence,
		); err != nil {
			return nil, err
		}
		pair.Outcome.Horizon = domain.Horizon(horizon)
		pair.Outcome.RealizedLabel = domain.Action(label)
		pair.Outcome.EvaluatedAt = pair.Outcome.EvaluatedAt.UTC()
		pair.Outcome.CreatedAt = pair.Outcome.CreatedAt.UTC()
		pair.Action = domain.Action(action)
		out = append(out, pair)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcomeRow(s scanner) (*domain.Outcome, error) {
	var out domain.Outcome
	var horizon, label string

	if err := s.Scan(
		&out.ID,
		&out.PredictionID,
		&horizon,
		&out.EntryPrice,
		&out.ExitPrice,
		&out.ReturnPct,
		&label,
		&out.EvaluatedAt,
		&out.CreatedAt,
	); err != nil {
		return nil, err
	}
	out.Horizon = domain.Horizon(horizon)
	out.RealizedLabel = domain.Action(label)
	out.EvaluatedAt = out.EvaluatedAt.UTC()
	out.CreatedAt = out.CreatedAt.UTC()
	return &out, nil
}
