package predictions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"paper-tape/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/trace"
)

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const predictionColumns = `id, symbol, prediction_time, window_start,
       action, confidence, direction, magnitude,
       entry_price, model_version, audit_json,
       status, superseded_by, created_at`

// Repository stores predictions. Rows are written once and never mutated
// afterward; the only update is the explicit supersede path, which flips
// status and links the replacement.
type Repository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

// Insert writes a new prediction row. A concurrent writer hitting the
// partial unique index on (symbol, window_start) surfaces as
// ErrDuplicatePrediction, same as the gate's own check.
func (r *Repository) Insert(ctx context.Context, p domain.Prediction) (*domain.Prediction, error) {
	_, span := r.tracer.Start(ctx, "predictions-repo.insert")
	defer span.End()

	audit := p.AuditJSON
	if audit == "" {
		audit = "{}"
	}
	if !json.Valid([]byte(audit)) {
		audit = `{"raw":"invalid"}`
	}

	status := p.Status
	if status == "" {
		status = domain.PredictionActive
	}

	row := r.pool.QueryRow(ctx, `
INSERT INTO predictions (
    symbol, prediction_time, window_start,
    action, confidence, direction, magnitude,
    entry_price, model_version, audit_json, status
) VALUES (
    $1, $2, $3,
    $4, $5, $6, $7,
    $8, $9, $10, $11
)
RETURNING `+predictionColumns,
		p.Symbol,
		p.PredictionTime.UTC(),
		p.WindowStart.UTC(),
		string(p.Action),
		p.Confidence,
		p.Direction,
		p.Magnitude,
		p.EntryPrice,
		p.ModelVersion,
		audit,
		string(status),
	)
	out, err := scanPredictionRow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicatePrediction
		}
		return nil, err
	}
	return out, nil
}

// GetByID returns the prediction or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id int64) (*domain.Prediction, error) {
	_, span := r.tracer.Start(ctx, "predictions-repo.get-by-id")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
SELECT `+predictionColumns+`
FROM predictions
WHERE id = $1`, id)
	out, err := scanPredictionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveInWindow returns the active prediction for a symbol and decision
// window, or nil when the window is free.
func (r *Repository) ActiveInWindow(ctx context.Context, symbol string, windowStart time.Time) (*domain.Prediction, error) {
	_, span := r.tracer.Start(ctx, "predictions-repo.active-in-window")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
SELECT `+predictionColumns+`
FROM predictions
WHERE symbol = $1 AND window_start = $2 AND status = 'active'`,
		symbol, windowStart.UTC())
	out, err := scanPredictionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertSuperseding replaces the window's active prediction in one
// transaction. The old row flips to superseded first so the partial unique
// index admits the new active row, then gets linked to it.
func (r *Repository) InsertSuperseding(ctx context.Context, p domain.Prediction, oldID int64) (*domain.Prediction, error) {
	_, span := r.tracer.Start(ctx, "predictions-repo.insert-superseding")
	defer span.End()

	audit := p.AuditJSON
	if audit == "" {
		audit = "{}"
	}
	if !json.Valid([]byte(audit)) {
		audit = `{"raw":"invalid"}`
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE predictions
SET status = 'superseded'
WHERE id = $1
  AND status = 'active'`, oldID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, pgx.ErrNoRows
	}

	row := tx.QueryRow(ctx, `
INSERT INTO predictions (
    symbol, prediction_time, window_start,
    action, confidence, direction, magnitude,
    entry_price, model_version, audit_json, status
) VALUES (
    $1, $2, $3,
    $4, $5, $6, $7,
    $8, $9, $10, 'active'
)
RETURNING `+predictionColumns,
		p.Symbol,
		p.PredictionTime.UTC(),
		p.WindowStart.UTC(),
		string(p.Action),
		p.Confidence,
		p.Direction,
		p.Magnitude,
		p.EntryPrice,
		p.ModelVersion,
		audit,
	)
	out, err := scanPredictionRow(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE predictions
SET superseded_by = $2
WHERE id = $1`, oldID, out.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestPerSymbol returns the most recent active prediction for each symbol.
// An empty symbol list means every symbol on record.
func (r *Repository) LatestPerSymbol(ctx context.Context, symbols []string) ([]domain.Prediction, error) {
	_, span := r.tracer.Start(ctx, "predictions-repo.latest-per-symbol")
	defer span.End()

	query := `
SELECT DISTINCT ON (symbol) ` + predictionColumns + `
FROM predictions
WHERE status = 'active'`
	args := []any{}
	if len(symbols) > 0 {
		query += ` AND symbol = ANY($1)`
		args = append(args, symbols)
	}
	query += `
ORDER BY symbol, prediction_time DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPredictions(rows)
}

// ListBySymbol returns predictions for a symbol inside [from, to], newest
// first, optionally filtered by action.
func (r *Repository) ListBySymbol(ctx context.Context, symbol string, from, to time.Time, action domain.Action, limit int) ([]domain.Prediction, error) {
	_, span := r.tracer.Start(ctx, "predictions-repo.list-by-symbol")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	var err error
	if action == "" {
		rows, err = r.pool.Query(ctx, `
SELECT `+predictionColumns+`
FROM predictions
WHERE symbol = $1 AND prediction_time >= $2 AND prediction_time <= $3
ORDER BY prediction_time DESC
LIMIT $4`, symbol, from.UTC(), to.UTC(), limit)
	} else {
		rows, err = r.pool.Query(ctx, `
SELECT `+predictionColumns+`
FROM predictions
WHERE symbol = $1 AND prediction_time >= $2 AND prediction_time <= $3 AND action = $4
ORDER BY prediction_time DESC
LIMIT $5`, symbol, from.UTC(), to.UTC(), string(action), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPredictions(rows)
}

// ListDueForHorizon returns active predictions whose horizon target has
// passed and which have no outcome recorded for that horizon yet.
func (r *Repository) ListDueForHorizon(ctx context.Context, horizon domain.Horizon, asOf time.Time, limit int) ([]domain.Prediction, error) {
	_, span := r.tracer.Start(ctx, "predictions-repo.list-due-for-horizon")
	defer span.End()

	if limit <= 0 {
		limit = 200
	}
	cutoff := asOf.UTC().Add(-horizon.Duration())

	rows, err := r.pool.Query(ctx, `
SELECT `+predictionColumns+`
FROM predictions p
WHERE p.status = 'active'
  AND p.prediction_time <= $1
  AND NOT EXISTS (
      SELECT 1 FROM outcomes o
      WHERE o.prediction_id = p.id AND o.horizon = $2
  )
ORDER BY p.prediction_time ASC
LIMIT $3`, cutoff, string(horizon), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPredictions(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPredictionRow(s scanner) (*domain.Prediction, error) {
	var out domain.Prediction
	var action, status string
	var entryPrice pgtype.Float8
	var supersededBy pgtype.Int8

	if err := s.Scan(
		&out.ID,
		&out.Symbol,
		&out.PredictionTime,
		&out.WindowStart,
		&action,
		&out.Confidence,
		&out.Direction,
		&out.Magnitude,
		&entryPrice,
		&out.ModelVersion,
		&out.AuditJSON,
		&status,
		&supersededBy,
		&out.CreatedAt,
	); err != nil {
		return nil, err
	}
	out.Action = domain.Action(action)
	out.Status = domain.PredictionStatus(status)
	out.PredictionTime = out.PredictionTime.UTC()
	out.WindowStart = out.WindowStart.UTC()
	out.CreatedAt = out.CreatedAt.UTC()

	if entryPrice.Valid {
		v := entryPrice.Float64
		out.EntryPrice = &v
	}
	if supersededBy.Valid {
		v := supersededBy.Int64
		out.SupersededBy = &v
	}
	return &out, nil
}

func collectPredictions(rows pgx.Rows) ([]domain.Prediction, error) {
	var out []domain.Prediction
	for rows.Next() {
		p, err := scanPredictionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
