package prices

import (
	"context"
	"errors"
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
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Repository stores OHLCV bars. Bars are the cheap, authoritative price
// source: the resolver consults them before touching the provider.
type Repository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) UpsertBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	_, span := r.tracer.Start(ctx, "bar-repo.upsert-bars")
	defer span.End()

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(
			`INSERT INTO bars (symbol, interval, open_time, open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			     open = EXCLUDED.open,
			     high = EXCLUDED.high,
			     low = EXCLUDED.low,
			     close = EXCLUDED.close,
			     volume = EXCLUDED.volume`,
			b.Symbol, b.Interval, b.OpenTime.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range bars {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListBars returns bars in [from, to], oldest first. Indicator code treats
// the last element as the most recent observation.
func (r *Repository) ListBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Bar, error) {
	_, span := r.tracer.Start(ctx, "bar-repo.list-bars")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT symbol, interval, open_time, open, high, low, close, volume
		 FROM bars
		 WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4
		 ORDER BY open_time ASC`,
		symbol, interval, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.Symbol, &b.Interval, &b.OpenTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		b.OpenTime = b.OpenTime.UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// BarAt returns the newest bar at or before the target time, searching back
// at most lookback, or nil when no such bar is stored.
func (r *Repository) BarAt(ctx context.Context, symbol, interval string, at time.Time, lookback time.Duration) (*domain.Bar, error) {
	_, span := r.tracer.Start(ctx, "bar-repo.bar-at")
	defer span.End()

	var b domain.Bar
	err := r.pool.QueryRow(ctx,
		`SELECT symbol, interval, open_time, open, high, low, close, volume
		 FROM bars
		 WHERE symbol = $1 AND interval = $2 AND open_time <= $3 AND open_time >= $4
		 ORDER BY open_time DESC
		 LIMIT 1`,
		symbol, interval, at.UTC(), at.UTC().Add(-lookback),
	).Scan(&b.Symbol, &b.Interval, &b.OpenTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.OpenTime = b.OpenTime.UTC()
	return &b, nil
}

// DeleteBarsOlderThan prunes bars outside the retention window.
func (r *Repository) DeleteBarsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	_, span := r.tracer.Start(ctx, "bar-repo.delete-bars-older-than")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `DELETE FROM bars WHERE open_time < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
