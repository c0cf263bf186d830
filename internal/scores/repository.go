package scores

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
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
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Repository struct {
	pool   pool
	tracer trace.Tracer
}

// CategoryStats aggregates scored items of one component category over a
// lookback window.
type CategoryStats struct {
	Score      float64
	Confidence float64
	Count      int
}

// Snapshot is one persisted component score set row. Scores and quality
// metadata travel as JSON payloads so externally written rows survive the
// round trip; DecodeSnapshot parses them defensively.
type Snapshot struct {
	ID           int64
	Symbol       string
	BucketTime   time.Time
	ScoresJSON   string
	VolumeFormat string
	VolumeValue  float64
	QualityJSON  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) UpsertItems(ctx context.Context, items []domain.SentimentItem) ([]domain.SentimentItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	_, span := r.tracer.Start(ctx, "scores-repo.upsert-items")
	defer span.End()

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
INSERT INTO sentiment_items (
    source, source_item_id, title, excerpt, author, url,
    published_at, fetched_at,
    sentiment_score, sentiment_confidence, sentiment_label, sentiment_model, scored_at
) VALUES (
    $1, $2, $3, $4, $5, $6,
    $7, $8,
    $9, $10, $11, $12, $13
)
ON CONFLICT (source, source_item_id) DO UPDATE SET
    title = EXCLUDED.title,
    excerpt = EXCLUDED.excerpt,
    author = EXCLUDED.author,
    url = EXCLUDED.url,
    published_at = EXCLUDED.published_at,
    fetched_at = EXCLUDED.fetched_at,
    sentiment_score = COALESCE(EXCLUDED.sentiment_score, sentiment_items.sentiment_score),
    sentiment_confidence = COALESCE(EXCLUDED.sentiment_confidence, sentiment_items.sentiment_confidence),
    sentiment_label = COALESCE(EXCLUDED.sentiment_label, sentiment_items.sentiment_label),
    sentiment_model = COALESCE(EXCLUDED.sentiment_model, sentiment_items.sentiment_model),
    scored_at = COALESCE(EXCLUDED.scored_at, sentiment_items.scored_at),
    updated_at = NOW()
RETURNING id, source, source_item_id, title, excerpt, author, url,
          published_at, fetched_at,
          sentiment_score, sentiment_confidence, sentiment_label, sentiment_model, scored_at,
          created_at, updated_at, '{}'::text[]`,
			item.Source,
			item.SourceItemID,
			item.Title,
			item.Excerpt,
			item.Author,
			item.URL,
			item.PublishedAt.UTC(),
			nullIfZeroTime(item.FetchedAt),
			nullFloat(item.SentimentScore),
			nullFloat(item.SentimentConfidence),
			nullString(item.SentimentLabel),
			nullString(item.SentimentModel),
			nullTime(item.ScoredAt),
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	out := make([]domain.SentimentItem, 0, len(items))
	for range items {
		item, err := scanSentimentItemRow(br.QueryRow())
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (r *Repository) UpsertItemSymbols(ctx context.Context, itemID int64, symbols []string) error {
	_, span := r.tracer.Start(ctx, "scores-repo.upsert-item-symbols")
	defer span.End()

	if itemID <= 0 || len(symbols) == 0 {
		return nil
	}
	unique := normalizeSymbolList(symbols)
	if len(unique) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, symbol := range unique {
		batch.Queue(`
INSERT INTO sentiment_item_symbols (item_id, symbol)
VALUES ($1, $2)
ON CONFLICT (item_id, symbol) DO NOTHING`, itemID, symbol)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range unique {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) ListUnscoredItems(ctx context.Context, limit int) ([]domain.SentimentItem, error) {
	_, span := r.tracer.Start(ctx, "scores-repo.list-unscored-items")
	defer span.End()

	if limit <= 0 {
		limit = 200
	}

	rows, err := r.pool.Query(ctx, `
SELECT i.id, i.source, i.source_item_id, i.title, i.excerpt, i.author, i.url,
       i.published_at, i.fetched_at,
       i.sentiment_score, i.sentiment_confidence, i.sentiment_label, i.sentiment_model, i.scored_at,
       i.created_at, i.updated_at,
       COALESCE(array_agg(ms.symbol) FILTER (WHERE ms.symbol IS NOT NULL), '{}'::text[])
FROM sentiment_items i
LEFT JOIN sentiment_item_symbols ms ON ms.item_id = i.id
WHERE i.scored_at IS NULL
GROUP BY i.id
ORDER BY i.published_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.SentimentItem, 0, limit)
	for rows.Next() {
		item, err := scanSentimentItemRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateItemSentiment(
	ctx context.Context,
	itemID int64,
	score float64,
	confidence float64,
	label string,
	model string,
	scoredAt time.Time,
) error {
	_, span := r.tracer.Start(ctx, "scores-repo.update-item-sentiment")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
UPDATE sentiment_items
SET sentiment_score = $2,
    sentiment_confidence = $3,
    sentiment_label = $4,
    sentiment_model = $5,
    scored_at = $6,
    updated_at = NOW()
WHERE id = $1`, itemID, score, confidence, label, model, scoredAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetCategoryStats aggregates scored items for the symbol over [from, to],
// folding item sources onto component categories. Averages are weighted by
// per-source item counts.
func (r *Repository) GetCategoryStats(ctx context.Context, symbol string, from, to time.Time) (map[domain.Category]CategoryStats, error) {
	_, span := r.tracer.Start(ctx, "scores-repo.get-category-stats")
	defer span.End()

	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return map[domain.Category]CategoryStats{}, nil
	}

	rows, err := r.pool.Query(ctx, `
SELECT i.source,
       AVG(i.sentiment_score) AS avg_score,
       AVG(i.sentiment_confidence) AS avg_conf,
       COUNT(*)::INT AS n
FROM sentiment_items i
JOIN sentiment_item_symbols s ON s.item_id = i.id
WHERE s.symbol = $1
  AND i.scored_at IS NOT NULL
  AND i.published_at >= $2
  AND i.published_at <= $3
GROUP BY i.source`, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Category]CategoryStats)
	for rows.Next() {
		var source string
		var score float64
		var confidence float64
		var count int
		if err := rows.Scan(&source, &score, &confidence, &count); err != nil {
			return nil, err
		}
		cat := domain.SourceCategory(source)
		merged := out[cat]
		total := merged.Count + count
		if total > 0 {
			merged.Score = (merged.Score*float64(merged.Count) + score*float64(count)) / float64(total)
			merged.Confidence = (merged.Confidence*float64(merged.Count) + confidence*float64(count)) / float64(total)
		}
		merged.Count = total
		out[cat] = merged
	}
	return out, rows.Err()
}

func (r *Repository) UpsertSnapshot(ctx context.Context, snapshot Snapshot) (*Snapshot, error) {
	_, span := r.tracer.Start(ctx, "scores-repo.upsert-snapshot")
	defer span.End()

	var out Snapshot
	err := r.pool.QueryRow(ctx, `
INSERT INTO component_snapshots (
    symbol, bucket_time, scores_json, volume_format, volume_value, quality_json
) VALUES (
    $1, $2, $3, $4, $5, $6
)
ON CONFLICT (symbol, bucket_time) DO UPDATE SET
    scores_json = EXCLUDED.scores_json,
    volume_format = EXCLUDED.volume_format,
    volume_value = EXCLUDED.volume_value,
    quality_json = EXCLUDED.quality_json,
    updated_at = NOW()
RETURNING id, symbol, bucket_time, scores_json, volume_format, volume_value, quality_json,
          created_at, updated_at`,
		normalizeSymbol(snapshot.Symbol), snapshot.BucketTime.UTC(),
		ensureJSON(snapshot.ScoresJSON), snapshot.VolumeFormat, snapshot.VolumeValue,
		ensureJSON(snapshot.QualityJSON),
	).Scan(
		&out.ID,
		&out.Symbol,
		&out.BucketTime,
		&out.ScoresJSON,
		&out.VolumeFormat,
		&out.VolumeValue,
		&out.QualityJSON,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	out.BucketTime = out.BucketTime.UTC()
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return &out, nil
}

func (r *Repository) GetSnapshot(ctx context.Context, symbol string, bucketTime time.Time) (*Snapshot, error) {
	_, span := r.tracer.Start(ctx, "scores-repo.get-snapshot")
	defer span.End()

	var out Snapshot
	err := r.pool.QueryRow(ctx, `
SELECT id, symbol, bucket_time, scores_json, volume_format, volume_value, quality_json,
       created_at, updated_at
FROM component_snapshots
WHERE symbol = $1 AND bucket_time = $2`, normalizeSymbol(symbol), bucketTime.UTC()).Scan(
		&out.ID,
		&out.Symbol,
		&out.BucketTime,
		&out.ScoresJSON,
		&out.VolumeFormat,
		&out.VolumeValue,
		&out.QualityJSON,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	out.BucketTime = out.BucketTime.UTC()
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return &out, nil
}

// ListSnapshots returns snapshots for the symbol in [from, to] ordered by
// bucket time ascending. The quality screen feeds its trailing window from
// this.
func (r *Repository) ListSnapshots(ctx context.Context, symbol string, from, to time.Time) ([]Snapshot, error) {
	_, span := r.tracer.Start(ctx, "scores-repo.list-snapshots")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
SELECT id, symbol, bucket_time, scores_json, volume_format, volume_value, quality_json,
       created_at, updated_at
FROM component_snapshots
WHERE symbol = $1 AND bucket_time >= $2 AND bucket_time <= $3
ORDER BY bucket_time ASC`, normalizeSymbol(symbol), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Snapshot, 0, 64)
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(
			&s.ID,
			&s.Symbol,
			&s.BucketTime,
			&s.ScoresJSON,
			&s.VolumeFormat,
			&s.VolumeValue,
			&s.QualityJSON,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		s.BucketTime = s.BucketTime.UTC()
		s.CreatedAt = s.CreatedAt.UTC()
		s.UpdatedAt = s.UpdatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteItemsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	_, span := r.tracer.Start(ctx, "scores-repo.delete-items-older-than")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
DELETE FROM sentiment_items
WHERE published_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSentimentItemRow(s rowScanner) (domain.SentimentItem, error) {
	var out domain.SentimentItem
	var fetched pgtype.Timestamptz
	var score pgtype.Float8
	var conf pgtype.Float8
	var label pgtype.Text
	var model pgtype.Text
	var scored pgtype.Timestamptz
	var symbols []string

	if err := s.Scan(
		&out.ID,
		&out.Source,
		&out.SourceItemID,
		&out.Title,
		&out.Excerpt,
		&out.Author,
		&out.URL,
		&out.PublishedAt,
		&fetched,
		&score,
		&conf,
		&label,
		&model,
		&scored,
		&out.CreatedAt,
		&out.UpdatedAt,
		&symbols,
	); err != nil {
		return domain.SentimentItem{}, err
	}

	out.PublishedAt = out.PublishedAt.UTC()
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	if fetched.Valid {
		out.FetchedAt = fetched.Time.UTC()
	}
	if score.Valid {
		v := score.Float64
		out.SentimentScore = &v
	}
	if conf.Valid {
		v := conf.Float64
		out.SentimentConfidence = &v
	}
	if label.Valid {
		v := label.String
		out.SentimentLabel = &v
	}
	if model.Valid {
		v := model.String
		out.SentimentModel = &v
	}
	if scored.Valid {
		v := scored.Time.UTC()
		out.ScoredAt = &v
	}
	out.Symbols = normalizeSymbolList(symbols)
	return out, nil
}

// normalizeSymbol uppercases and shape-checks a ticker. Tickers are 1-8
// characters from A-Z, digits, dot or dash (class shares like BRK.B).
func normalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || len(symbol) > 8 {
		return ""
	}
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-':
		default:
			return ""
		}
	}
	return symbol
}

func normalizeSymbolList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		norm := normalizeSymbol(symbol)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	sort.Strings(out)
	return out
}

func ensureJSON(raw string) string {
	if raw == "" {
		return "{}"
	}
	if json.Valid([]byte(raw)) {
		return raw
	}
	encoded, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil || v.IsZero() {
		return nil
	}
	return v.UTC()
}

func nullIfZeroTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return v.UTC()
}
