package scores

import (
	"context"
	"errors"
	"time"

	"paper-tape/internal/domain"
	mloverlay "paper-tape/internal/ml/overlay"
	"paper-tape/internal/ta"

	"go.opentelemetry.io/otel/trace"
)

type Store interface {
	GetCategoryStats(ctx context.Context, symbol string, from, to time.Time) (map[domain.Category]CategoryStats, error)
	UpsertSnapshot(ctx context.Context, snapshot Snapshot) (*Snapshot, error)
}

type BarReader interface {
	ListBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Bar, error)
}

type MLVoter interface {
	Vote(ctx context.Context, symbol string, asOf time.Time) (*mloverlay.Vote, error)
}

type AssemblerConfig struct {
	Interval        string
	SentimentWindow time.Duration
	BarWindow       time.Duration
	VolumeWindow    int
	MomentumPeriod  int
	BucketWidth     time.Duration
}

// Assembler builds the per-(symbol, bucket) ComponentScoreSet the decision
// pipeline consumes: sentiment categories from scored items, volume and
// momentum from stored bars, the ML category from the overlay. Every
// assembled set is persisted as a component snapshot.
type Assembler struct {
	tracer trace.Tracer
	store  Store
	bars   BarReader
	ml     MLVoter
	cfg    AssemblerConfig
}

func NewAssembler(tracer trace.Tracer, store Store, bars BarReader, ml MLVoter, cfg AssemblerConfig) *Assembler {
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	if cfg.SentimentWindow <= 0 {
		cfg.SentimentWindow = 24 * time.Hour
	}
	if cfg.BarWindow <= 0 {
		cfg.BarWindow = 14 * 24 * time.Hour
	}
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = 20
	}
	if cfg.MomentumPeriod <= 0 {
		cfg.MomentumPeriod = 14
	}
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = time.Hour
	}
	return &Assembler{tracer: tracer, store: store, bars: bars, ml: ml, cfg: cfg}
}

// Assemble builds and persists the score set for the symbol as of the given
// decision time, floored to the bucket so a re-run inside the same bucket
// sees identical inputs. The returned overlay vote is non-nil only when the
// ML category is available. A bar or feature timestamped after the bucket
// hard-fails with DataLeakageError; every other source failure just leaves
// its category unavailable.
func (a *Assembler) Assemble(ctx context.Context, symbol string, at time.Time) (domain.ComponentScoreSet, *mloverlay.Vote, error) {
	ctx, span := a.tracer.Start(ctx, "score-assembler.assemble")
	defer span.End()

	asOf := at.UTC().Truncate(a.cfg.BucketWidth)
	set := domain.ComponentScoreSet{
		Symbol: symbol,
		AsOf:   asOf,
		Scores: make(map[domain.Category]domain.ComponentScore, len(domain.Categories)),
	}

	stats, err := a.store.GetCategoryStats(ctx, symbol, asOf.Add(-a.cfg.SentimentWindow), asOf)
	if err != nil {
		return domain.ComponentScoreSet{}, nil, err
	}
	for _, cat := range []domain.Category{domain.CategoryNews, domain.CategorySocial, domain.CategoryProfessional, domain.CategoryEvents} {
		stat := stats[cat]
		set.Scores[cat] = domain.ComponentScore{Score: stat.Score, Available: stat.Count > 0}
	}
	set.Quality.NewsCount = stats[domain.CategoryNews].Count
	set.Quality.SocialCount = stats[domain.CategorySocial].Count
	set.Quality.ProfessionalCount = stats[domain.CategoryProfessional].Count
	set.Quality.EventCount = stats[domain.CategoryEvents].Count
	set.Quality.ProfessionalAvailable = stats[domain.CategoryProfessional].Count > 0

	bars, err := a.bars.ListBars(ctx, symbol, a.cfg.Interval, asOf.Add(-a.cfg.BarWindow), asOf)
	if err != nil {
		return domain.ComponentScoreSet{}, nil, err
	}
	for _, bar := range bars {
		if bar.OpenTime.After(asOf) {
			return domain.ComponentScoreSet{}, nil, &domain.DataLeakageError{
				Symbol:       symbol,
				Field:        "bar.open_time",
				FeatureTime:  bar.OpenTime,
				DecisionTime: asOf,
			}
		}
	}

	set.Volume, set.Scores[domain.CategoryVolume] = volumeFromBars(bars, a.cfg.VolumeWindow)
	set.Scores[domain.CategoryMomentum] = momentumFromBars(bars, a.cfg.MomentumPeriod)

	var vote *mloverlay.Vote
	set.Scores[domain.CategoryML] = domain.ComponentScore{}
	if a.ml != nil {
		vote, err = a.ml.Vote(ctx, symbol, asOf)
		var leak *domain.DataLeakageError
		switch {
		case errors.As(err, &leak):
			return domain.ComponentScoreSet{}, nil, err
		case err != nil:
			logParseWarning(err)
			vote = nil
		case vote != nil:
			set.Scores[domain.CategoryML] = domain.ComponentScore{Score: 2*vote.ProbUp - 1, Available: true}
			set.Quality.MLConfidence = vote.Confidence
			set.Quality.MLSampleCount = vote.SampleCount
		}
	}

	if a.store != nil {
		if _, err := a.store.UpsertSnapshot(ctx, SnapshotFromSet(set)); err != nil {
			return domain.ComponentScoreSet{}, nil, err
		}
	}
	return set, vote, nil
}

// volumeFromBars derives the tagged volume signal and its component score.
// The latest bar volume is z-scored against the trailing window and mapped
// onto the [0,1] activity level through 0.5 + z/4, so two standard
// deviations saturate the scale.
func volumeFromBars(bars []domain.Bar, window int) (domain.VolumeSignal, domain.ComponentScore) {
	volumes := make([]float64, 0, len(bars))
	for _, bar := range bars {
		volumes = append(volumes, bar.Volume)
	}
	z, ok := ta.ZScore(volumes, window)
	if !ok {
		return domain.VolumeSignal{Format: domain.VolumeFormatNormalized, Value: 0.5}, domain.ComponentScore{}
	}
	level := clampRange(0.5+z/4, 0, 1)
	signal := domain.VolumeSignal{Format: domain.VolumeFormatNormalized, Value: level}
	return signal, domain.ComponentScore{Score: 2*signal.Normalized() - 1, Available: true}
}

// momentumFromBars maps the latest RSI onto [-1, 1] via (rsi-50)/50.
func momentumFromBars(bars []domain.Bar, period int) domain.ComponentScore {
	closes := make([]float64, 0, len(bars))
	for _, bar := range bars {
		closes = append(closes, bar.Close)
	}
	rsi, ok := ta.RSI(closes, period)
	if !ok {
		return domain.ComponentScore{}
	}
	return domain.ComponentScore{Score: clampRange((rsi-50)/50, -1, 1), Available: true}
}
