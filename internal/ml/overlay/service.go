// Package overlay turns registry artifacts into a directional vote over
// bar-derived features. It never trains; absent or unloadable models make
// the ML category unavailable and the decision falls back to the
// traditional policy.
package overlay

import (
	"context"
	"log"
	"math"
	"time"

	"paper-tape/internal/domain"
	"paper-tape/internal/ml/features"
	"paper-tape/internal/ml/models/gbdt"
	"paper-tape/internal/ml/models/logreg"

	"go.opentelemetry.io/otel/trace"
)

const (
	ModelKeyLogReg = "direction-logreg"
	ModelKeyGBDT   = "direction-gbdt"
)

// Vote is the overlay's contribution to one decision.
type Vote struct {
	ProbUp      float64
	Direction   int
	Magnitude   float64
	Confidence  float64
	SampleCount int
	ModelKey    string
	Version     int
	FeatureAsOf time.Time
}

type ModelRegistry interface {
	GetActiveModel(ctx context.Context, modelKey string) (*domain.MLModelVersion, error)
}

type BarReader interface {
	ListBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Bar, error)
}

type Config struct {
	Interval       string
	BarWindow      time.Duration
	MaxFeatureAge  time.Duration
	LongThreshold  float64
	ShortThreshold float64
}

type Service struct {
	tracer   trace.Tracer
	registry ModelRegistry
	bars     BarReader
	cfg      Config
}

func NewService(tracer trace.Tracer, registry ModelRegistry, bars BarReader, cfg Config) *Service {
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	if cfg.BarWindow <= 0 {
		cfg.BarWindow = 14 * 24 * time.Hour
	}
	if cfg.MaxFeatureAge <= 0 {
		cfg.MaxFeatureAge = 4 * time.Hour
	}
	if cfg.LongThreshold <= 0 || cfg.LongThreshold >= 1 {
		cfg.LongThreshold = 0.55
	}
	if cfg.ShortThreshold <= 0 || cfg.ShortThreshold >= 1 {
		cfg.ShortThreshold = 0.45
	}
	if cfg.ShortThreshold > cfg.LongThreshold {
		cfg.LongThreshold = 0.55
		cfg.ShortThreshold = 0.45
	}
	return &Service{tracer: tracer, registry: registry, bars: bars, cfg: cfg}
}

type scorer struct {
	key     string
	version int
	samples int
	predict func([]float64) float64
}

// Vote produces the overlay vote for the symbol as of the decision time.
// A nil vote with nil error means the overlay is unavailable (no active
// model, short history, stale features). A feature newer than asOf is a
// DataLeakageError and hard-fails the symbol.
func (s *Service) Vote(ctx context.Context, symbol string, asOf time.Time) (*Vote, error) {
	ctx, span := s.tracer.Start(ctx, "ml-overlay.vote")
	defer span.End()

	asOf = asOf.UTC()
	scorers := s.loadScorers(ctx)
	if len(scorers) == 0 {
		return nil, nil
	}

	bars, err := s.bars.ListBars(ctx, symbol, s.cfg.Interval, asOf.Add(-s.cfg.BarWindow), asOf)
	if err != nil {
		return nil, err
	}
	vector, featureAsOf, ok := features.Vector(bars)
	if !ok {
		return nil, nil
	}
	if featureAsOf.After(asOf) {
		return nil, &domain.DataLeakageError{
			Symbol:       symbol,
			Field:        "ml.feature_as_of",
			FeatureTime:  featureAsOf,
			DecisionTime: asOf,
		}
	}
	if asOf.Sub(featureAsOf) > s.cfg.MaxFeatureAge {
		return nil, nil
	}

	prob := 0.0
	samples := 0
	key := ""
	version := 0
	for _, sc := range scorers {
		prob += sc.predict(vector)
		if samples == 0 || sc.samples < samples {
			samples = sc.samples
		}
		if key == "" {
			key = sc.key
			version = sc.version
		} else {
			key += "+" + sc.key
			if sc.version > version {
				version = sc.version
			}
		}
	}
	prob /= float64(len(scorers))

	direction := 0
	switch {
	case prob >= s.cfg.LongThreshold:
		direction = 1
	case prob <= s.cfg.ShortThreshold:
		direction = -1
	}

	return &Vote{
		ProbUp:      prob,
		Direction:   direction,
		Magnitude:   math.Abs(2*prob - 1),
		Confidence:  math.Max(prob, 1-prob),
		SampleCount: samples,
		ModelKey:    key,
		Version:     version,
		FeatureAsOf: featureAsOf,
	}, nil
}

// loadScorers loads every active model whose feature spec matches the
// runtime's. Load failures are logged and skipped, never fatal.
func (s *Service) loadScorers(ctx context.Context) []scorer {
	out := make([]scorer, 0, 2)

	if active, err := s.registry.GetActiveModel(ctx, ModelKeyLogReg); err != nil {
		log.Printf("overlay: load %s: %v", ModelKeyLogReg, err)
	} else if active != nil && active.FeatureSpec == features.SpecVersion {
		if model, err := logreg.UnmarshalBinary(active.ArtifactBlob); err != nil {
			log.Printf("overlay: decode %s v%d: %v", ModelKeyLogReg, active.Version, err)
		} else {
			out = append(out, scorer{key: ModelKeyLogReg, version: active.Version, samples: active.SampleCount, predict: model.PredictProb})
		}
	}

	if active, err := s.registry.GetActiveModel(ctx, ModelKeyGBDT); err != nil {
		log.Printf("overlay: load %s: %v", ModelKeyGBDT, err)
	} else if active != nil && active.FeatureSpec == features.SpecVersion {
		if model, err := gbdt.UnmarshalBinary(active.ArtifactBlob); err != nil {
			log.Printf("overlay: decode %s v%d: %v", ModelKeyGBDT, active.Version, err)
		} else {
			out = append(out, scorer{key: ModelKeyGBDT, version: active.Version, samples: active.SampleCount, predict: model.PredictProb})
		}
	}

	return out
}
