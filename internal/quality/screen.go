// Package quality screens assembled component score vectors for anomalies.
// The screen is report only: a flagged vector lands in the audit trail and
// the batch summary, it never vetoes the decision.
package quality

import (
	"context"

	"github.com/narumiruna/go-iforest/pkg/iforest"
	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
)

const (
	defaultMinHistory = 32
	defaultTrees      = 100
	defaultThreshold  = 0.65
)

// Config tunes the isolation forest screen.
type Config struct {
	// MinHistory is the smallest trailing window the forest will fit on.
	// Below it the screen abstains instead of flagging from noise.
	MinHistory int

	// Trees is the forest size.
	Trees int

	// Threshold is the anomaly score above which a vector is flagged.
	// Isolation scores live in (0,1); unremarkable vectors settle near 0.5.
	Threshold float64
}

// Report is the screen's verdict for one vector. Evaluated false means the
// screen abstained and Score carries no information.
type Report struct {
	Evaluated bool    `json:"evaluated"`
	Flagged   bool    `json:"flagged"`
	Score     float64 `json:"score"`
}

type Screen struct {
	tracer trace.Tracer
	cfg    Config
}

func NewScreen(tracer trace.Tracer, cfg Config) *Screen {
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = defaultMinHistory
	}
	if cfg.Trees <= 0 {
		cfg.Trees = defaultTrees
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	return &Screen{tracer: tracer, cfg: cfg}
}

// Check fits a forest on the trailing window plus the current vector and
// scores the current vector against it. The current vector must be in the
// fit set: trees only split inside the fitted value range, so a vector
// outside the window's range would otherwise ride to an edge leaf and score
// like an ordinary point.
func (s *Screen) Check(ctx context.Context, history []domain.ComponentScoreSet, current domain.ComponentScoreSet) Report {
	_, span := s.tracer.Start(ctx, "quality-screen.check")
	defer span.End()

	if len(history) < s.cfg.MinHistory {
		return Report{}
	}

	samples := make([][]float64, 0, len(history)+1)
	for _, set := range history {
		samples = append(samples, Vector(set))
	}
	samples = append(samples, Vector(current))

	// SampleSize covers the whole window: subsampling would leave the
	// current vector out of some trees and wash its score toward normal.
	forest := iforest.NewWithOptions(iforest.Options{
		NumTrees:   s.cfg.Trees,
		SampleSize: len(samples),
	})
	forest.Fit(samples)

	score := forest.Score([][]float64{Vector(current)})[0]
	return Report{
		Evaluated: true,
		Flagged:   score > s.cfg.Threshold,
		Score:     score,
	}
}

// Vector flattens a score set into the feature order the forest sees: one
// entry per category in the stable category order, unavailable scores read
// as 0, and the normalized volume level last.
func Vector(set domain.ComponentScoreSet) []float64 {
	out := make([]float64, 0, len(domain.Categories)+1)
	for _, cat := range domain.Categories {
		cs := set.Scores[cat]
		if !cs.Available {
			out = append(out, 0)
			continue
		}
		out = append(out, cs.Score)
	}
	return append(out, set.Volume.Normalized())
}
