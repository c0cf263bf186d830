package service

import (
	"context"
	"sort"
	"time"

	"paper-tape/internal/domain"
	"paper-tape/internal/outcomes"
)

const defaultPerformanceWindow = 30 * 24 * time.Hour

// HorizonPerformance aggregates realized outcomes at one horizon. A hit is a
// directional prediction whose realized label points the same way. HOLD
// predictions count in Samples and Holds but never in the hit rate.
type HorizonPerformance struct {
	Horizon      domain.Horizon `json:"horizon"`
	Samples      int            `json:"samples"`
	Directional  int            `json:"directional"`
	Holds        int            `json:"holds"`
	Hits         int            `json:"hits"`
	HitRate      float64        `json:"hit_rate"`
	AvgReturnPct float64        `json:"avg_return_pct"`
}

// CalibrationBucket is one confidence decile over directional predictions.
// A calibrated model hits roughly as often as its confidence claims.
type CalibrationBucket struct {
	Low     float64 `json:"low"`
	High    float64 `json:"high"`
	Samples int     `json:"samples"`
	Hits    int     `json:"hits"`
	HitRate float64 `json:"hit_rate"`
}

type PerformanceReport struct {
	Since         time.Time            `json:"since"`
	GeneratedAt   time.Time            `json:"generated_at"`
	TotalOutcomes int                  `json:"total_outcomes"`
	Horizons      []HorizonPerformance `json:"horizons"`
	Calibration   []CalibrationBucket  `json:"calibration"`
}

// Performance builds the report over outcomes evaluated inside the trailing
// window (default thirty days).
func (s *QueryService) Performance(ctx context.Context, window time.Duration) (*PerformanceReport, error) {
	ctx, span := s.tracer.Start(ctx, "query-service.performance")
	defer span.End()

	if window <= 0 {
		window = defaultPerformanceWindow
	}
	since := time.Now().UTC().Add(-window)

	pairs, err := s.outs.ListEvaluatedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	return buildReport(since, pairs), nil
}

// buildReport is pure so the aggregation rules are testable without storage.
// Average return is signed by the predicted direction: a SELL followed by a
// drop contributes positively.
func buildReport(since time.Time, pairs []outcomes.EvaluatedPair) *PerformanceReport {
	byHorizon := make(map[domain.Horizon]*HorizonPerformance, len(domain.DefaultHorizons))
	returnSums := make(map[domain.Horizon]float64, len(domain.DefaultHorizons))
	for _, h := range domain.DefaultHorizons {
		byHorizon[h] = &HorizonPerformance{Horizon: h}
	}

	calibration := make([]CalibrationBucket, 10)
	for i := range calibration {
		calibration[i].Low = float64(i) / 10
		calibration[i].High = float64(i+1) / 10
	}

	for _, pair := range pairs {
		hp, ok := byHorizon[pair.Outcome.Horizon]
		if !ok {
			hp = &HorizonPerformance{Horizon: pair.Outcome.Horizon}
			byHorizon[pair.Outcome.Horizon] = hp
		}
		hp.Samples++

		direction := pair.Action.Direction()
		if direction == 0 {
			hp.Holds++
			continue
		}
		hp.Directional++
		returnSums[pair.Outcome.Horizon] += float64(direction) * pair.Outcome.ReturnPct

		hit := pair.Outcome.RealizedLabel.Direction() == direction
		if hit {
			hp.Hits++
		}

		decile := int(pair.Confidence * 10)
		if decile > 9 {
			decile = 9
		}
		if decile < 0 {
			decile = 0
		}
		calibration[decile].Samples++
		if hit {
			calibration[decile].Hits++
		}
	}

	ordered := make([]domain.Horizon, 0, len(byHorizon))
	ordered = append(ordered, domain.DefaultHorizons...)
	var extra []domain.Horizon
	for h := range byHorizon {
		if !knownHorizon(h) {
			extra = append(extra, h)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	ordered = append(ordered, extra...)

	for i := range calibration {
		if calibration[i].Samples > 0 {
			calibration[i].HitRate = float64(calibration[i].Hits) / float64(calibration[i].Samples)
		}
	}

	report := &PerformanceReport{
		Since:       since,
		GeneratedAt: time.Now().UTC(),
		Calibration: calibration,
	}
	for _, h := range ordered {
		hp := byHorizon[h]
		if hp.Directional > 0 {
			hp.HitRate = float64(hp.Hits) / float64(hp.Directional)
			hp.AvgReturnPct = returnSums[h] / float64(hp.Directional)
		}
		report.Horizons = append(report.Horizons, *hp)
		report.TotalOutcomes += hp.Samples
	}
	return report
}

func knownHorizon(h domain.Horizon) bool {
	for _, known := range domain.DefaultHorizons {
		if h == known {
			return true
		}
	}
	return false
}
