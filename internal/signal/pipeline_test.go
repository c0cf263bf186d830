package signal

import (
	"math"
	"reflect"
	"testing"
	"time"

	"paper-tape/internal/domain"
)

// Full pipeline reproduction: the same component scores must normalize,
// aggregate, and overlay to bit-identical output on every run.
func TestPipelineReproducible(t *testing.T) {
	t.Parallel()

	set := domain.ComponentScoreSet{
		Symbol: "AAPL",
		AsOf:   time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
		Scores: map[domain.Category]domain.ComponentScore{
			domain.CategoryNews:         {Score: 0.12, Available: true},
			domain.CategorySocial:       {Score: 0.11, Available: true},
			domain.CategoryProfessional: {Score: 0.12, Available: true},
			domain.CategoryEvents:       {Score: -0.03, Available: true},
			domain.CategoryVolume:       {Score: 0.0, Available: true},
			domain.CategoryMomentum:     {Score: 0.0, Available: true},
			domain.CategoryML:           {Score: 0.08, Available: true},
		},
		Volume:  domain.VolumeSignal{Value: 0.5, Format: domain.VolumeFormatNormalized},
		Quality: domain.QualityMeta{NewsCount: 5, MLConfidence: 0.5, MLSampleCount: 300},
	}
	vote := OverlayVote{Direction: 1, ProbUp: 0.62, Magnitude: 0.004}

	run := func() FinalDecision {
		policy := SelectPolicy(set)
		weights, _, err := Normalize(BaseWeights(), set)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		raw := Aggregate(set, weights, domain.RegimeNeutral, vote, policy)
		return ApplyOverlay(raw, OverlayInput{Volume: set.Volume, IndexReturnPct: 0.4})
	}

	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("pipeline not reproducible:\n%+v\n%+v", first, second)
	}

	// No adjustment rule fires, so the weighted sum is the base-weight dot
	// product: 0.2*0.12 + 0.15*0.11 + 0.15*0.12 + 0.1*(-0.03) + 0.2*0.08.
	wantSum := 0.0715
	if math.Abs(firstRawSum(t, set, vote)-wantSum) > 1e-9 {
		t.Fatalf("weighted sum = %v, want %v", firstRawSum(t, set, vote), wantSum)
	}

	// |0.0715| clamps up to the confidence floor; BUY then fails the action
	// threshold and the gate downgrades it with confidence retained.
	if first.Action != domain.ActionHold {
		t.Fatalf("action = %s, want HOLD", first.Action)
	}
	if math.Abs(first.Confidence-0.20) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.20", first.Confidence)
	}
	if len(first.Trail) != 4 {
		t.Fatalf("trail length = %d, want 4", len(first.Trail))
	}
	gate := first.Trail[2]
	if gate.Rule != "below_action_threshold" || gate.ActionBefore != domain.ActionBuy {
		t.Fatalf("unexpected threshold entry %+v", gate)
	}
}

func firstRawSum(t *testing.T, set domain.ComponentScoreSet, vote OverlayVote) float64 {
	t.Helper()
	weights, _, err := Normalize(BaseWeights(), set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw := Aggregate(set, weights, domain.RegimeNeutral, vote, domain.PolicyMLBlended)
	return raw.WeightedSum
}
