package signal

import (
	"math"
	"reflect"
	"testing"

	"paper-tape/internal/domain"
)

func rawBuy(confidence float64) RawDecision {
	return RawDecision{
		Symbol:     "AAPL",
		Action:     domain.ActionBuy,
		Confidence: confidence,
		Policy:     domain.PolicyMLBlended,
	}
}

func unitVolume(v float64) domain.VolumeSignal {
	return domain.VolumeSignal{Value: v, Format: domain.VolumeFormatNormalized}
}

func TestOverlayVolumeVetoBuyLowVolume(t *testing.T) {
	t.Parallel()

	out := ApplyOverlay(rawBuy(0.78), OverlayInput{Volume: unitVolume(0.15)})
	if out.Action != domain.ActionHold {
		t.Fatalf("action = %s, want HOLD", out.Action)
	}
	if math.Abs(out.Confidence-0.546) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.546", out.Confidence)
	}
	if out.Trail[0].Rule != "volume_veto" {
		t.Fatalf("expected volume_veto first, got %+v", out.Trail[0])
	}
}

func TestOverlayVolumeVetoFloor(t *testing.T) {
	t.Parallel()

	out := ApplyOverlay(rawBuy(0.45), OverlayInput{Volume: unitVolume(0.05)})
	if out.Action != domain.ActionHold {
		t.Fatalf("action = %s, want HOLD", out.Action)
	}
	if math.Abs(out.Confidence-0.40) > 1e-9 {
		t.Fatalf("confidence = %v, want floor 0.40", out.Confidence)
	}
}

func TestOverlayVolumeVetoSellHighVolume(t *testing.T) {
	t.Parallel()

	raw := RawDecision{Symbol: "TSLA", Action: domain.ActionStrongSell, Confidence: 0.80}
	out := ApplyOverlay(raw, OverlayInput{Volume: unitVolume(0.90)})
	if out.Action != domain.ActionHold {
		t.Fatalf("action = %s, want HOLD", out.Action)
	}
	if math.Abs(out.Confidence-0.56) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.56", out.Confidence)
	}
}

// The same underlying volume level must veto identically whether it arrives
// as a signed percentage or in normalized form.
func TestOverlayVolumeFormatInvariance(t *testing.T) {
	t.Parallel()

	pairs := []struct {
		percent    float64
		normalized float64
	}{
		{-10.0, 0.40},
		{-40.0, 0.10},
		{35.0, 0.85},
		{0.0, 0.50},
	}
	for _, pair := range pairs {
		asPercent := ApplyOverlay(rawBuy(0.78), OverlayInput{
			Volume: domain.VolumeSignal{Value: pair.percent, Format: domain.VolumeFormatPercent},
		})
		asUnit := ApplyOverlay(rawBuy(0.78), OverlayInput{Volume: unitVolume(pair.normalized)})

		if asPercent.Action != asUnit.Action {
			t.Fatalf("percent %v vs normalized %v: actions differ (%s vs %s)",
				pair.percent, pair.normalized, asPercent.Action, asUnit.Action)
		}
		if math.Abs(asPercent.Confidence-asUnit.Confidence) > 1e-9 {
			t.Fatalf("percent %v vs normalized %v: confidences differ (%v vs %v)",
				pair.percent, pair.normalized, asPercent.Confidence, asUnit.Confidence)
		}
	}
}

func TestOverlayMarketPenalty(t *testing.T) {
	t.Parallel()

	out := ApplyOverlay(rawBuy(0.78), OverlayInput{
		Volume:         unitVolume(0.50),
		IndexReturnPct: -2.5,
	})
	if out.Action != domain.ActionBuy {
		t.Fatalf("action = %s, want BUY to survive the penalty", out.Action)
	}
	if math.Abs(out.Confidence-0.63) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.63", out.Confidence)
	}
	if out.Trail[1].Rule != "market_trend_penalty" {
		t.Fatalf("expected market_trend_penalty second, got %+v", out.Trail[1])
	}
}

func TestOverlayMarketPenaltyFloorThenDowngrade(t *testing.T) {
	t.Parallel()

	out := ApplyOverlay(rawBuy(0.40), OverlayInput{
		Volume:         unitVolume(0.50),
		IndexReturnPct: -3.0,
	})
	// 0.40 - 0.15 = 0.25 floors at 0.30, then the threshold gate downgrades.
	if math.Abs(out.Confidence-0.30) > 1e-9 {
		t.Fatalf("confidence = %v, want floor 0.30", out.Confidence)
	}
	if out.Action != domain.ActionHold {
		t.Fatalf("action = %s, want HOLD after threshold gate", out.Action)
	}
}

func TestOverlayMarketPenaltyOnlyWhenOpposed(t *testing.T) {
	t.Parallel()

	out := ApplyOverlay(rawBuy(0.78), OverlayInput{
		Volume:         unitVolume(0.50),
		IndexReturnPct: 2.5,
	})
	if math.Abs(out.Confidence-0.78) > 1e-9 {
		t.Fatalf("aligned market must not penalize a BUY, got %v", out.Confidence)
	}

	sell := RawDecision{Symbol: "MSFT", Action: domain.ActionSell, Confidence: 0.78}
	out = ApplyOverlay(sell, OverlayInput{Volume: unitVolume(0.50), IndexReturnPct: 2.5})
	if math.Abs(out.Confidence-0.63) > 1e-9 {
		t.Fatalf("rallying market must penalize a SELL, got %v", out.Confidence)
	}
}

func TestOverlayThresholdDowngradeKeepsConfidence(t *testing.T) {
	t.Parallel()

	out := ApplyOverlay(rawBuy(0.50), OverlayInput{Volume: unitVolume(0.50)})
	if out.Action != domain.ActionHold {
		t.Fatalf("action = %s, want HOLD", out.Action)
	}
	if math.Abs(out.Confidence-0.50) > 1e-9 {
		t.Fatalf("downgrade must keep confidence, got %v", out.Confidence)
	}

	var gate *domain.AuditEntry
	for i := range out.Trail {
		if out.Trail[i].Rule == "below_action_threshold" {
			gate = &out.Trail[i]
		}
	}
	if gate == nil {
		t.Fatalf("expected below_action_threshold entry, trail %+v", out.Trail)
	}
	if gate.ActionBefore != domain.ActionBuy || gate.ActionAfter != domain.ActionHold {
		t.Fatalf("unexpected gate entry %+v", gate)
	}
}

func TestOverlayCustomThreshold(t *testing.T) {
	t.Parallel()

	out := ApplyOverlay(rawBuy(0.60), OverlayInput{
		Volume:              unitVolume(0.50),
		MinActionConfidence: 0.65,
	})
	if out.Action != domain.ActionHold {
		t.Fatalf("action = %s, want HOLD under raised threshold", out.Action)
	}
}

func TestOverlayHoldPassesThrough(t *testing.T) {
	t.Parallel()

	raw := RawDecision{Symbol: "NVDA", Action: domain.ActionHold, Confidence: 0.25}
	out := ApplyOverlay(raw, OverlayInput{Volume: unitVolume(0.05), IndexReturnPct: -5})
	if out.Action != domain.ActionHold || math.Abs(out.Confidence-0.25) > 1e-9 {
		t.Fatalf("HOLD must pass through untouched, got %s %v", out.Action, out.Confidence)
	}
	for _, entry := range out.Trail[:3] {
		if entry.Rule != "pass" {
			t.Fatalf("expected pass entries for HOLD, got %+v", out.Trail)
		}
	}
}

func TestOverlayTrailShape(t *testing.T) {
	t.Parallel()

	out := ApplyOverlay(rawBuy(0.78), OverlayInput{Volume: unitVolume(0.15), IndexReturnPct: -3})
	stages := []string{StageVolumeChecked, StageMarketAdjusted, StageThresholdChecked, StageFinal}
	if len(out.Trail) != len(stages) {
		t.Fatalf("trail length = %d, want %d", len(out.Trail), len(stages))
	}
	for i, stage := range stages {
		if out.Trail[i].Stage != stage {
			t.Fatalf("trail[%d].Stage = %s, want %s", i, out.Trail[i].Stage, stage)
		}
	}
}

func TestOverlayIdempotent(t *testing.T) {
	t.Parallel()

	in := OverlayInput{Volume: unitVolume(0.15), IndexReturnPct: -2.2}
	first := ApplyOverlay(rawBuy(0.78), in)
	second := ApplyOverlay(rawBuy(0.78), in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("overlay not deterministic:\n%+v\n%+v", first, second)
	}
	if len(first.Trail) != len(second.Trail) {
		t.Fatalf("trail lengths differ: %d vs %d", len(first.Trail), len(second.Trail))
	}

	// Feeding the finalized decision back through is a fixed point: every
	// stage only acts on directional actions.
	again := ApplyOverlay(RawDecision{
		Symbol:     first.Symbol,
		Action:     first.Action,
		Confidence: first.Confidence,
		Magnitude:  first.Magnitude,
		Policy:     first.Policy,
	}, in)
	if again.Action != first.Action || math.Abs(again.Confidence-first.Confidence) > 1e-9 {
		t.Fatalf("re-running the overlay moved the decision: %s %v -> %s %v",
			first.Action, first.Confidence, again.Action, again.Confidence)
	}
}
