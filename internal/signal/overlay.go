package signal

import (
	"fmt"
	"math"

	"paper-tape/internal/domain"
)

// Overlay stage names, in pipeline order.
const (
	StageVolumeChecked    = "volume_checked"
	StageMarketAdjusted   = "market_adjusted"
	StageThresholdChecked = "threshold_checked"
	StageFinal            = "final"
)

const (
	vetoLowVolume       = 0.20
	vetoHighVolume      = 0.80
	vetoConfidenceScale = 0.70
	vetoConfidenceFloor = 0.40

	marketOpposePct    = 2.0
	marketPenalty      = 0.15
	marketPenaltyFloor = 0.30

	defaultMinActionConfidence = 0.55
)

// OverlayInput carries the risk context applied on top of a raw decision.
// Volume arrives as a tagged value so format detection stays at the ingestion
// boundary instead of being re-sniffed here.
type OverlayInput struct {
	Volume              domain.VolumeSignal
	IndexReturnPct      float64
	MinActionConfidence float64
}

// FinalDecision is the overlay output: the decision the persistence gate
// commits, plus the ordered trail of every transition.
type FinalDecision struct {
	Symbol     string
	Action     domain.Action
	Confidence float64
	Magnitude  float64
	Policy     domain.DecisionPolicy
	Trail      []domain.AuditEntry
}

// ApplyOverlay runs the risk pipeline on a raw decision. Each transition
// appends exactly one trail entry, pass or adjust, so re-running on identical
// inputs reproduces an identical trail. The function is pure: the raw
// decision is not mutated.
func ApplyOverlay(raw RawDecision, in OverlayInput) FinalDecision {
	minConfidence := in.MinActionConfidence
	if minConfidence <= 0 {
		minConfidence = defaultMinActionConfidence
	}

	action := raw.Action
	confidence := raw.Confidence
	trail := make([]domain.AuditEntry, 0, 4)

	record := func(stage, rule, detail string, beforeAction domain.Action, beforeConf float64) {
		trail = append(trail, domain.AuditEntry{
			Stage:            stage,
			Rule:             rule,
			Detail:           detail,
			ActionBefore:     beforeAction,
			ActionAfter:      action,
			ConfidenceBefore: beforeConf,
			ConfidenceAfter:  confidence,
		})
	}

	// RAW -> VOLUME_CHECKED: hard veto when volume contradicts the action.
	{
		beforeAction, beforeConf := action, confidence
		normalized := in.Volume.Normalized()
		vetoed := (action.IsBuySide() && normalized < vetoLowVolume) ||
			(action.IsSellSide() && normalized > vetoHighVolume)
		if vetoed {
			action = domain.ActionHold
			confidence = math.Max(vetoConfidenceFloor, confidence*vetoConfidenceScale)
			record(StageVolumeChecked, "volume_veto",
				fmt.Sprintf("normalized_volume=%.4f", normalized), beforeAction, beforeConf)
		} else {
			record(StageVolumeChecked, "pass",
				fmt.Sprintf("normalized_volume=%.4f", normalized), beforeAction, beforeConf)
		}
	}

	// VOLUME_CHECKED -> MARKET_ADJUSTED: penalty when the broad market moves
	// against the action beyond the threshold.
	{
		beforeAction, beforeConf := action, confidence
		opposed := (action.IsBuySide() && in.IndexReturnPct < -marketOpposePct) ||
			(action.IsSellSide() && in.IndexReturnPct > marketOpposePct)
		if opposed {
			confidence = math.Max(marketPenaltyFloor, confidence-marketPenalty)
			record(StageMarketAdjusted, "market_trend_penalty",
				fmt.Sprintf("index_return_pct=%.4f", in.IndexReturnPct), beforeAction, beforeConf)
		} else {
			record(StageMarketAdjusted, "pass",
				fmt.Sprintf("index_return_pct=%.4f", in.IndexReturnPct), beforeAction, beforeConf)
		}
	}

	// MARKET_ADJUSTED -> THRESHOLD_CHECKED: directional actions below the
	// actionable floor downgrade to HOLD. Confidence is kept unchanged so
	// the trail shows why the downgrade happened.
	{
		beforeAction, beforeConf := action, confidence
		if action.IsDirectional() && confidence < minConfidence {
			action = domain.ActionHold
			record(StageThresholdChecked, "below_action_threshold",
				fmt.Sprintf("min_confidence=%.4f", minConfidence), beforeAction, beforeConf)
		} else {
			record(StageThresholdChecked, "pass",
				fmt.Sprintf("min_confidence=%.4f", minConfidence), beforeAction, beforeConf)
		}
	}

	// THRESHOLD_CHECKED -> FINAL.
	{
		beforeAction, beforeConf := action, confidence
		record(StageFinal, "emit", "", beforeAction, beforeConf)
	}

	return FinalDecision{
		Symbol:     raw.Symbol,
		Action:     action,
		Confidence: confidence,
		Magnitude:  raw.Magnitude,
		Policy:     raw.Policy,
		Trail:      trail,
	}
}
