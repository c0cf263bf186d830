package signal

import (
	"math"

	"paper-tape/internal/domain"
)

const (
	confidenceFloor   = 0.20
	confidenceCeiling = 0.95

	// deadZone is the weighted-sum band treated as directionless.
	deadZone = 0.05

	// strongMagnitude promotes an agreed direction to the STRONG_* variant.
	strongMagnitude = 0.35

	// mlMinSamples gates the blended policy; thin training history routes
	// decisions down the traditional path.
	mlMinSamples = 100
)

// OverlayVote is the ML overlay's directional opinion, produced by the model
// service from the current feature vector.
type OverlayVote struct {
	ProbUp     float64
	Direction  int
	Magnitude  float64
	Confidence float64
	SampleSize int
}

// RawDecision is the aggregator output before the risk overlay runs.
type RawDecision struct {
	Symbol        string
	Action        domain.Action
	Confidence    float64
	WeightedSum   float64
	Magnitude     float64
	Policy        domain.DecisionPolicy
	Contributions map[domain.Category]float64
}

// SelectPolicy decides per batch how much the ML overlay participates. It is
// an explicit value threaded through the call chain, never shared mutable
// state.
func SelectPolicy(set domain.ComponentScoreSet) domain.DecisionPolicy {
	if !set.AnyAvailable() {
		return domain.PolicyInsufficientData
	}
	if set.Available(domain.CategoryML) && set.Quality.MLSampleCount >= mlMinSamples {
		return domain.PolicyMLBlended
	}
	return domain.PolicyTraditional
}

// Aggregate computes the raw weighted decision. It is a pure function of its
// inputs: identical inputs reproduce bit-identical output.
func Aggregate(set domain.ComponentScoreSet, weights map[domain.Category]float64, regime domain.MarketRegime, vote OverlayVote, policy domain.DecisionPolicy) RawDecision {
	contributions := make(map[domain.Category]float64, len(weights))
	sum := 0.0
	for _, cat := range sortedCategories(weights) {
		score := clamp(set.Scores[cat].Score, -1, 1)
		contribution := weights[cat] * score
		contributions[cat] = contribution
		sum += contribution
	}

	weighted := sum * regime.Multiplier()
	confidence := clamp(math.Abs(weighted), confidenceFloor, confidenceCeiling)

	sumDir := 0
	if weighted > deadZone {
		sumDir = 1
	} else if weighted < -deadZone {
		sumDir = -1
	}

	mlDir := 0
	if policy == domain.PolicyMLBlended {
		mlDir = vote.Direction
	}

	action := combineVotes(sumDir, mlDir, math.Abs(weighted))

	magnitude := math.Abs(weighted)
	if policy == domain.PolicyMLBlended && vote.Magnitude > 0 {
		magnitude = vote.Magnitude
	}

	return RawDecision{
		Symbol:        set.Symbol,
		Action:        action,
		Confidence:    confidence,
		WeightedSum:   weighted,
		Magnitude:     magnitude,
		Policy:        policy,
		Contributions: contributions,
	}
}

// combineVotes merges the weighted-sum direction with the ML overlay vote.
// Agreement on a direction can reach STRONG_*; opposing votes cancel to HOLD.
func combineVotes(sumDir, mlDir int, magnitude float64) domain.Action {
	switch {
	case sumDir == 0 && mlDir == 0:
		return domain.ActionHold
	case sumDir != 0 && mlDir != 0 && sumDir != mlDir:
		return domain.ActionHold
	}

	dir := sumDir
	if dir == 0 {
		dir = mlDir
	}

	strong := sumDir == mlDir && magnitude >= strongMagnitude
	switch {
	case dir > 0 && strong:
		return domain.ActionStrongBuy
	case dir > 0:
		return domain.ActionBuy
	case strong:
		return domain.ActionStrongSell
	default:
		return domain.ActionSell
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
