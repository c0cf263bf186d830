package signal

import (
	"sort"

	"paper-tape/internal/domain"
)

// regimeBandPct is the one-day index move that flips the regime out of
// neutral.
const regimeBandPct = 2.0

// DetectRegime classifies the broad-market trend from the index's daily
// closes and returns the one-day return percentage alongside. Too little
// history reads as neutral with a zero return.
func DetectRegime(bars []domain.Bar) (domain.MarketRegime, float64) {
	if len(bars) < 2 {
		return domain.RegimeNeutral, 0
	}

	sorted := append([]domain.Bar(nil), bars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })

	prev := sorted[len(sorted)-2]
	last := sorted[len(sorted)-1]
	if prev.Close <= 0 {
		return domain.RegimeNeutral, 0
	}

	returnPct := (last.Close - prev.Close) / prev.Close * 100
	switch {
	case returnPct <= -regimeBandPct:
		return domain.RegimeBearish, returnPct
	case returnPct >= regimeBandPct:
		return domain.RegimeBullish, returnPct
	default:
		return domain.RegimeNeutral, returnPct
	}
}
