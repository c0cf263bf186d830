// Package features builds the bar-derived feature vector the overlay models
// consume. The vector layout is versioned: artifacts record the spec version
// they were trained against and the overlay refuses mismatches.
package features

import (
	"math"
	"sort"
	"time"

	"paper-tape/internal/domain"
	"paper-tape/internal/ta"
)

const SpecVersion = "v1"

const (
	rsiPeriod     = 14
	macdFast      = 12
	macdSlow      = 26
	macdSignal    = 9
	bbPeriod      = 20
	bbStdDevs     = 2.0
	volumeZWindow = 20
	minBars       = 30
)

// Names is the v1 vector layout, in order.
var Names = []string{
	"ret_1", "ret_4", "ret_24",
	"volatility_6", "volatility_24",
	"volume_z_20",
	"rsi_14", "macd_hist",
	"bb_pos", "bb_width",
}

// Vector computes the decision-time feature vector from the newest bar.
// Bars may arrive unsorted. Returns the vector, the open time of the bar
// it describes and ok=false when history is too short or any feature is
// undefined.
func Vector(bars []domain.Bar) ([]float64, time.Time, bool) {
	if len(bars) < minBars {
		return nil, time.Time{}, false
	}
	sorted := append([]domain.Bar(nil), bars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })

	closes := make([]float64, len(sorted))
	volumes := make([]float64, len(sorted))
	for i := range sorted {
		closes[i] = sorted[i].Close
		volumes[i] = sorted[i].Volume
	}
	i := len(closes) - 1

	ret1 := pctReturn(closes, i, 1)
	ret4 := pctReturn(closes, i, 4)
	ret24 := pctReturn(closes, i, 24)
	vol6 := rollingVolatility(closes, i, 6)
	vol24 := rollingVolatility(closes, i, 24)
	if anyNaN(ret1, ret4, ret24, vol6, vol24) {
		return nil, time.Time{}, false
	}

	volZ, ok := ta.ZScore(volumes, volumeZWindow)
	if !ok {
		return nil, time.Time{}, false
	}
	rsi, ok := ta.RSI(closes, rsiPeriod)
	if !ok {
		return nil, time.Time{}, false
	}
	_, _, macdHist, ok := ta.MACD(closes, macdFast, macdSlow, macdSignal)
	if !ok {
		return nil, time.Time{}, false
	}
	bbPos, ok := ta.PercentB(closes, bbPeriod, bbStdDevs)
	if !ok {
		return nil, time.Time{}, false
	}
	bbWidth := bollingerWidth(closes)
	if math.IsNaN(bbWidth) {
		return nil, time.Time{}, false
	}

	vector := []float64{
		ret1, ret4, ret24,
		vol6, vol24,
		volZ,
		rsi, macdHist,
		bbPos, bbWidth,
	}
	return vector, sorted[i].OpenTime.UTC(), true
}

func bollingerWidth(closes []float64) float64 {
	middle, upper, lower := ta.BollingerSeries(closes, bbPeriod, bbStdDevs)
	i := len(closes) - 1
	if i < 0 || math.IsNaN(middle[i]) || middle[i] == 0 {
		return math.NaN()
	}
	return (upper[i] - lower[i]) / middle[i]
}

func pctReturn(values []float64, idx int, lag int) float64 {
	if idx-lag < 0 || idx >= len(values) {
		return math.NaN()
	}
	base := values[idx-lag]
	if base == 0 {
		return math.NaN()
	}
	return (values[idx] / base) - 1
}

func rollingVolatility(closes []float64, idx int, window int) float64 {
	if window <= 1 || idx-window+1 <= 0 || idx >= len(closes) {
		return math.NaN()
	}
	rets := make([]float64, 0, window)
	for j := idx - window + 1; j <= idx; j++ {
		if closes[j-1] == 0 {
			return math.NaN()
		}
		rets = append(rets, (closes[j]/closes[j-1])-1)
	}
	_, std := ta.MeanStd(rets)
	return std
}

func anyNaN(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
