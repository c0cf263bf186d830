package ta

import "math"

func MeanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func EMASeries(values []float64, period int) []float64 {
	if len(values) == 0 {
		return nil
	}
	if period <= 1 {
		out := make([]float64, len(values))
		copy(out, values)
		return out
	}
	out := make([]float64, len(values))
	alpha := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSISeries is Wilder-smoothed. Entries before the warmup window are NaN.
func RSISeries(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) <= period {
		return nil
	}
	series := make([]float64, len(closes))
	for i := range series {
		series[i] = math.NaN()
	}

	var gainSum float64
	var lossSum float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	series[period] = rsiFromAvg(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain := math.Max(delta, 0)
		loss := math.Max(-delta, 0)
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		series[i] = rsiFromAvg(avgGain, avgLoss)
	}
	return series
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// RSI returns the latest RSI value, false when history is too short.
func RSI(closes []float64, period int) (float64, bool) {
	series := RSISeries(closes, period)
	if len(series) == 0 {
		return 0, false
	}
	last := series[len(series)-1]
	if math.IsNaN(last) {
		return 0, false
	}
	return last, true
}

func MACDSeries(values []float64, fast, slow, signal int) ([]float64, []float64) {
	if len(values) == 0 {
		return nil, nil
	}
	fastEMA := EMASeries(values, fast)
	slowEMA := EMASeries(values, slow)
	macdLine := make([]float64, len(values))
	for i := range values {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine := EMASeries(macdLine, signal)
	return macdLine, signalLine
}

// MACD returns the latest (macd, signal, histogram) triple, false when
// history is shorter than the slow period.
func MACD(values []float64, fast, slow, signal int) (float64, float64, float64, bool) {
	if len(values) < slow {
		return 0, 0, 0, false
	}
	macdLine, signalLine := MACDSeries(values, fast, slow, signal)
	if len(macdLine) == 0 {
		return 0, 0, 0, false
	}
	i := len(macdLine) - 1
	return macdLine[i], signalLine[i], macdLine[i] - signalLine[i], true
}

func BollingerSeries(values []float64, period int, stdDevs float64) ([]float64, []float64, []float64) {
	if len(values) == 0 {
		return nil, nil, nil
	}
	middle := make([]float64, len(values))
	upper := make([]float64, len(values))
	lower := make([]float64, len(values))
	for i := range values {
		middle[i] = math.NaN()
		upper[i] = math.NaN()
		lower[i] = math.NaN()
	}
	if period <= 0 {
		return middle, upper, lower
	}
	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		mean, std := MeanStd(window)
		middle[i] = mean
		upper[i] = mean + stdDevs*std
		lower[i] = mean - stdDevs*std
	}
	return middle, upper, lower
}

// PercentB locates the latest value inside its Bollinger band, 0.5 when the
// band is degenerate.
func PercentB(values []float64, period int, stdDevs float64) (float64, bool) {
	if len(values) < period || period <= 0 {
		return 0, false
	}
	_, upper, lower := BollingerSeries(values, period, stdDevs)
	i := len(values) - 1
	width := upper[i] - lower[i]
	if math.IsNaN(width) || width == 0 {
		return 0.5, true
	}
	return (values[i] - lower[i]) / width, true
}

// ReturnPctSeries is the simple percentage return between consecutive values.
func ReturnPctSeries(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (values[i]-values[i-1])/values[i-1]*100)
	}
	return out
}

// ZScore places the latest value against the trailing window that precedes
// it. A flat window reports 0.
func ZScore(values []float64, window int) (float64, bool) {
	if window <= 1 || len(values) <= window {
		return 0, false
	}
	trailing := values[len(values)-1-window : len(values)-1]
	mean, std := MeanStd(trailing)
	if std == 0 {
		return 0, true
	}
	return (values[len(values)-1] - mean) / std, true
}
