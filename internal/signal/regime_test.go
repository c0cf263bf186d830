package signal

import (
	"math"
	"testing"
	"time"

	"paper-tape/internal/domain"
)

func dailyBars(closes ...float64) []domain.Bar {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:   "SPY",
			Interval: "1d",
			OpenTime: start.Add(time.Duration(i) * 24 * time.Hour),
			Close:    c,
		}
	}
	return bars
}

func TestDetectRegime(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		closes []float64
		want   domain.MarketRegime
	}{
		{"bullish", []float64{500, 511}, domain.RegimeBullish},
		{"bearish", []float64{500, 489}, domain.RegimeBearish},
		{"neutral up", []float64{500, 505}, domain.RegimeNeutral},
		{"neutral down", []float64{500, 495}, domain.RegimeNeutral},
		{"exact band is bullish", []float64{500, 510}, domain.RegimeBullish},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			regime, _ := DetectRegime(dailyBars(tc.closes...))
			if regime != tc.want {
				t.Fatalf("regime = %s, want %s", regime, tc.want)
			}
		})
	}
}

func TestDetectRegimeReturnPct(t *testing.T) {
	t.Parallel()

	_, ret := DetectRegime(dailyBars(400, 410))
	if math.Abs(ret-2.5) > 1e-9 {
		t.Fatalf("return = %v, want 2.5", ret)
	}
}

func TestDetectRegimeUnsortedInput(t *testing.T) {
	t.Parallel()

	bars := dailyBars(500, 520, 489)
	// shuffle: oldest last
	bars[0], bars[2] = bars[2], bars[0]

	regime, ret := DetectRegime(bars)
	if regime != domain.RegimeBearish {
		t.Fatalf("regime = %s, want bearish", regime)
	}
	// last close 489 against prior 520
	want := (489.0 - 520.0) / 520.0 * 100
	if math.Abs(ret-want) > 1e-9 {
		t.Fatalf("return = %v, want %v", ret, want)
	}
}

func TestDetectRegimeDegenerateInputs(t *testing.T) {
	t.Parallel()

	if regime, _ := DetectRegime(nil); regime != domain.RegimeNeutral {
		t.Fatalf("no bars should read neutral, got %s", regime)
	}
	if regime, _ := DetectRegime(dailyBars(500)); regime != domain.RegimeNeutral {
		t.Fatalf("single bar should read neutral, got %s", regime)
	}
	if regime, _ := DetectRegime(dailyBars(0, 510)); regime != domain.RegimeNeutral {
		t.Fatalf("zero prior close should read neutral, got %s", regime)
	}
}
