package outcomes

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

type predictionSourceFake struct {
	due map[domain.Horizon][]domain.Prediction
	err error
}

func (f *predictionSourceFake) ListDueForHorizon(ctx context.Context, horizon domain.Horizon, asOf time.Time, limit int) ([]domain.Prediction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.due[horizon], nil
}

type resolverFake struct {
	prices map[string]domain.ResolvedPrice
	err    error
	calls  int
}

func (f *resolverFake) Resolve(ctx context.Context, symbol string, at time.Time) (domain.ResolvedPrice, error) {
	f.calls++
	if f.err != nil {
		return domain.ResolvedPrice{}, f.err
	}
	key := symbol + "@" + at.UTC().Format(time.RFC3339)
	rp, ok := f.prices[key]
	if !ok {
		return domain.ResolvedPrice{}, &domain.PriceUnavailableError{Symbol: symbol, At: at}
	}
	return rp, nil
}

func priceKey(symbol string, at time.Time) string {
	return symbol + "@" + at.UTC().Format(time.RFC3339)
}

func basePrediction(entry *float64) domain.Prediction {
	return domain.Prediction{
		ID:             7,
		Symbol:         "AAPL",
		PredictionTime: time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC),
		Action:         domain.ActionBuy,
		Confidence:     0.62,
		Direction:      1,
		Magnitude:      0.3,
		EntryPrice:     entry,
		ModelVersion:   "v1",
		Status:         domain.PredictionActive,
	}
}

func TestEvaluateComputesReturnAndLabel(t *testing.T) {
	t.Parallel()

	entry := 200.0
	p := basePrediction(&entry)
	target := p.PredictionTime.Add(time.Hour)

	resolver := &resolverFake{prices: map[string]domain.ResolvedPrice{
		priceKey("AAPL", target): {Price: 204.0, AsOf: target, Method: "bar-stored"},
	}}
	evaluator := NewEvaluator(testTracer, &predictionSourceFake{}, resolver, EvaluatorConfig{})

	outcome, err := evaluator.Evaluate(context.Background(), Task{Prediction: p, Horizon: domain.Horizon1H}, target.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.ReturnPct != 2.0 {
		t.Fatalf("expected return 2.0%%, got %f", outcome.ReturnPct)
	}
	if outcome.RealizedLabel != domain.ActionBuy {
		t.Fatalf("expected realized BUY, got %s", outcome.RealizedLabel)
	}
	if outcome.EntryPrice != 200.0 || outcome.ExitPrice != 204.0 {
		t.Fatalf("unexpected prices: %+v", outcome)
	}
	if resolver.calls != 1 {
		t.Fatalf("stored entry must not be re-resolved, got %d resolver calls", resolver.calls)
	}
}

func TestEvaluateReturnPct(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		entry float64
		exit  float64
		want  float64
		label domain.Action
	}{
		{name: "gain", entry: 100, exit: 105, want: 5.0, label: domain.ActionBuy},
		{name: "loss", entry: 200, exit: 190, want: -5.0, label: domain.ActionSell},
		{name: "flat", entry: 50, exit: 50, want: 0.0, label: domain.ActionHold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			entry := tc.entry
			p := basePrediction(&entry)
			target := p.PredictionTime.Add(time.Hour)

			resolver := &resolverFake{prices: map[string]domain.ResolvedPrice{
				priceKey("AAPL", target): {Price: tc.exit, AsOf: target},
			}}
			evaluator := NewEvaluator(testTracer, &predictionSourceFake{}, resolver, EvaluatorConfig{})

			outcome, err := evaluator.Evaluate(context.Background(), Task{Prediction: p, Horizon: domain.Horizon1H}, target)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.ReturnPct != tc.want {
				t.Fatalf("return = %f, want %f", outcome.ReturnPct, tc.want)
			}
			if outcome.RealizedLabel != tc.label {
				t.Fatalf("realized label = %s, want %s", outcome.RealizedLabel, tc.label)
			}
		})
	}
}

func TestEvaluateResolvesMissingEntry(t *testing.T) {
	t.Parallel()

	p := basePrediction(nil)
	target := p.PredictionTime.Add(time.Hour)

	resolver := &resolverFake{prices: map[string]domain.ResolvedPrice{
		priceKey("AAPL", p.PredictionTime): {Price: 200.0, AsOf: p.PredictionTime.Add(-10 * time.Minute)},
		priceKey("AAPL", target):           {Price: 197.0, AsOf: target},
	}}
	evaluator := NewEvaluator(testTracer, &predictionSourceFake{}, resolver, EvaluatorConfig{})

	outcome, err := evaluator.Evaluate(context.Background(), Task{Prediction: p, Horizon: domain.Horizon1H}, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.ReturnPct != -1.5 {
		t.Fatalf("expected return -1.5%%, got %f", outcome.ReturnPct)
	}
	if outcome.RealizedLabel != domain.ActionSell {
		t.Fatalf("expected realized SELL, got %s", outcome.RealizedLabel)
	}
	if resolver.calls != 2 {
		t.Fatalf("expected entry and exit resolution, got %d calls", resolver.calls)
	}
}

func TestEvaluateLeakageOnExit(t *testing.T) {
	t.Parallel()

	entry := 200.0
	p := basePrediction(&entry)
	target := p.PredictionTime.Add(time.Hour)

	resolver := &resolverFake{prices: map[string]domain.ResolvedPrice{
		priceKey("AAPL", target): {Price: 204.0, AsOf: target.Add(time.Hour)},
	}}
	evaluator := NewEvaluator(testTracer, &predictionSourceFake{}, resolver, EvaluatorConfig{})

	_, err := evaluator.Evaluate(context.Background(), Task{Prediction: p, Horizon: domain.Horizon1H}, target.Add(2*time.Hour))
	var leak *domain.DataLeakageError
	if !errors.As(err, &leak) {
		t.Fatalf("expected DataLeakageError, got %v", err)
	}
	if leak.Field != "exit_price" {
		t.Fatalf("unexpected leak field %q", leak.Field)
	}
}

func TestEvaluateLeakageOnResolvedEntry(t *testing.T) {
	t.Parallel()

	p := basePrediction(nil)
	target := p.PredictionTime.Add(time.Hour)

	resolver := &resolverFake{prices: map[string]domain.ResolvedPrice{
		priceKey("AAPL", p.PredictionTime): {Price: 200.0, AsOf: p.PredictionTime.Add(time.Hour)},
		priceKey("AAPL", target):           {Price: 204.0, AsOf: target},
	}}
	evaluator := NewEvaluator(testTracer, &predictionSourceFake{}, resolver, EvaluatorConfig{})

	_, err := evaluator.Evaluate(context.Background(), Task{Prediction: p, Horizon: domain.Horizon1H}, target)
	var leak *domain.DataLeakageError
	if !errors.As(err, &leak) {
		t.Fatalf("expected DataLeakageError, got %v", err)
	}
	if leak.Field != "entry_price" {
		t.Fatalf("unexpected leak field %q", leak.Field)
	}
}

func TestEvaluatePriceGapPropagates(t *testing.T) {
	t.Parallel()

	entry := 200.0
	p := basePrediction(&entry)

	resolver := &resolverFake{prices: map[string]domain.ResolvedPrice{}}
	evaluator := NewEvaluator(testTracer, &predictionSourceFake{}, resolver, EvaluatorConfig{})

	_, err := evaluator.Evaluate(context.Background(), Task{Prediction: p, Horizon: domain.Horizon1H}, time.Now().UTC())
	var unavailable *domain.PriceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected PriceUnavailableError, got %v", err)
	}
}

func TestDueCollectsAcrossHorizons(t *testing.T) {
	t.Parallel()

	p1 := basePrediction(nil)
	p2 := basePrediction(nil)
	p2.ID = 8
	source := &predictionSourceFake{due: map[domain.Horizon][]domain.Prediction{
		domain.Horizon1H: {p1, p2},
		domain.Horizon4H: {p1},
	}}
	evaluator := NewEvaluator(testTracer, source, &resolverFake{}, EvaluatorConfig{})

	tasks, err := evaluator.Due(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].Horizon != domain.Horizon1H || tasks[2].Horizon != domain.Horizon4H {
		t.Fatalf("expected shortest horizon first, got %+v", tasks)
	}
}

func TestRealizedLabelBands(t *testing.T) {
	t.Parallel()

	cases := map[float64]domain.Action{
		2.5:   domain.ActionBuy,
		1.01:  domain.ActionBuy,
		1.0:   domain.ActionHold,
		0.0:   domain.ActionHold,
		-1.0:  domain.ActionHold,
		-1.01: domain.ActionSell,
		-4.0:  domain.ActionSell,
	}
	for ret, want := range cases {
		if got := realizedLabel(ret); got != want {
			t.Fatalf("realizedLabel(%f) = %s, want %s", ret, got, want)
		}
	}
}
