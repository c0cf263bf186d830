package service

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
	"paper-tape/internal/outcomes"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

type predsFake struct {
	latest       []domain.Prediction
	listed       []domain.Prediction
	latestArgs   []string
	listBySymbol struct {
		symbol string
		from   time.Time
		to     time.Time
		action domain.Action
		limit  int
	}
}

func (f *predsFake) LatestPerSymbol(ctx context.Context, symbols []string) ([]domain.Prediction, error) {
	f.latestArgs = symbols
	return f.latest, nil
}

func (f *predsFake) ListBySymbol(ctx context.Context, symbol string, from, to time.Time, action domain.Action, limit int) ([]domain.Prediction, error) {
	f.listBySymbol.symbol = symbol
	f.listBySymbol.from = from
	f.listBySymbol.to = to
	f.listBySymbol.action = action
	f.listBySymbol.limit = limit
	return f.listed, nil
}

type outsFake struct {
	byPrediction map[int64][]domain.Outcome
	pairs        []outcomes.EvaluatedPair
	since        time.Time
}

func (f *outsFake) ListForPrediction(ctx context.Context, predictionID int64) ([]domain.Outcome, error) {
	return f.byPrediction[predictionID], nil
}

func (f *outsFake) ListEvaluatedSince(ctx context.Context, since time.Time) ([]outcomes.EvaluatedPair, error) {
	f.since = since
	return f.pairs, nil
}

func TestLatestSignalsNormalizesSymbols(t *testing.T) {
	t.Parallel()

	preds := &predsFake{latest: []domain.Prediction{{Symbol: "AAPL"}}}
	svc := NewQueryService(testTracer, preds, &outsFake{})

	got, err := svc.LatestSignals(context.Background(), []string{" aapl ", "", "msft"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("signals = %d, want 1", len(got))
	}
	if len(preds.latestArgs) != 2 || preds.latestArgs[0] != "AAPL" || preds.latestArgs[1] != "MSFT" {
		t.Fatalf("symbols passed through = %v, want upper-cased without blanks", preds.latestArgs)
	}
}

func TestHistoryValidation(t *testing.T) {
	t.Parallel()

	svc := NewQueryService(testTracer, &predsFake{}, &outsFake{})

	if _, err := svc.History(context.Background(), "  ", time.Time{}, time.Time{}, "", 0); err == nil {
		t.Fatal("blank symbol should be rejected")
	}
	if _, err := svc.History(context.Background(), "AAPL", time.Time{}, time.Time{}, domain.Action("SHORT"), 0); err == nil {
		t.Fatal("unknown action should be rejected")
	}
	now := time.Now().UTC()
	if _, err := svc.History(context.Background(), "AAPL", now, now.Add(-time.Hour), "", 0); err == nil {
		t.Fatal("inverted time range should be rejected")
	}
}

func TestHistoryDefaultsWindowAndLimit(t *testing.T) {
	t.Parallel()

	preds := &predsFake{}
	svc := NewQueryService(testTracer, preds, &outsFake{})

	if _, err := svc.History(context.Background(), "aapl", time.Time{}, time.Time{}, domain.ActionBuy, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if preds.listBySymbol.symbol != "AAPL" {
		t.Fatalf("symbol = %q, want AAPL", preds.listBySymbol.symbol)
	}
	if preds.listBySymbol.limit != defaultHistoryLimit {
		t.Fatalf("limit = %d, want default %d", preds.listBySymbol.limit, defaultHistoryLimit)
	}
	window := preds.listBySymbol.to.Sub(preds.listBySymbol.from)
	if window != defaultHistoryWindow {
		t.Fatalf("window = %s, want %s", window, defaultHistoryWindow)
	}
	if preds.listBySymbol.action != domain.ActionBuy {
		t.Fatalf("action = %s, want BUY", preds.listBySymbol.action)
	}

	if _, err := svc.History(context.Background(), "AAPL", time.Time{}, time.Time{}, "", maxHistoryLimit+100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if preds.listBySymbol.limit != maxHistoryLimit {
		t.Fatalf("limit = %d, want clamp to %d", preds.listBySymbol.limit, maxHistoryLimit)
	}
}

func TestRecentOutcomesGroupsByPrediction(t *testing.T) {
	t.Parallel()

	evaluated := domain.Outcome{ID: 7, PredictionID: 11, Horizon: domain.Horizon1H, ReturnPct: 1.4, RealizedLabel: domain.ActionBuy}
	preds := &predsFake{listed: []domain.Prediction{
		{ID: 11, Symbol: "AAPL", Action: domain.ActionBuy},
		{ID: 12, Symbol: "AAPL", Action: domain.ActionHold},
	}}
	outs := &outsFake{byPrediction: map[int64][]domain.Outcome{11: {evaluated}}}
	svc := NewQueryService(testTracer, preds, outs)

	groups, err := svc.RecentOutcomes(context.Background(), "aapl", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if len(groups[0].Outcomes) != 1 || groups[0].Outcomes[0].ID != 7 {
		t.Fatalf("first group outcomes = %+v, want the evaluated row", groups[0].Outcomes)
	}
	if len(groups[1].Outcomes) != 0 {
		t.Fatal("pending prediction should appear with no outcomes")
	}
	if preds.listBySymbol.limit != defaultOutcomeGroups {
		t.Fatalf("limit = %d, want default %d", preds.listBySymbol.limit, defaultOutcomeGroups)
	}

	if _, err := svc.RecentOutcomes(context.Background(), "", 5); err == nil {
		t.Fatal("blank symbol should be rejected")
	}
}
