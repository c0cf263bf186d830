package outcomes

import (
	"context"
	"fmt"
	"time"

	"paper-tape/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

// A realized move past ±1% earns a directional label; anything inside the
// band is HOLD.
const labelBandPct = 1.0

type PredictionSource interface {
	ListDueForHorizon(ctx context.Context, horizon domain.Horizon, asOf time.Time, limit int) ([]domain.Prediction, error)
}

type PriceResolver interface {
	Resolve(ctx context.Context, symbol string, at time.Time) (domain.ResolvedPrice, error)
}

type EvaluatorConfig struct {
	// Horizons is the evaluation ladder.
	Horizons []domain.Horizon
	// Tolerance is how far past its target a resolved price timestamp may
	// sit before the record hard-fails as leakage.
	Tolerance time.Duration
	// BatchLimit caps due predictions fetched per horizon per run.
	BatchLimit int
}

// Task pairs a due prediction with the horizon to evaluate it at.
type Task struct {
	Prediction domain.Prediction
	Horizon    domain.Horizon
}

// Evaluator computes realized outcomes for due predictions. It only reads
// and computes; committing the outcome goes through the persistence gate.
type Evaluator struct {
	tracer trace.Tracer
	preds  PredictionSource
	prices PriceResolver
	cfg    EvaluatorConfig
}

func NewEvaluator(tracer trace.Tracer, preds PredictionSource, prices PriceResolver, cfg EvaluatorConfig) *Evaluator {
	if len(cfg.Horizons) == 0 {
		cfg.Horizons = append([]domain.Horizon(nil), domain.DefaultHorizons...)
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 15 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	return &Evaluator{tracer: tracer, preds: preds, prices: prices, cfg: cfg}
}

// Due lists every (prediction, horizon) pair whose target time has passed
// and which has no outcome yet, shortest horizon first.
func (e *Evaluator) Due(ctx context.Context, asOf time.Time) ([]Task, error) {
	ctx, span := e.tracer.Start(ctx, "outcome-evaluator.due")
	defer span.End()

	var tasks []Task
	for _, horizon := range e.cfg.Horizons {
		due, err := e.preds.ListDueForHorizon(ctx, horizon, asOf, e.cfg.BatchLimit)
		if err != nil {
			return nil, fmt.Errorf("list due for %s: %w", horizon, err)
		}
		for _, p := range due {
			tasks = append(tasks, Task{Prediction: p, Horizon: horizon})
		}
	}
	return tasks, nil
}

// Evaluate resolves entry and exit prices for one task and computes the
// realized outcome. A resolved price timestamped past its target beyond the
// tolerance is a DataLeakageError; an unresolvable price stays a
// PriceUnavailableError. Neither is ever recorded as a zero return.
func (e *Evaluator) Evaluate(ctx context.Context, task Task, asOf time.Time) (*domain.Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "outcome-evaluator.evaluate")
	defer span.End()

	p := task.Prediction
	target := p.PredictionTime.Add(task.Horizon.Duration())

	entry, err := e.entryPrice(ctx, p)
	if err != nil {
		return nil, err
	}
	if entry <= 0 {
		return nil, fmt.Errorf("prediction %d has non-positive entry price %.4f", p.ID, entry)
	}

	exit, err := e.prices.Resolve(ctx, p.Symbol, target)
	if err != nil {
		return nil, err
	}
	if exit.AsOf.After(target.Add(e.cfg.Tolerance)) {
		return nil, &domain.DataLeakageError{
			Symbol:       p.Symbol,
			Field:        "exit_price",
			FeatureTime:  exit.AsOf,
			DecisionTime: target,
		}
	}

	returnPct := (exit.Price - entry) / entry * 100

	return &domain.Outcome{
		PredictionID:  p.ID,
		Horizon:       task.Horizon,
		EntryPrice:    entry,
		ExitPrice:     exit.Price,
		ReturnPct:     returnPct,
		RealizedLabel: realizedLabel(returnPct),
		EvaluatedAt:   asOf.UTC(),
	}, nil
}

// entryPrice prefers the entry stored on the prediction row; only when that
// is absent does it resolve at prediction time, under the leakage guard.
func (e *Evaluator) entryPrice(ctx context.Context, p domain.Prediction) (float64, error) {
	if p.EntryPrice != nil {
		return *p.EntryPrice, nil
	}

	rp, err := e.prices.Resolve(ctx, p.Symbol, p.PredictionTime)
	if err != nil {
		return 0, err
	}
	if rp.AsOf.After(p.PredictionTime.Add(e.cfg.Tolerance)) {
		return 0, &domain.DataLeakageError{
			Symbol:       p.Symbol,
			Field:        "entry_price",
			FeatureTime:  rp.AsOf,
			DecisionTime: p.PredictionTime,
		}
	}
	return rp.Price, nil
}

func realizedLabel(returnPct float64) domain.Action {
	switch {
	case returnPct > labelBandPct:
		return domain.ActionBuy
	case returnPct < -labelBandPct:
		return domain.ActionSell
	default:
		return domain.ActionHold
	}
}
