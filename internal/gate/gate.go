// Package gate is the single choke point for prediction and outcome writes.
// Every commit path in the codebase, batch or manual, goes through it; the
// repositories are never called directly by decision or evaluation code.
//
// The gate deliberately exposes no prediction update method. Realized labels
// live on outcomes only and can never be written back onto the prediction
// they grade.
package gate

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
)

const (
	defaultMaxFutureSkew = 2 * time.Minute
	defaultDriftLimitPct = 0.5
)

// PredictionStore is the slice of the predictions repository the gate
// commits through.
type PredictionStore interface {
	Insert(ctx context.Context, p domain.Prediction) (*domain.Prediction, error)
	InsertSuperseding(ctx context.Context, p domain.Prediction, oldID int64) (*domain.Prediction, error)
	GetByID(ctx context.Context, id int64) (*domain.Prediction, error)
	ActiveInWindow(ctx context.Context, symbol string, windowStart time.Time) (*domain.Prediction, error)
}

// OutcomeStore is the slice of the outcomes repository the gate commits
// through. Idempotence on (prediction_id, horizon) lives in the upsert.
type OutcomeStore interface {
	Upsert(ctx context.Context, o domain.Outcome) (*domain.Outcome, error)
}

// Config bounds what the gate lets through.
type Config struct {
	// MaxFutureSkew is how far past now a prediction timestamp may sit
	// before it is rejected as a clock artifact.
	MaxFutureSkew time.Duration

	// DriftLimitPct is the relative entry price reconciliation tolerance,
	// in percent, between an outcome and its parent prediction.
	DriftLimitPct float64

	// AllowSupersede lets a commit into an occupied window replace the
	// active row instead of being rejected as a duplicate.
	AllowSupersede bool
}

type Gate struct {
	tracer trace.Tracer
	preds  PredictionStore
	outs   OutcomeStore
	cfg    Config
}

func NewGate(preds PredictionStore, outs OutcomeStore, tracer trace.Tracer, cfg Config) *Gate {
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = defaultMaxFutureSkew
	}
	if cfg.DriftLimitPct <= 0 {
		cfg.DriftLimitPct = defaultDriftLimitPct
	}
	return &Gate{
		tracer: tracer,
		preds:  preds,
		outs:   outs,
		cfg:    cfg,
	}
}

// CommitPrediction validates and persists a decision-time prediction,
// returning the stored row with its assigned ID. An occupied window rejects
// with ErrDuplicatePrediction unless superseding is enabled, in which case
// the old row is marked superseded and linked to its replacement.
func (g *Gate) CommitPrediction(ctx context.Context, p domain.Prediction) (*domain.Prediction, error) {
	ctx, span := g.tracer.Start(ctx, "gate.commit-prediction")
	defer span.End()

	if err := validatePrediction(p); err != nil {
		return nil, err
	}
	if p.WindowStart.After(p.PredictionTime) {
		return nil, fmt.Errorf("%w: window start %s is after prediction time %s",
			domain.ErrTemporalOrder,
			p.WindowStart.UTC().Format(time.RFC3339),
			p.PredictionTime.UTC().Format(time.RFC3339))
	}
	if skew := time.Until(p.PredictionTime); skew > g.cfg.MaxFutureSkew {
		return nil, fmt.Errorf("%w: prediction time %s is %s ahead of the clock",
			domain.ErrTemporalOrder,
			p.PredictionTime.UTC().Format(time.RFC3339),
			skew.Round(time.Second))
	}

	existing, err := g.preds.ActiveInWindow(ctx, p.Symbol, p.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("check active window: %w", err)
	}
	if existing == nil {
		return g.preds.Insert(ctx, p)
	}
	if !g.cfg.AllowSupersede {
		return nil, fmt.Errorf("%w: %s window %s holds prediction %d",
			domain.ErrDuplicatePrediction,
			p.Symbol,
			p.WindowStart.UTC().Format(time.RFC3339),
			existing.ID)
	}
	return g.preds.InsertSuperseding(ctx, p, existing.ID)
}

// CommitOutcome validates and persists an evaluated outcome. The gate
// enforces what the database cannot see: the parent must exist, the horizon
// must have elapsed before evaluation, and a resolved entry price must
// reconcile with the one stored on the prediction.
func (g *Gate) CommitOutcome(ctx context.Context, o domain.Outcome) (*domain.Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "gate.commit-outcome")
	defer span.End()

	if err := validateOutcome(o); err != nil {
		return nil, err
	}

	parent, err := g.preds.GetByID(ctx, o.PredictionID)
	if err != nil {
		return nil, fmt.Errorf("load prediction %d: %w", o.PredictionID, err)
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: id %d", domain.ErrMissingPrediction, o.PredictionID)
	}

	due := parent.PredictionTime.Add(o.Horizon.Duration())
	if o.EvaluatedAt.Before(due) {
		return nil, fmt.Errorf("%w: %s outcome evaluated at %s before the horizon elapses at %s",
			domain.ErrTemporalOrder,
			o.Horizon,
			o.EvaluatedAt.UTC().Format(time.RFC3339),
			due.UTC().Format(time.RFC3339))
	}

	if parent.EntryPrice != nil {
		drift := math.Abs(o.EntryPrice-*parent.EntryPrice) / *parent.EntryPrice * 100
		if drift > g.cfg.DriftLimitPct {
			return nil, fmt.Errorf("%w: outcome entry %.4f vs prediction entry %.4f (%.3f%%)",
				domain.ErrEntryPriceDrift, o.EntryPrice, *parent.EntryPrice, drift)
		}
	}

	return g.outs.Upsert(ctx, o)
}

func validatePrediction(p domain.Prediction) error {
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: symbol", domain.ErrIncompleteRecord)
	case !p.Action.IsValid():
		return fmt.Errorf("%w: action %q", domain.ErrIncompleteRecord, p.Action)
	case p.Confidence < 0 || p.Confidence > 1:
		return fmt.Errorf("%w: confidence %.4f outside [0,1]", domain.ErrIncompleteRecord, p.Confidence)
	case p.Direction != p.Action.Direction():
		return fmt.Errorf("%w: direction %d does not match action %s", domain.ErrIncompleteRecord, p.Direction, p.Action)
	case p.Magnitude < 0:
		return fmt.Errorf("%w: negative magnitude %.4f", domain.ErrIncompleteRecord, p.Magnitude)
	case p.ModelVersion == "":
		return fmt.Errorf("%w: model version", domain.ErrIncompleteRecord)
	case p.AuditJSON == "":
		return fmt.Errorf("%w: audit trail", domain.ErrIncompleteRecord)
	case p.PredictionTime.IsZero():
		return fmt.Errorf("%w: prediction time", domain.ErrIncompleteRecord)
	case p.WindowStart.IsZero():
		return fmt.Errorf("%w: window start", domain.ErrIncompleteRecord)
	}
	return nil
}

func validateOutcome(o domain.Outcome) error {
	switch {
	case o.PredictionID <= 0:
		return fmt.Errorf("%w: prediction id", domain.ErrIncompleteRecord)
	case o.Horizon.Duration() <= 0:
		return fmt.Errorf("%w: unknown horizon %q", domain.ErrIncompleteRecord, o.Horizon)
	case o.EntryPrice <= 0:
		return fmt.Errorf("%w: entry price", domain.ErrIncompleteRecord)
	case o.ExitPrice <= 0:
		return fmt.Errorf("%w: exit price", domain.ErrIncompleteRecord)
	case !o.RealizedLabel.IsValid():
		return fmt.Errorf("%w: realized label %q", domain.ErrIncompleteRecord, o.RealizedLabel)
	case o.EvaluatedAt.IsZero():
		return fmt.Errorf("%w: evaluated at", domain.ErrIncompleteRecord)
	}
	return nil
}
