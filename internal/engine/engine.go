// Package engine runs the scheduled batches: the decision batch that turns
// component scores into committed predictions, and the outcome batch that
// grades due predictions against realized prices. Per-symbol work fans out to
// a bounded worker pool; every storage write funnels through the persistence
// gate in a single loop.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
	"paper-tape/internal/lock"
	mloverlay "paper-tape/internal/ml/overlay"
	"paper-tape/internal/outcomes"
	"paper-tape/internal/quality"
	"paper-tape/internal/scores"
)

// Lock names. A manual trigger and a cron run of the same kind contend on
// the same name, so they can never interleave writes.
const (
	lockDecision = "decision_batch"
	lockOutcome  = "outcome_batch"
)

type ScoreAssembler interface {
	Assemble(ctx context.Context, symbol string, at time.Time) (domain.ComponentScoreSet, *mloverlay.Vote, error)
}

type SnapshotSource interface {
	ListSnapshots(ctx context.Context, symbol string, from, to time.Time) ([]scores.Snapshot, error)
}

type BarSource interface {
	ListBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Bar, error)
}

type PriceSource interface {
	Resolve(ctx context.Context, symbol string, at time.Time) (domain.ResolvedPrice, error)
}

type Prewarmer interface {
	RefreshWatchlist(ctx context.Context, watchlist []string, indexSymbol string)
}

type AnomalyScreen interface {
	Check(ctx context.Context, history []domain.ComponentScoreSet, current domain.ComponentScoreSet) quality.Report
}

// Committer is the persistence gate. The engine never touches the
// prediction or outcome repositories directly.
type Committer interface {
	CommitPrediction(ctx context.Context, p domain.Prediction) (*domain.Prediction, error)
	CommitOutcome(ctx context.Context, o domain.Outcome) (*domain.Outcome, error)
}

type OutcomeEvaluator interface {
	Due(ctx context.Context, asOf time.Time) ([]outcomes.Task, error)
	Evaluate(ctx context.Context, task outcomes.Task, asOf time.Time) (*domain.Outcome, error)
}

type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context, lease *lock.Lease) error) error
	Extend(ctx context.Context, lease *lock.Lease) error
}

type RunStore interface {
	InsertRun(ctx context.Context, s domain.BatchSummary) error
}

// Deps bundles the engine's collaborators. Prewarm, Screen, Snapshots and
// Runs are optional; the rest are required.
type Deps struct {
	Locker    Locker
	Assembler ScoreAssembler
	Snapshots SnapshotSource
	Bars      BarSource
	Prices    PriceSource
	Prewarm   Prewarmer
	Screen    AnomalyScreen
	Committer Committer
	Evaluator OutcomeEvaluator
	Runs      RunStore
}

type Config struct {
	Watchlist   []string
	IndexSymbol string

	// Workers bounds the per-symbol fan-out.
	Workers int

	// WindowWidth is the decision window; window_start is the prediction
	// time truncated to it.
	WindowWidth time.Duration

	// MinActionConfidence is the actionable floor passed to the risk
	// overlay.
	MinActionConfidence float64

	// WeightsFile optionally overrides the base weight table. It is
	// re-read every run so operator edits apply without a restart.
	WeightsFile string

	// ScreenSize is the trailing snapshot count fed to the anomaly screen.
	ScreenSize int
}

type Engine struct {
	tracer trace.Tracer
	deps   Deps
	cfg    Config
}

func New(tracer trace.Tracer, deps Deps, cfg Config) *Engine {
	if len(cfg.Watchlist) == 0 {
		cfg.Watchlist = append([]string(nil), domain.DefaultWatchlist...)
	}
	if cfg.IndexSymbol == "" {
		cfg.IndexSymbol = domain.DefaultIndexSymbol
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = 24 * time.Hour
	}
	if cfg.ScreenSize <= 0 {
		cfg.ScreenSize = 256
	}
	return &Engine{tracer: tracer, deps: deps, cfg: cfg}
}

// RunBatch dispatches a manual trigger onto the same code paths the
// scheduler uses, lock discipline included.
func (e *Engine) RunBatch(ctx context.Context, kind domain.BatchKind) (domain.BatchSummary, error) {
	switch kind {
	case domain.BatchDecision:
		return e.RunDecision(ctx)
	case domain.BatchOutcome:
		return e.RunOutcome(ctx)
	default:
		return domain.BatchSummary{}, fmt.Errorf("unknown batch kind %q", kind)
	}
}

// persistRun appends the summary to batch_runs. It runs on a fresh context
// so a cancelled batch still leaves its row behind.
func (e *Engine) persistRun(summary domain.BatchSummary) {
	if e.deps.Runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.deps.Runs.InsertRun(ctx, summary); err != nil {
		log.Printf("batch run %s not persisted: %v", summary.RunID, err)
	}
}
