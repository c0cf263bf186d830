package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"paper-tape/internal/domain"
	"paper-tape/internal/lock"
	"paper-tape/internal/quality"
	"paper-tape/internal/scores"
	"paper-tape/internal/signal"
)

// regimeLookback covers at least two trading days of index bars across
// weekends and exchange holidays.
const regimeLookback = 10 * 24 * time.Hour

// RunDecision executes one decision batch: prewarm prices, detect the market
// regime, score every watchlist symbol on the worker pool, then commit the
// surviving predictions through the gate one at a time. The summary row is
// persisted whether the run succeeds, aborts, or loses the lock race.
func (e *Engine) RunDecision(ctx context.Context) (domain.BatchSummary, error) {
	ctx, span := e.tracer.Start(ctx, "engine.decision-batch")
	defer span.End()

	summary := domain.BatchSummary{
		RunID:     uuid.NewString(),
		Kind:      domain.BatchDecision,
		StartedAt: time.Now().UTC(),
		Symbols:   len(e.cfg.Watchlist),
	}

	err := e.deps.Locker.WithLock(ctx, lockDecision, func(ctx context.Context, lease *lock.Lease) error {
		return e.decisionRun(ctx, lease, &summary)
	})
	summary.FinishedAt = time.Now().UTC()

	var contention *domain.LockContentionError
	if errors.As(err, &contention) {
		summary.LockContention++
	}

	e.persistRun(summary)
	log.Printf("decision batch %s: %d/%d symbols succeeded, %d predictions written, %d anomalies flagged",
		summary.RunID, summary.Succeeded, summary.Symbols, summary.PredictionsWritten, summary.AnomaliesFlagged)
	return summary, err
}

type decisionResult struct {
	symbol     string
	prediction *domain.Prediction
	flagged    bool
	err        error
}

func (e *Engine) decisionRun(ctx context.Context, lease *lock.Lease, summary *domain.BatchSummary) error {
	at := time.Now().UTC()

	if e.deps.Prewarm != nil {
		e.deps.Prewarm.RefreshWatchlist(ctx, e.cfg.Watchlist, e.cfg.IndexSymbol)
	}

	regime, indexReturnPct := e.detectRegime(ctx, at)

	base, err := e.baseWeights()
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}

	jobs := make(chan string)
	// Buffered so workers never block on a consumer that bailed out early.
	results := make(chan decisionResult, len(e.cfg.Watchlist))

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				p, flagged, err := e.decideSymbol(ctx, symbol, at, base, regime, indexReturnPct)
				results <- decisionResult{symbol: symbol, prediction: p, flagged: flagged, err: err}
			}
		}()
	}

	go func() {
		for _, symbol := range e.cfg.Watchlist {
			jobs <- symbol
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	// Single writer: only this loop talks to the gate.
	for res := range results {
		if res.err != nil {
			summary.Skip(res.symbol, res.err)
			log.Printf("decision batch: %s skipped: %v", res.symbol, res.err)
			continue
		}
		if res.flagged {
			summary.AnomaliesFlagged++
		}
		if _, err := e.deps.Committer.CommitPrediction(ctx, *res.prediction); err != nil {
			summary.Skip(res.symbol, err)
			log.Printf("decision batch: %s rejected by gate: %v", res.symbol, err)
			continue
		}
		summary.Succeeded++
		summary.PredictionsWritten++
		if res.prediction.EntryPrice == nil {
			summary.PriceUnavailable++
			log.Printf("decision batch: %s committed without an entry price", res.symbol)
		}

		if err := e.deps.Locker.Extend(ctx, lease); err != nil {
			return fmt.Errorf("lease lapsed mid-run: %w", err)
		}
	}
	return nil
}

// decideSymbol runs the full scoring pipeline for one symbol and returns the
// prediction ready for the gate. It performs no writes itself.
func (e *Engine) decideSymbol(ctx context.Context, symbol string, at time.Time, base map[domain.Category]float64, regime domain.MarketRegime, indexReturnPct float64) (*domain.Prediction, bool, error) {
	ctx, span := e.tracer.Start(ctx, "engine.decide-symbol")
	defer span.End()

	set, vote, err := e.deps.Assembler.Assemble(ctx, symbol, at)
	if err != nil {
		return nil, false, err
	}

	policy := signal.SelectPolicy(set)
	if policy == domain.PolicyInsufficientData {
		return nil, false, &domain.InsufficientSignalError{Symbol: symbol}
	}

	weights, adjustments, err := signal.Normalize(base, set)
	if err != nil {
		return nil, false, err
	}

	overlayVote := signal.OverlayVote{}
	modelVersion := traditionalModelVersion
	if vote != nil {
		overlayVote = signal.OverlayVote{
			ProbUp:     vote.ProbUp,
			Direction:  vote.Direction,
			Magnitude:  vote.Magnitude,
			Confidence: vote.Confidence,
			SampleSize: vote.SampleCount,
		}
		if policy == domain.PolicyMLBlended {
			modelVersion = fmt.Sprintf("%s-v%d", vote.ModelKey, vote.Version)
		}
	}

	raw := signal.Aggregate(set, weights, regime, overlayVote, policy)
	final := signal.ApplyOverlay(raw, signal.OverlayInput{
		Volume:              set.Volume,
		IndexReturnPct:      indexReturnPct,
		MinActionConfidence: e.cfg.MinActionConfidence,
	})

	report := e.screenHistory(ctx, symbol, set)

	// An unresolvable entry price does not veto the prediction: it is
	// committed with a nil entry and the evaluator resolves the entry at
	// evaluation time, under the leakage guard.
	var entryPrice *float64
	entry, err := e.deps.Prices.Resolve(ctx, symbol, set.AsOf)
	if err != nil {
		var unavailable *domain.PriceUnavailableError
		if !errors.As(err, &unavailable) {
			return nil, false, err
		}
	} else {
		price := entry.Price
		entryPrice = &price
	}

	trail := domain.AuditTrail{
		Policy:            policy,
		Weights:           weights,
		WeightAdjustments: adjustments,
		Contributions:     raw.Contributions,
		RegimeMultiplier:  regime.Multiplier(),
		RawConfidence:     raw.Confidence,
		Overlay:           final.Trail,
		AnomalyFlagged:    report.Flagged,
	}
	audit, err := json.Marshal(trail)
	if err != nil {
		return nil, false, fmt.Errorf("encode audit trail: %w", err)
	}

	p := &domain.Prediction{
		Symbol:         symbol,
		PredictionTime: set.AsOf,
		WindowStart:    set.AsOf.Truncate(e.cfg.WindowWidth),
		Action:         final.Action,
		Confidence:     final.Confidence,
		Direction:      final.Action.Direction(),
		Magnitude:      final.Magnitude,
		EntryPrice:     entryPrice,
		ModelVersion:   modelVersion,
		AuditJSON:      string(audit),
	}
	return p, report.Flagged, nil
}

const traditionalModelVersion = "traditional-v1"

// screenHistory feeds the trailing snapshot window to the anomaly screen.
// The screen is advisory, so lookup failures degrade to an abstain.
func (e *Engine) screenHistory(ctx context.Context, symbol string, current domain.ComponentScoreSet) quality.Report {
	if e.deps.Screen == nil || e.deps.Snapshots == nil {
		return quality.Report{}
	}
	from := current.AsOf.Add(-time.Duration(e.cfg.ScreenSize) * time.Hour)
	// The current bucket is already persisted by Assemble; stop one second
	// short so the screen sees it exactly once, via the current vector.
	to := current.AsOf.Add(-time.Second)
	rows, err := e.deps.Snapshots.ListSnapshots(ctx, symbol, from, to)
	if err != nil {
		log.Printf("anomaly screen: list snapshots for %s: %v", symbol, err)
		return quality.Report{}
	}
	history := make([]domain.ComponentScoreSet, 0, len(rows))
	for _, row := range rows {
		set, _ := scores.DecodeSnapshot(row)
		history = append(history, set)
	}
	return e.deps.Screen.Check(ctx, history, current)
}

func (e *Engine) detectRegime(ctx context.Context, at time.Time) (domain.MarketRegime, float64) {
	bars, err := e.deps.Bars.ListBars(ctx, e.cfg.IndexSymbol, "1d", at.Add(-regimeLookback), at)
	if err != nil {
		log.Printf("regime detection: %v", err)
		return domain.RegimeNeutral, 0
	}
	regime, indexReturnPct := signal.DetectRegime(bars)
	return regime, indexReturnPct
}

func (e *Engine) baseWeights() (map[domain.Category]float64, error) {
	if e.cfg.WeightsFile == "" {
		return signal.BaseWeights(), nil
	}
	return signal.LoadWeightsFile(e.cfg.WeightsFile)
}
