package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"paper-tape/internal/domain"
	"paper-tape/internal/lock"
	"paper-tape/internal/outcomes"
)

// RunOutcome executes one outcome batch: collect due prediction/horizon
// pairs, evaluate them on the worker pool, and commit realized outcomes
// through the gate one at a time.
func (e *Engine) RunOutcome(ctx context.Context) (domain.BatchSummary, error) {
	ctx, span := e.tracer.Start(ctx, "engine.outcome-batch")
	defer span.End()

	summary := domain.BatchSummary{
		RunID:     uuid.NewString(),
		Kind:      domain.BatchOutcome,
		StartedAt: time.Now().UTC(),
	}

	err := e.deps.Locker.WithLock(ctx, lockOutcome, func(ctx context.Context, lease *lock.Lease) error {
		return e.outcomeRun(ctx, lease, &summary)
	})
	summary.FinishedAt = time.Now().UTC()

	var contention *domain.LockContentionError
	if errors.As(err, &contention) {
		summary.LockContention++
	}

	e.persistRun(summary)
	log.Printf("outcome batch %s: %d/%d evaluations succeeded, %d outcomes written",
		summary.RunID, summary.Succeeded, summary.Symbols, summary.OutcomesWritten)
	return summary, err
}

type outcomeResult struct {
	task    outcomes.Task
	outcome *domain.Outcome
	err     error
}

func (e *Engine) outcomeRun(ctx context.Context, lease *lock.Lease, summary *domain.BatchSummary) error {
	asOf := time.Now().UTC()

	tasks, err := e.deps.Evaluator.Due(ctx, asOf)
	if err != nil {
		return fmt.Errorf("collect due predictions: %w", err)
	}
	summary.Symbols = len(tasks)
	if len(tasks) == 0 {
		return nil
	}

	jobs := make(chan outcomes.Task)
	results := make(chan outcomeResult, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range jobs {
				o, err := e.deps.Evaluator.Evaluate(ctx, task, asOf)
				results <- outcomeResult{task: task, outcome: o, err: err}
			}
		}()
	}

	go func() {
		for _, task := range tasks {
			jobs <- task
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	for res := range results {
		symbol := res.task.Prediction.Symbol
		if res.err != nil {
			summary.Skip(symbol, res.err)
			log.Printf("outcome batch: %s %s skipped: %v", symbol, res.task.Horizon, res.err)
			continue
		}
		if _, err := e.deps.Committer.CommitOutcome(ctx, *res.outcome); err != nil {
			summary.Skip(symbol, err)
			log.Printf("outcome batch: %s %s rejected by gate: %v", symbol, res.task.Horizon, err)
			continue
		}
		summary.Succeeded++
		summary.OutcomesWritten++

		if err := e.deps.Locker.Extend(ctx, lease); err != nil {
			return fmt.Errorf("lease lapsed mid-run: %w", err)
		}
	}
	return nil
}
