package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
	"paper-tape/internal/metrics"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

type runnerFake struct {
	mu    sync.Mutex
	err   error
	kinds []domain.BatchKind
}

func (f *runnerFake) RunBatch(ctx context.Context, kind domain.BatchKind) (domain.BatchSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return domain.BatchSummary{RunID: "run-1", Kind: kind}, f.err
}

type observerFake struct {
	mu      sync.Mutex
	results []string
}

func (f *observerFake) ObserveBatch(s domain.BatchSummary, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
}

func TestRunOnceClassifiesResults(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "clean run", err: nil, want: metrics.ResultSuccess},
		{name: "lock held elsewhere", err: &domain.LockContentionError{Name: "decision_batch"}, want: metrics.ResultLocked},
		{name: "hard failure", err: errors.New("pg down"), want: metrics.ResultError},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := &runnerFake{err: tc.err}
			observer := &observerFake{}
			s := NewScheduler(runner, observer, testTracer, Config{})

			s.runOnce(domain.BatchDecision)

			if len(runner.kinds) != 1 || runner.kinds[0] != domain.BatchDecision {
				t.Fatalf("runner kinds = %v, want one decision run", runner.kinds)
			}
			if len(observer.results) != 1 || observer.results[0] != tc.want {
				t.Fatalf("observed results = %v, want [%s]", observer.results, tc.want)
			}
		})
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	s := NewScheduler(&runnerFake{}, &observerFake{}, testTracer, Config{DecisionSchedule: "every hour on the dot"})
	if err := s.Start(); err == nil {
		t.Fatal("bad cron expression should fail startup")
	}
}

func TestSchedulerDefaults(t *testing.T) {
	t.Parallel()

	s := NewScheduler(&runnerFake{}, nil, testTracer, Config{})
	if s.cfg.DecisionSchedule != "5 * * * *" {
		t.Fatalf("decision schedule = %q", s.cfg.DecisionSchedule)
	}
	if s.cfg.OutcomeSchedule != "*/15 * * * *" {
		t.Fatalf("outcome schedule = %q", s.cfg.OutcomeSchedule)
	}
	if s.cfg.RunTimeout <= 0 {
		t.Fatal("run timeout should default")
	}

	// A nil observer is allowed; classification must not panic.
	s.runOnce(domain.BatchOutcome)
}
