// Package job drives the batch engine on cron schedules. The scheduler only
// sequences and observes runs; locking, skip accounting and persistence all
// live behind the engine.
package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
	"paper-tape/internal/metrics"
)

type BatchRunner interface {
	RunBatch(ctx context.Context, kind domain.BatchKind) (domain.BatchSummary, error)
}

type Observer interface {
	ObserveBatch(s domain.BatchSummary, result string)
}

type Config struct {
	// Standard five-field cron expressions.
	DecisionSchedule string
	OutcomeSchedule  string

	// RunTimeout bounds one batch run. It should stay under the batch lock
	// TTL so a hung run loses its lease before a fresh run starts.
	RunTimeout time.Duration
}

type Scheduler struct {
	cron    *cron.Cron
	runner  BatchRunner
	metrics Observer
	tracer  trace.Tracer
	cfg     Config
}

func NewScheduler(runner BatchRunner, observer Observer, tracer trace.Tracer, cfg Config) *Scheduler {
	if cfg.DecisionSchedule == "" {
		cfg.DecisionSchedule = "5 * * * *"
	}
	if cfg.OutcomeSchedule == "" {
		cfg.OutcomeSchedule = "*/15 * * * *"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 8 * time.Minute
	}
	return &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		metrics: observer,
		tracer:  tracer,
		cfg:     cfg,
	}
}

// Start registers both batches and begins firing them. Registration errors
// mean a bad cron expression and are fatal to startup.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.DecisionSchedule, func() { s.runOnce(domain.BatchDecision) }); err != nil {
		return fmt.Errorf("schedule decision batch: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.OutcomeSchedule, func() { s.runOnce(domain.BatchOutcome) }); err != nil {
		return fmt.Errorf("schedule outcome batch: %w", err)
	}
	s.cron.Start()
	log.Printf("scheduler started: decision %q, outcome %q", s.cfg.DecisionSchedule, s.cfg.OutcomeSchedule)
	return nil
}

// Stop halts scheduling and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("scheduler stopped")
}

func (s *Scheduler) runOnce(kind domain.BatchKind) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "job.run-once")
	defer span.End()

	summary, err := s.runner.RunBatch(ctx, kind)

	result := metrics.ResultSuccess
	var contention *domain.LockContentionError
	switch {
	case err == nil:
	case errors.As(err, &contention):
		result = metrics.ResultLocked
		log.Printf("%s batch yielded: %v", kind, err)
	default:
		result = metrics.ResultError
		log.Printf("%s batch failed: %v", kind, err)
	}

	if s.metrics != nil {
		s.metrics.ObserveBatch(summary, result)
	}
}
