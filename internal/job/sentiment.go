package job

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
	"paper-tape/internal/scores"
)

type ItemStore interface {
	ListUnscoredItems(ctx context.Context, limit int) ([]domain.SentimentItem, error)
	UpdateItemSentiment(ctx context.Context, itemID int64, score, confidence float64, label, model string, scoredAt time.Time) error
}

type SentimentScorer interface {
	Score(ctx context.Context, items []domain.SentimentItem) ([]scores.SentimentScore, error)
}

// ScorerJob sweeps unscored sentiment items on a fixed interval so the
// decision batch always aggregates over scored rows. External collectors
// insert the items; this job only fills in the sentiment columns.
type ScorerJob struct {
	tracer    trace.Tracer
	store     ItemStore
	scorer    SentimentScorer
	interval  time.Duration
	batchSize int
}

func NewScorerJob(tracer trace.Tracer, store ItemStore, scorer SentimentScorer, intervalSecs, batchSize int) *ScorerJob {
	if intervalSecs <= 0 {
		intervalSecs = 300
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &ScorerJob{
		tracer:    tracer,
		store:     store,
		scorer:    scorer,
		interval:  time.Duration(intervalSecs) * time.Second,
		batchSize: batchSize,
	}
}

// Start blocks until ctx is cancelled, sweeping once immediately and then
// on every tick.
func (j *ScorerJob) Start(ctx context.Context) {
	log.Println("sentiment scorer job starting...")

	if scored, err := j.runOnce(ctx); err != nil {
		log.Printf("sentiment scorer initial sweep: %v", err)
	} else if scored > 0 {
		log.Printf("sentiment scorer: %d items scored", scored)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("sentiment scorer job stopped")
			return
		case <-ticker.C:
			scored, err := j.runOnce(ctx)
			if err != nil {
				log.Printf("sentiment scorer sweep: %v", err)
				continue
			}
			if scored > 0 {
				log.Printf("sentiment scorer: %d items scored", scored)
			}
		}
	}
}

func (j *ScorerJob) runOnce(ctx context.Context) (int, error) {
	ctx, span := j.tracer.Start(ctx, "scorer-job.run-once")
	defer span.End()

	items, err := j.store.ListUnscoredItems(ctx, j.batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("unscored", len(items)))

	results, err := j.scorer.Score(ctx, items)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	scored := 0
	for _, res := range results {
		if err := j.store.UpdateItemSentiment(ctx, res.ItemID, res.Score, res.Confidence, res.Label, res.Model, now); err != nil {
			log.Printf("sentiment scorer: persist item %d: %v", res.ItemID, err)
			continue
		}
		scored++
	}
	return scored, nil
}
