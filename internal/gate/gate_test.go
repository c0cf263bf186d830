package gate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

type predStoreFake struct {
	active     *domain.Prediction
	byID       map[int64]*domain.Prediction
	inserted   []domain.Prediction
	superseded []int64
	nextID     int64
}

func (f *predStoreFake) Insert(_ context.Context, p domain.Prediction) (*domain.Prediction, error) {
	f.nextID++
	p.ID = f.nextID
	p.Status = domain.PredictionActive
	f.inserted = append(f.inserted, p)
	return &p, nil
}

func (f *predStoreFake) InsertSuperseding(_ context.Context, p domain.Prediction, oldID int64) (*domain.Prediction, error) {
	f.superseded = append(f.superseded, oldID)
	f.nextID++
	p.ID = f.nextID
	p.Status = domain.PredictionActive
	f.inserted = append(f.inserted, p)
	return &p, nil
}

func (f *predStoreFake) GetByID(_ context.Context, id int64) (*domain.Prediction, error) {
	return f.byID[id], nil
}

func (f *predStoreFake) ActiveInWindow(_ context.Context, _ string, _ time.Time) (*domain.Prediction, error) {
	return f.active, nil
}

type outStoreFake struct {
	rows    map[string]domain.Outcome
	upserts int
}

func (f *outStoreFake) Upsert(_ context.Context, o domain.Outcome) (*domain.Outcome, error) {
	if f.rows == nil {
		f.rows = make(map[string]domain.Outcome)
	}
	f.upserts++
	key := fmt.Sprintf("%d/%s", o.PredictionID, o.Horizon)
	if existing, ok := f.rows[key]; ok {
		o.ID = existing.ID
	} else {
		o.ID = int64(len(f.rows) + 1)
	}
	f.rows[key] = o
	return &o, nil
}

func validPrediction() domain.Prediction {
	at := time.Now().UTC().Add(-time.Minute)
	return domain.Prediction{
		Symbol:         "AAPL",
		PredictionTime: at,
		WindowStart:    at.Truncate(24 * time.Hour),
		Action:         domain.ActionBuy,
		Confidence:     0.62,
		Direction:      1,
		Magnitude:      0.3,
		ModelVersion:   "v1",
		AuditJSON:      `{"policy":"ml_blended"}`,
	}
}

func TestCommitPredictionInsertsIntoFreeWindow(t *testing.T) {
	t.Parallel()

	preds := &predStoreFake{}
	g := NewGate(preds, &outStoreFake{}, testTracer, Config{})

	stored, err := g.CommitPrediction(context.Background(), validPrediction())
	if err != nil {
		t.Fatalf("CommitPrediction: %v", err)
	}
	if stored.ID == 0 {
		t.Fatal("expected stored prediction to carry an ID")
	}
	if len(preds.inserted) != 1 {
		t.Fatalf("inserted %d rows, want 1", len(preds.inserted))
	}
	if len(preds.superseded) != 0 {
		t.Fatalf("superseded %v, want none", preds.superseded)
	}
}

func TestCommitPredictionRejectsOccupiedWindow(t *testing.T) {
	t.Parallel()

	holder := validPrediction()
	holder.ID = 41
	preds := &predStoreFake{active: &holder}
	g := NewGate(preds, &outStoreFake{}, testTracer, Config{})

	_, err := g.CommitPrediction(context.Background(), validPrediction())
	if !errors.Is(err, domain.ErrDuplicatePrediction) {
		t.Fatalf("err = %v, want ErrDuplicatePrediction", err)
	}
	if len(preds.inserted) != 0 {
		t.Fatalf("inserted %d rows, want none", len(preds.inserted))
	}
}

func TestCommitPredictionSupersedesWhenEnabled(t *testing.T) {
	t.Parallel()

	holder := validPrediction()
	holder.ID = 41
	preds := &predStoreFake{active: &holder}
	g := NewGate(preds, &outStoreFake{}, testTracer, Config{AllowSupersede: true})

	stored, err := g.CommitPrediction(context.Background(), validPrediction())
	if err != nil {
		t.Fatalf("CommitPrediction: %v", err)
	}
	if stored.ID == 0 {
		t.Fatal("expected stored prediction to carry an ID")
	}
	if len(preds.superseded) != 1 || preds.superseded[0] != 41 {
		t.Fatalf("superseded %v, want [41]", preds.superseded)
	}
}

func TestCommitPredictionRejectsIncompleteRecords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *domain.Prediction)
	}{
		{"empty symbol", func(p *domain.Prediction) { p.Symbol = "" }},
		{"unknown action", func(p *domain.Prediction) { p.Action = "SHORT"; p.Direction = 0 }},
		{"confidence above one", func(p *domain.Prediction) { p.Confidence = 1.2 }},
		{"negative confidence", func(p *domain.Prediction) { p.Confidence = -0.1 }},
		{"direction mismatch", func(p *domain.Prediction) { p.Direction = -1 }},
		{"negative magnitude", func(p *domain.Prediction) { p.Magnitude = -0.3 }},
		{"empty model version", func(p *domain.Prediction) { p.ModelVersion = "" }},
		{"missing audit trail", func(p *domain.Prediction) { p.AuditJSON = "" }},
		{"zero prediction time", func(p *domain.Prediction) { p.PredictionTime = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			preds := &predStoreFake{}
			g := NewGate(preds, &outStoreFake{}, testTracer, Config{})

			p := validPrediction()
			tt.mutate(&p)
			_, err := g.CommitPrediction(context.Background(), p)
			if !errors.Is(err, domain.ErrIncompleteRecord) {
				t.Fatalf("err = %v, want ErrIncompleteRecord", err)
			}
			if len(preds.inserted) != 0 {
				t.Fatalf("inserted %d rows, want none", len(preds.inserted))
			}
		})
	}
}

func TestCommitPredictionRejectsFutureTimestamp(t *testing.T) {
	t.Parallel()

	g := NewGate(&predStoreFake{}, &outStoreFake{}, testTracer, Config{})

	p := validPrediction()
	p.PredictionTime = time.Now().UTC().Add(10 * time.Minute)
	_, err := g.CommitPrediction(context.Background(), p)
	if !errors.Is(err, domain.ErrTemporalOrder) {
		t.Fatalf("err = %v, want ErrTemporalOrder", err)
	}
}

func TestCommitPredictionRejectsWindowAfterPredictionTime(t *testing.T) {
	t.Parallel()

	g := NewGate(&predStoreFake{}, &outStoreFake{}, testTracer, Config{})

	p := validPrediction()
	p.WindowStart = p.PredictionTime.Add(time.Hour)
	_, err := g.CommitPrediction(context.Background(), p)
	if !errors.Is(err, domain.ErrTemporalOrder) {
		t.Fatalf("err = %v, want ErrTemporalOrder", err)
	}
}

func validOutcome(parent domain.Prediction) domain.Outcome {
	return domain.Outcome{
		PredictionID:  parent.ID,
		Horizon:       domain.Horizon1H,
		EntryPrice:    200.0,
		ExitPrice:     204.0,
		ReturnPct:     2.0,
		RealizedLabel: domain.ActionBuy,
		EvaluatedAt:   parent.PredictionTime.Add(time.Hour + time.Minute),
	}
}

func TestCommitOutcomePersists(t *testing.T) {
	t.Parallel()

	parent := validPrediction()
	parent.ID = 7
	entry := 200.0
	parent.EntryPrice = &entry

	preds := &predStoreFake{byID: map[int64]*domain.Prediction{7: &parent}}
	outs := &outStoreFake{}
	g := NewGate(preds, outs, testTracer, Config{})

	stored, err := g.CommitOutcome(context.Background(), validOutcome(parent))
	if err != nil {
		t.Fatalf("CommitOutcome: %v", err)
	}
	if stored.ID == 0 {
		t.Fatal("expected stored outcome to carry an ID")
	}
	if len(outs.rows) != 1 {
		t.Fatalf("stored %d rows, want 1", len(outs.rows))
	}
}

func TestCommitOutcomeMissingParent(t *testing.T) {
	t.Parallel()

	preds := &predStoreFake{byID: map[int64]*domain.Prediction{}}
	g := NewGate(preds, &outStoreFake{}, testTracer, Config{})

	parent := validPrediction()
	parent.ID = 99
	_, err := g.CommitOutcome(context.Background(), validOutcome(parent))
	if !errors.Is(err, domain.ErrMissingPrediction) {
		t.Fatalf("err = %v, want ErrMissingPrediction", err)
	}
}

func TestCommitOutcomeBeforeHorizonElapses(t *testing.T) {
	t.Parallel()

	parent := validPrediction()
	parent.ID = 7
	preds := &predStoreFake{byID: map[int64]*domain.Prediction{7: &parent}}
	g := NewGate(preds, &outStoreFake{}, testTracer, Config{})

	o := validOutcome(parent)
	o.EvaluatedAt = parent.PredictionTime.Add(30 * time.Minute)
	_, err := g.CommitOutcome(context.Background(), o)
	if !errors.Is(err, domain.ErrTemporalOrder) {
		t.Fatalf("err = %v, want ErrTemporalOrder", err)
	}
}

func TestCommitOutcomeEntryPriceReconciliation(t *testing.T) {
	t.Parallel()

	parent := validPrediction()
	parent.ID = 7
	entry := 200.0
	parent.EntryPrice = &entry
	preds := &predStoreFake{byID: map[int64]*domain.Prediction{7: &parent}}

	t.Run("drift beyond tolerance rejected", func(t *testing.T) {
		t.Parallel()

		g := NewGate(preds, &outStoreFake{}, testTracer, Config{})
		o := validOutcome(parent)
		o.EntryPrice = 201.5
		_, err := g.CommitOutcome(context.Background(), o)
		if !errors.Is(err, domain.ErrEntryPriceDrift) {
			t.Fatalf("err = %v, want ErrEntryPriceDrift", err)
		}
	})

	t.Run("drift within tolerance accepted", func(t *testing.T) {
		t.Parallel()

		g := NewGate(preds, &outStoreFake{}, testTracer, Config{})
		o := validOutcome(parent)
		o.EntryPrice = 200.8
		if _, err := g.CommitOutcome(context.Background(), o); err != nil {
			t.Fatalf("CommitOutcome: %v", err)
		}
	})
}

func TestCommitOutcomeRejectsUnknownHorizon(t *testing.T) {
	t.Parallel()

	parent := validPrediction()
	parent.ID = 7
	preds := &predStoreFake{byID: map[int64]*domain.Prediction{7: &parent}}
	g := NewGate(preds, &outStoreFake{}, testTracer, Config{})

	o := validOutcome(parent)
	o.Horizon = "2w"
	_, err := g.CommitOutcome(context.Background(), o)
	if !errors.Is(err, domain.ErrIncompleteRecord) {
		t.Fatalf("err = %v, want ErrIncompleteRecord", err)
	}
}

func TestCommitOutcomeTwiceKeepsOneRow(t *testing.T) {
	t.Parallel()

	parent := validPrediction()
	parent.ID = 7
	preds := &predStoreFake{byID: map[int64]*domain.Prediction{7: &parent}}
	outs := &outStoreFake{}
	g := NewGate(preds, outs, testTracer, Config{})

	first, err := g.CommitOutcome(context.Background(), validOutcome(parent))
	if err != nil {
		t.Fatalf("first CommitOutcome: %v", err)
	}
	second, err := g.CommitOutcome(context.Background(), validOutcome(parent))
	if err != nil {
		t.Fatalf("second CommitOutcome: %v", err)
	}
	if len(outs.rows) != 1 {
		t.Fatalf("stored %d rows, want 1", len(outs.rows))
	}
	if outs.upserts != 2 {
		t.Fatalf("upserts = %d, want 2", outs.upserts)
	}
	if first.ID != second.ID {
		t.Fatalf("row IDs diverged: %d vs %d", first.ID, second.ID)
	}
}
