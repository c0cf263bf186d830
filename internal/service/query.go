// Package service exposes the read-only query surface shared by the HTTP
// API, the MCP server and the Telegram bot. Everything here reads; writes
// belong to the engine and its gate.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
	"paper-tape/internal/outcomes"
)

const (
	defaultHistoryWindow = 30 * 24 * time.Hour
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 500

	defaultOutcomeGroups = 10
	maxOutcomeGroups     = 50
)

type PredictionReader interface {
	LatestPerSymbol(ctx context.Context, symbols []string) ([]domain.Prediction, error)
	ListBySymbol(ctx context.Context, symbol string, from, to time.Time, action domain.Action, limit int) ([]domain.Prediction, error)
}

type OutcomeReader interface {
	ListForPrediction(ctx context.Context, predictionID int64) ([]domain.Outcome, error)
	ListEvaluatedSince(ctx context.Context, since time.Time) ([]outcomes.EvaluatedPair, error)
}

type QueryService struct {
	tracer trace.Tracer
	preds  PredictionReader
	outs   OutcomeReader
}

func NewQueryService(tracer trace.Tracer, preds PredictionReader, outs OutcomeReader) *QueryService {
	return &QueryService{tracer: tracer, preds: preds, outs: outs}
}

// LatestSignals returns the newest active prediction per symbol. An empty
// symbol list means every symbol on record.
func (s *QueryService) LatestSignals(ctx context.Context, symbols []string) ([]domain.Prediction, error) {
	ctx, span := s.tracer.Start(ctx, "query-service.latest-signals")
	defer span.End()

	cleaned := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol != "" {
			cleaned = append(cleaned, symbol)
		}
	}
	return s.preds.LatestPerSymbol(ctx, cleaned)
}

// History returns a symbol's predictions inside [from, to], newest first.
// Zero times default to the trailing thirty days.
func (s *QueryService) History(ctx context.Context, symbol string, from, to time.Time, action domain.Action, limit int) ([]domain.Prediction, error) {
	ctx, span := s.tracer.Start(ctx, "query-service.history")
	defer span.End()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if action != "" && !action.IsValid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultHistoryWindow)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("time range is empty: from %s to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.preds.ListBySymbol(ctx, symbol, from, to, action, limit)
}

// PredictionOutcomes groups a prediction with its realized outcomes.
type PredictionOutcomes struct {
	Prediction domain.Prediction `json:"prediction"`
	Outcomes   []domain.Outcome  `json:"outcomes"`
}

// RecentOutcomes returns a symbol's recent predictions with the outcomes
// recorded so far, newest prediction first. Predictions whose horizons have
// not elapsed yet appear with an empty outcome list.
func (s *QueryService) RecentOutcomes(ctx context.Context, symbol string, limit int) ([]PredictionOutcomes, error) {
	ctx, span := s.tracer.Start(ctx, "query-service.recent-outcomes")
	defer span.End()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if limit <= 0 {
		limit = defaultOutcomeGroups
	}
	if limit > maxOutcomeGroups {
		limit = maxOutcomeGroups
	}

	to := time.Now().UTC()
	preds, err := s.preds.ListBySymbol(ctx, symbol, to.Add(-defaultHistoryWindow), to, "", limit)
	if err != nil {
		return nil, err
	}

	groups := make([]PredictionOutcomes, 0, len(preds))
	for _, p := range preds {
		outs, err := s.outs.ListForPrediction(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		groups = append(groups, PredictionOutcomes{Prediction: p, Outcomes: outs})
	}
	return groups, nil
}
