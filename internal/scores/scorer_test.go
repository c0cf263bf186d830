package scores

import (
	"context"
	"errors"
	"testing"

	"paper-tape/internal/domain"
)

func TestScorerHeuristicFallback(t *testing.T) {
	scorer := NewScorer(nil, 10)
	items := []domain.SentimentItem{{ID: 1, Title: "Apple beats estimates", Excerpt: "analyst upgrade after record quarter"}}

	out, err := scorer.Score(context.Background(), items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 score, got %d", len(out))
	}
	if out[0].Model != "heuristic:v1" {
		t.Fatalf("expected heuristic model, got %s", out[0].Model)
	}
	if out[0].Score <= 0 {
		t.Fatalf("expected bullish heuristic score, got %v", out[0].Score)
	}
	if out[0].Label != "bullish" {
		t.Fatalf("expected bullish label, got %s", out[0].Label)
	}
}

func TestScorerUsesLLMWhenAvailable(t *testing.T) {
	scorer := NewScorer(stubLLMScorer{scores: []SentimentScore{{
		ItemID:     1,
		Score:      0.8,
		Confidence: 0.9,
		Label:      "bullish",
		Model:      "llm:gpt-4o-mini",
	}}}, 10)
	items := []domain.SentimentItem{{ID: 1, Title: "neutral", Excerpt: "neutral"}}

	out, err := scorer.Score(context.Background(), items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Model != "llm:gpt-4o-mini" {
		t.Fatalf("expected llm model override, got %s", out[0].Model)
	}
	if out[0].Label != "bullish" {
		t.Fatalf("expected bullish label, got %s", out[0].Label)
	}
}

func TestScorerFallsBackWhenLLMErrors(t *testing.T) {
	scorer := NewScorer(stubLLMScorer{err: errors.New("boom")}, 10)
	items := []domain.SentimentItem{{ID: 1, Title: "lawsuit and recall probe", Excerpt: "guidance cut"}}

	out, err := scorer.Score(context.Background(), items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Model != "heuristic:v1" {
		t.Fatalf("expected heuristic fallback, got %s", out[0].Model)
	}
	if out[0].Score >= 0 {
		t.Fatalf("expected bearish heuristic score, got %v", out[0].Score)
	}
}

func TestHeuristicSentimentEmptyText(t *testing.T) {
	score, confidence, label := HeuristicSentiment("", "  ")
	if score != 0 || label != "neutral" {
		t.Fatalf("empty text should be neutral, got score=%v label=%s", score, label)
	}
	if confidence != 0.25 {
		t.Fatalf("empty text confidence should be 0.25, got %v", confidence)
	}
}

type stubLLMScorer struct {
	scores []SentimentScore
	err    error
}

func (s stubLLMScorer) ScoreBatch(ctx context.Context, items []domain.SentimentItem) ([]SentimentScore, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]SentimentScore(nil), s.scores...), nil
}
