package scores

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"paper-tape/internal/domain"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type SentimentScore struct {
	ItemID     int64
	Score      float64
	Confidence float64
	Label      string
	Model      string
}

type BatchLLMScorer interface {
	ScoreBatch(ctx context.Context, items []domain.SentimentItem) ([]SentimentScore, error)
}

type Scorer struct {
	llm       BatchLLMScorer
	batchSize int
}

func NewScorer(llm BatchLLMScorer, batchSize int) *Scorer {
	if batchSize <= 0 {
		batchSize = 24
	}
	return &Scorer{llm: llm, batchSize: batchSize}
}

// Score assigns a sentiment to every item. The heuristic pass always runs
// so each item has a score even when the LLM is absent or a batch fails;
// LLM results overwrite the heuristic ones.
func (s *Scorer) Score(ctx context.Context, items []domain.SentimentItem) ([]SentimentScore, error) {
	if len(items) == 0 {
		return nil, nil
	}

	resultByID := make(map[int64]SentimentScore, len(items))
	for _, item := range items {
		score, confidence, label := HeuristicSentiment(item.Title, item.Excerpt)
		resultByID[item.ID] = SentimentScore{
			ItemID:     item.ID,
			Score:      score,
			Confidence: confidence,
			Label:      label,
			Model:      "heuristic:v1",
		}
	}

	if s.llm != nil {
		for start := 0; start < len(items); start += s.batchSize {
			end := start + s.batchSize
			if end > len(items) {
				end = len(items)
			}
			batch := items[start:end]
			scored, err := s.llm.ScoreBatch(ctx, batch)
			if err != nil {
				log.Printf("sentiment scorer: llm batch of %d failed, keeping heuristic scores: %v", len(batch), err)
				continue
			}
			for _, row := range scored {
				current, ok := resultByID[row.ItemID]
				if !ok {
					continue
				}
				current.Score = clampRange(row.Score, -1, 1)
				current.Confidence = clampRange(row.Confidence, 0, 1)
				current.Label = normalizeLabel(row.Label)
				if row.Model != "" {
					current.Model = row.Model
				}
				resultByID[row.ItemID] = current
			}
		}
	}

	out := make([]SentimentScore, 0, len(items))
	for _, item := range items {
		if scored, ok := resultByID[item.ID]; ok {
			out = append(out, scored)
		}
	}
	return out, nil
}

// HeuristicSentiment is the keyword fallback scorer. Low confidence on
// purpose: the LLM pass overrides it when configured.
func HeuristicSentiment(title, excerpt string) (float64, float64, string) {
	text := strings.ToLower(strings.TrimSpace(title + " " + excerpt))
	if text == "" {
		return 0, 0.25, "neutral"
	}

	bullish := []string{"beat", "upgrade", "raise", "record", "buyback", "surge", "rally", "outperform", "growth", "approval", "dividend"}
	bearish := []string{"miss", "downgrade", "cut", "lawsuit", "recall", "probe", "layoff", "plunge", "warning", "bankruptcy", "underperform", "halt"}

	bullCount := countMatches(text, bullish)
	bearCount := countMatches(text, bearish)

	raw := float64(bullCount-bearCount) / float64(bullCount+bearCount+1)
	score := clampRange(raw, -1, 1)
	confidence := clampRange(0.35+(0.1*float64(absInt(bullCount-bearCount))), 0.25, 0.70)

	label := "neutral"
	if score > 0.2 {
		label = "bullish"
	} else if score < -0.2 {
		label = "bearish"
	}
	return score, confidence, label
}

func countMatches(text string, tokens []string) int {
	count := 0
	for _, token := range tokens {
		if strings.Contains(text, token) {
			count++
		}
	}
	return count
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	switch label {
	case "bull", "bullish", "positive":
		return "bullish"
	case "bear", "bearish", "negative":
		return "bearish"
	default:
		return "neutral"
	}
}

type openAIChatClient interface {
	CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type OpenAIScorer struct {
	client openAIChatClient
	model  string
}

func NewOpenAIScorer(apiKey string, model string) *OpenAIScorer {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil
	}
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIScorer{
		client: &openAIClient{client: client},
		model:  model,
	}
}

func (s *OpenAIScorer) ScoreBatch(ctx context.Context, items []domain.SentimentItem) ([]SentimentScore, error) {
	if s == nil || s.client == nil || len(items) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(fmt.Sprintf("id=%d\n", item.ID))
		sb.WriteString(fmt.Sprintf("title=%s\n", strings.TrimSpace(item.Title)))
		sb.WriteString(fmt.Sprintf("excerpt=%s\n\n", strings.TrimSpace(item.Excerpt)))
	}

	systemPrompt := "You score equity market sentiment. Return ONLY JSON array. Each object requires: id (int), score (-1..1), confidence (0..1), label (bullish|neutral|bearish). No markdown."
	userPrompt := "Items:\n" + sb.String()

	completion, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("empty scorer completion")
	}

	raw := strings.TrimSpace(completion.Choices[0].Message.Content)
	raw = trimCodeFence(raw)

	// Score fields are parsed defensively: models have returned quoted
	// numbers and single-element lists here.
	var parsed []struct {
		ID         int64           `json:"id"`
		Score      json.RawMessage `json:"score"`
		Confidence json.RawMessage `json:"confidence"`
		Label      string          `json:"label"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse scorer json: %w", err)
	}

	byID := make(map[int64]struct{}, len(items))
	for _, item := range items {
		byID[item.ID] = struct{}{}
	}

	out := make([]SentimentScore, 0, len(parsed))
	for _, row := range parsed {
		if _, ok := byID[row.ID]; !ok {
			continue
		}
		score, _, err := ParseStoredScore(fmt.Sprintf("llm.item.%d.score", row.ID), row.Score, 0)
		if err != nil {
			logParseWarning(err)
		}
		confidence, ok, err := ParseStoredScore(fmt.Sprintf("llm.item.%d.confidence", row.ID), row.Confidence, 0.25)
		if err != nil {
			logParseWarning(err)
		}
		if !ok {
			confidence = 0.25
		}
		out = append(out, SentimentScore{
			ItemID:     row.ID,
			Score:      clampRange(score, -1, 1),
			Confidence: clampRange(confidence, 0, 1),
			Label:      normalizeLabel(row.Label),
			Model:      "llm:" + s.model,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func trimCodeFence(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "```") {
		v = strings.TrimPrefix(v, "```")
		v = strings.TrimSpace(v)
		if strings.HasPrefix(strings.ToLower(v), "json") {
			v = strings.TrimSpace(v[4:])
		}
		v = strings.TrimSuffix(v, "```")
		v = strings.TrimSpace(v)
	}
	return v
}

type openAIClient struct {
	client openai.Client
}

func (c *openAIClient) CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}
