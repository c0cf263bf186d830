package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"paper-tape/internal/domain"
	"paper-tape/internal/outcomes"
	"paper-tape/internal/service"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

type predsFake struct {
	latest []domain.Prediction
}

func (f *predsFake) LatestPerSymbol(ctx context.Context, symbols []string) ([]domain.Prediction, error) {
	return f.latest, nil
}

func (f *predsFake) ListBySymbol(ctx context.Context, symbol string, from, to time.Time, action domain.Action, limit int) ([]domain.Prediction, error) {
	return f.latest, nil
}

type outsFake struct{}

func (f *outsFake) ListForPrediction(ctx context.Context, predictionID int64) ([]domain.Outcome, error) {
	return nil, nil
}

func (f *outsFake) ListEvaluatedSince(ctx context.Context, since time.Time) ([]outcomes.EvaluatedPair, error) {
	return nil, nil
}

func newTestServer(latest []domain.Prediction, cfg Config) *Server {
	query := service.NewQueryService(testTracer, &predsFake{latest: latest}, &outsFake{})
	return New(testTracer, query, cfg)
}

func TestLatestSignalsTool(t *testing.T) {
	t.Parallel()

	srv := newTestServer([]domain.Prediction{
		{ID: 7, Symbol: "AAPL", Action: domain.ActionBuy, Confidence: 0.71},
	}, Config{})

	result, _, err := srv.latestSignals(context.Background(), nil, latestSignalsInput{Symbols: "aapl"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(result.Content))
	}

	var payload struct {
		Count   int                 `json:"count"`
		Signals []domain.Prediction `json:"signals"`
	}
	if err := json.Unmarshal([]byte(contentText(t, result.Content[0])), &payload); err != nil {
		t.Fatalf("content is not valid json: %v", err)
	}
	if payload.Count != 1 || len(payload.Signals) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Signals[0].Symbol != "AAPL" || payload.Signals[0].Action != domain.ActionBuy {
		t.Fatalf("unexpected signal: %+v", payload.Signals[0])
	}
}

func contentText(t *testing.T, c mcp.Content) string {
	t.Helper()
	text, ok := c.(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", c)
	}
	return text.Text
}

func TestGuardRejectsBadToken(t *testing.T) {
	t.Parallel()

	srv := newTestServer(nil, Config{AuthToken: "secret"})
	limiter := rate.NewLimiter(rate.Inf, 1)
	handler := srv.guard(limiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the right token, got %d", rec.Code)
	}
}

func TestGuardAppliesRateLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(nil, Config{})
	limiter := rate.NewLimiter(0, 1)
	handler := srv.guard(limiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request through, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the bucket is empty, got %d", rec.Code)
	}
}

func TestStartRefusesStdioInSharedProcess(t *testing.T) {
	t.Parallel()

	srv := newTestServer(nil, Config{Transport: "stdio"})
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("expected an error for stdio transport in Start")
	} else if !strings.Contains(err.Error(), "stdio") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJSONResultRoundTrips(t *testing.T) {
	t.Parallel()

	result, _, err := jsonResult(map[string]any{"count": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	text := contentText(t, result.Content[0])
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("content is not valid json: %v", err)
	}
	if decoded["count"].(float64) != 2 {
		t.Fatalf("unexpected payload: %v", decoded)
	}
}
