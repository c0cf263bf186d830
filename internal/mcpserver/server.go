// Package mcpserver exposes the read-only query surface as MCP tools, so
// agent tooling can inspect signals and outcomes over stdio or streamable
// HTTP. Tools read through the query service only; there is no tool that
// writes.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"paper-tape/internal/domain"
	"paper-tape/internal/service"
)

type Config struct {
	Transport       string
	HTTPEnabled     bool
	HTTPBind        string
	HTTPPort        int
	AuthToken       string
	RequestTimeout  time.Duration
	RateLimitPerMin int
}

type Server struct {
	tracer trace.Tracer
	query  *service.QueryService
	cfg    Config
	mcp    *mcp.Server
}

func New(tracer trace.Tracer, query *service.QueryService, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 60
	}

	s := &Server{
		tracer: tracer,
		query:  query,
		cfg:    cfg,
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    "paper-tape",
			Version: "1.0.0",
		}, nil),
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "latest_signals",
		Description: "Latest active trading signal per symbol. Pass a comma separated symbol list, or nothing for every symbol on record.",
	}, s.latestSignals)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "prediction_history",
		Description: "Predictions for one symbol over a trailing number of days, newest first, optionally filtered by action.",
	}, s.predictionHistory)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "performance_report",
		Description: "Per-horizon hit rates, average realized returns and confidence calibration over a trailing window.",
	}, s.performanceReport)

	return s
}

// Start brings the configured transport up. Streamable HTTP serves in the
// background; stdio is only sensible for a dedicated process, so Start
// refuses it and callers use RunStdio instead.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.HTTPEnabled {
		return s.startHTTP(ctx)
	}
	if s.cfg.Transport == "stdio" {
		return fmt.Errorf("stdio transport requires a dedicated process, use RunStdio")
	}
	log.Println("MCP server disabled")
	return nil
}

// RunStdio serves the tool set over stdin/stdout and blocks until the
// client disconnects or ctx is cancelled.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) startHTTP(ctx context.Context) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)

	limiter := rate.NewLimiter(rate.Limit(float64(s.cfg.RateLimitPerMin)/60.0), s.cfg.RateLimitPerMin)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.HTTPBind, s.cfg.HTTPPort),
		Handler:           s.guard(limiter, handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("MCP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("MCP server: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("MCP server shutdown: %v", err)
		}
	}()

	return nil
}

// guard applies bearer auth and the shared rate limit in front of the MCP
// handler.
func (s *Server) guard(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			header := r.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if header == "" || token != s.cfg.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type latestSignalsInput struct {
	Symbols string `json:"symbols,omitempty" jsonschema:"comma separated symbols, empty for all"`
}

func (s *Server) latestSignals(ctx context.Context, req *mcp.CallToolRequest, input latestSignalsInput) (*mcp.CallToolResult, any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "mcp.latest-signals")
	defer span.End()

	var symbols []string
	if strings.TrimSpace(input.Symbols) != "" {
		symbols = strings.Split(input.Symbols, ",")
	}
	signals, err := s.query.LatestSignals(ctx, symbols)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"signals": signals, "count": len(signals)})
}

type predictionHistoryInput struct {
	Symbol string `json:"symbol" jsonschema:"instrument symbol"`
	Days   int    `json:"days,omitempty" jsonschema:"trailing window in days, default 30"`
	Action string `json:"action,omitempty" jsonschema:"optional action filter: BUY, STRONG_BUY, SELL, STRONG_SELL, HOLD"`
	Limit  int    `json:"limit,omitempty" jsonschema:"max rows, default 50"`
}

func (s *Server) predictionHistory(ctx context.Context, req *mcp.CallToolRequest, input predictionHistoryInput) (*mcp.CallToolResult, any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "mcp.prediction-history")
	defer span.End()

	to := time.Now().UTC()
	var from time.Time
	if input.Days > 0 {
		from = to.AddDate(0, 0, -input.Days)
	}
	history, err := s.query.History(ctx, input.Symbol, from, to, domain.Action(strings.ToUpper(strings.TrimSpace(input.Action))), input.Limit)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"predictions": history, "count": len(history)})
}

type performanceReportInput struct {
	Days int `json:"days,omitempty" jsonschema:"trailing window in days, default 30"`
}

func (s *Server) performanceReport(ctx context.Context, req *mcp.CallToolRequest, input performanceReportInput) (*mcp.CallToolResult, any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "mcp.performance-report")
	defer span.End()

	var window time.Duration
	if input.Days > 0 {
		window = time.Duration(input.Days) * 24 * time.Hour
	}
	report, err := s.query.Performance(ctx, window)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(report)
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}, nil, nil
}
