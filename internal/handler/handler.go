// Package handler exposes the HTTP API. Every route below /api is read-only
// except the manual batch trigger, which reuses the engine's lock discipline,
// so the API can never write around the persistence gate.
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
	"paper-tape/internal/service"
)

type BatchRunner interface {
	RunBatch(ctx context.Context, kind domain.BatchKind) (domain.BatchSummary, error)
}

type RunLister interface {
	ListRuns(ctx context.Context, kind domain.BatchKind, limit int) ([]domain.BatchSummary, error)
}

type Handler struct {
	tracer  trace.Tracer
	query   *service.QueryService
	runner  BatchRunner
	runs    RunLister
	metrics http.Handler
}

func New(tracer trace.Tracer, query *service.QueryService, runner BatchRunner, runs RunLister, metrics http.Handler) *Handler {
	return &Handler{
		tracer:  tracer,
		query:   query,
		runner:  runner,
		runs:    runs,
		metrics: metrics,
	}
}

// RegisterRoutes mounts the API. Health and metrics stay outside the API-key
// group so probes and scrapers need no credentials.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiKey string) {
	r.GET("/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := r.Group("/api", APIKeyAuth(apiKey))
	api.GET("/predictions/latest", h.GetLatestSignals)
	api.GET("/predictions/:symbol", h.GetPredictionHistory)
	api.GET("/predictions/:symbol/outcomes", h.GetPredictionOutcomes)
	api.GET("/performance", h.GetPerformance)
	api.POST("/batches/:kind/run", h.TriggerBatchRun)
	api.GET("/batches/:kind/runs", h.GetBatchRuns)
}
