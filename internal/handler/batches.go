package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"paper-tape/internal/domain"
)

func parseBatchKind(raw string) (domain.BatchKind, bool) {
	switch kind := domain.BatchKind(strings.ToLower(raw)); kind {
	case domain.BatchDecision, domain.BatchOutcome:
		return kind, true
	default:
		return "", false
	}
}

// TriggerBatchRun godoc
// @Summary Trigger a batch run
// @Description Runs a decision or outcome batch immediately. The run takes the same distributed lock as the scheduler, so a concurrent run answers 409.
// @Tags batches
// @Produce json
// @Param kind path string true "Batch kind: decision or outcome"
// @Success 200 {object} domain.BatchSummary
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /api/batches/{kind}/run [post]
func (h *Handler) TriggerBatchRun(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.trigger-batch")
	defer span.End()

	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "batch runner not available"})
		return
	}

	kind, ok := parseBatchKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be decision or outcome"})
		return
	}
	span.SetAttributes(attribute.String("kind", string(kind)))

	summary, err := h.runner.RunBatch(ctx, kind)
	if err != nil {
		var contention *domain.LockContentionError
		if errors.As(err, &contention) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// GetBatchRuns godoc
// @Summary List recent batch runs
// @Description Returns persisted run summaries for a batch kind, newest first
// @Tags batches
// @Produce json
// @Param kind path string true "Batch kind: decision or outcome"
// @Param limit query int false "Maximum rows, defaults to 20"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /api/batches/{kind}/runs [get]
func (h *Handler) GetBatchRuns(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.batch-runs")
	defer span.End()

	if h.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run store not available"})
		return
	}

	kind, ok := parseBatchKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be decision or outcome"})
		return
	}
	span.SetAttributes(attribute.String("kind", string(kind)))

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	runs, err := h.runs.ListRuns(ctx, kind, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"kind":  kind,
		"runs":  runs,
		"count": len(runs),
	})
}
