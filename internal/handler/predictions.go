package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"paper-tape/internal/domain"
)

// GetLatestSignals godoc
// @Summary Latest signal per symbol
// @Description Returns the most recent active prediction for each requested symbol
// @Tags predictions
// @Produce json
// @Param symbols query string false "Comma separated symbols, defaults to the full watchlist"
// @Success 200 {object} map[string]interface{}
// @Failure 500 {object} map[string]string
// @Router /api/predictions/latest [get]
func (h *Handler) GetLatestSignals(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.latest-signals")
	defer span.End()

	if h.query == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "query service not available"})
		return
	}

	var symbols []string
	if raw := c.Query("symbols"); raw != "" {
		symbols = strings.Split(raw, ",")
	}
	span.SetAttributes(attribute.Int("symbols", len(symbols)))

	signals, err := h.query.LatestSignals(ctx, symbols)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"signals": signals,
		"count":   len(signals),
	})
}

// GetPredictionHistory godoc
// @Summary Prediction history for a symbol
// @Description Returns predictions for a symbol within a time range, newest first
// @Tags predictions
// @Produce json
// @Param symbol path string true "Ticker symbol"
// @Param from query string false "Range start, RFC3339, defaults to 30 days before to"
// @Param to query string false "Range end, RFC3339, defaults to now"
// @Param action query string false "Filter by action: BUY, SELL or HOLD"
// @Param limit query int false "Maximum rows, defaults to 50"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /api/predictions/{symbol} [get]
func (h *Handler) GetPredictionHistory(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.prediction-history")
	defer span.End()

	if h.query == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "query service not available"})
		return
	}

	symbol := c.Param("symbol")
	span.SetAttributes(attribute.String("symbol", symbol))

	var from, to time.Time
	var err error
	if raw := c.Query("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from time, expected RFC3339"})
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to time, expected RFC3339"})
			return
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}

	var action domain.Action
	if raw := c.Query("action"); raw != "" {
		action = domain.Action(strings.ToUpper(raw))
		if !action.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "action must be BUY, SELL or HOLD"})
			return
		}
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	predictions, err := h.query.History(ctx, symbol, from, to, action, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":      strings.ToUpper(strings.TrimSpace(symbol)),
		"predictions": predictions,
		"count":       len(predictions),
	})
}

// GetPredictionOutcomes godoc
// @Summary Recent predictions with their evaluated outcomes
// @Description Returns the latest predictions for a symbol, each paired with the outcomes recorded so far
// @Tags predictions
// @Produce json
// @Param symbol path string true "Ticker symbol"
// @Param limit query int false "Maximum predictions, defaults to 10"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /api/predictions/{symbol}/outcomes [get]
func (h *Handler) GetPredictionOutcomes(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.prediction-outcomes")
	defer span.End()

	if h.query == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "query service not available"})
		return
	}

	symbol := c.Param("symbol")
	span.SetAttributes(attribute.String("symbol", symbol))

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	grouped, err := h.query.RecentOutcomes(ctx, symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":  strings.ToUpper(strings.TrimSpace(symbol)),
		"results": grouped,
		"count":   len(grouped),
	})
}
