package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetPerformance godoc
// @Summary Aggregate prediction performance
// @Description Returns hit rates, average returns and confidence calibration per horizon over a trailing window
// @Tags performance
// @Produce json
// @Param days query int false "Trailing window in days, defaults to 30"
// @Success 200 {object} service.PerformanceReport
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /api/performance [get]
func (h *Handler) GetPerformance(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.performance")
	defer span.End()

	if h.query == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "query service not available"})
		return
	}

	days := 30
	if raw := c.Query("days"); raw != "" {
		var err error
		days, err = strconv.Atoi(raw)
		if err != nil || days < 1 || days > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 365"})
			return
		}
	}
	span.SetAttributes(attribute.Int("days", days))

	report, err := h.query.Performance(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}
