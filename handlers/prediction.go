package handlers

import (
	"context"
	"net/http"
	"time"

	"cityflow/forecaster/services"
	"cityflow/forecaster/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PredictionHandler struct {
	catalog Catalog
	cache   *services.CacheService
	ttl     time.Duration
	logger  *zap.Logger
}

func NewPredictionHandler(catalog Catalog, cache *services.CacheService, ttl time.Duration, logger *zap.Logger) *PredictionHandler {
	return &PredictionHandler{catalog: catalog, cache: cache, ttl: ttl, logger: logger}
}

// GetPredictions lists stored forecasts newest target first, paginated by a
// prediction_for_ts cursor.
func (h *PredictionHandler) GetPredictions(c *gin.Context) {
	p, err := ParsePagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sensorCode := c.Query("sensor_code")
	modelCode := c.Query("model_code")
	cacheKey := p.cacheKey(services.PredictionsKeyPrefix, sensorCode, modelCode)

	var cached PredictionPage
	if err := h.cache.Get(c.Request.Context(), cacheKey, &cached); err == nil && cached.Data != nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	rows, err := h.catalog.ListPredictions(c.Request.Context(), store.PredictionQuery{
		SensorCode: sensorCode,
		ModelCode:  modelCode,
		Before:     p.Before,
		Limit:      p.Limit + 1,
	})
	if err != nil {
		h.logger.Error("list predictions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database query failed"})
		return
	}

	page := newPredictionPage(rows, p.Limit)
	go h.cache.Set(context.Background(), cacheKey, page, h.ttl)

	c.JSON(http.StatusOK, page)
}
