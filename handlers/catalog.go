package handlers

import (
	"context"
	"errors"
	"net/http"

	"cityflow/forecaster/forecast"
	"cityflow/forecaster/models"
	"cityflow/forecaster/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Catalog is the read side of the model registry used by the API.
type Catalog interface {
	ListModels(ctx context.Context) ([]models.MasModel, error)
	GetModel(ctx context.Context, code string) (models.MasModel, []models.MasSensor, error)
	ListSensors(ctx context.Context, modelCode string) ([]models.MasSensor, error)
	ListPredictions(ctx context.Context, q store.PredictionQuery) ([]models.DataPrediction, error)
}

type CatalogHandler struct {
	catalog Catalog
	logger  *zap.Logger
}

func NewCatalogHandler(catalog Catalog, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, logger: logger}
}

func (h *CatalogHandler) ListModels(c *gin.Context) {
	rows, err := h.catalog.ListModels(c.Request.Context())
	if err != nil {
		h.logger.Error("list models failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "models": rows})
}

type modelDetail struct {
	models.MasModel
	Sensors []models.MasSensor `json:"sensors"`
}

func (h *CatalogHandler) GetModel(c *gin.Context) {
	code := c.Param("code")
	row, sensors, err := h.catalog.GetModel(c.Request.Context(), code)
	if errors.Is(err, forecast.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not found: " + code})
		return
	}
	if err != nil {
		h.logger.Error("get model failed", zap.String("model_code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database query failed"})
		return
	}
	if sensors == nil {
		sensors = []models.MasSensor{}
	}
	c.JSON(http.StatusOK, gin.H{"model": modelDetail{MasModel: row, Sensors: sensors}})
}

func (h *CatalogHandler) ListSensors(c *gin.Context) {
	rows, err := h.catalog.ListSensors(c.Request.Context(), c.Query("model_code"))
	if err != nil {
		h.logger.Error("list sensors failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "sensors": rows})
}
