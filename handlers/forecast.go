package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"cityflow/forecaster/forecast"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Forecaster is the slice of forecast.Service the API drives.
type Forecaster interface {
	Train(ctx context.Context, code string, overrides *forecast.TrainingOverrides) forecast.TrainingOutcome
	TrainAll(ctx context.Context, overrides *forecast.TrainingOverrides) ([]forecast.TrainingOutcome, error)
	Predict(ctx context.Context, sel forecast.Selector) ([]forecast.PredictionOutcome, error)
	ClearCache() int
}

type ForecastHandler struct {
	svc    Forecaster
	logger *zap.Logger
}

func NewForecastHandler(svc Forecaster, logger *zap.Logger) *ForecastHandler {
	return &ForecastHandler{svc: svc, logger: logger}
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Predict handles POST /api/predict. A body naming sensor_code or
// model_code narrows the run; no body predicts every active model.
func (h *ForecastHandler) Predict(c *gin.Context) {
	var sel forecast.Selector
	if err := bindOptional(c, &sel); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if sel.SensorCode == "" && sel.ModelCode == "" {
		sel.All = true
	}
	h.predict(c, sel)
}

func (h *ForecastHandler) PredictModel(c *gin.Context) {
	h.predict(c, forecast.Selector{ModelCode: c.Param("model_code")})
}

func (h *ForecastHandler) PredictSensor(c *gin.Context) {
	h.predict(c, forecast.Selector{SensorCode: c.Param("sensor_code")})
}

func (h *ForecastHandler) predict(c *gin.Context, sel forecast.Selector) {
	outcomes, err := h.svc.Predict(c.Request.Context(), sel)
	if err != nil {
		h.logger.Error("predict failed", zap.Stringer("selector", sel), zap.Error(err))
		c.JSON(statusForKind(forecast.KindOf(err)), gin.H{"error": err.Error()})
		return
	}
	if sel.All {
		c.JSON(http.StatusOK, gin.H{"count": len(outcomes), "results": outcomes})
		return
	}
	out := outcomes[0]
	c.JSON(statusFor(out.Status, out.Error), out)
}

type trainRequest struct {
	ModelCode string `json:"model_code"`
	forecast.TrainingOverrides
}

func (r trainRequest) overrides() *forecast.TrainingOverrides {
	if r.TrainingOverrides == (forecast.TrainingOverrides{}) {
		return nil
	}
	return &r.TrainingOverrides
}

// Train handles POST /api/train. Without model_code every active model is
// trained in turn.
func (h *ForecastHandler) Train(c *gin.Context) {
	var req trainRequest
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ModelCode != "" {
		h.trainOne(c, req.ModelCode, req.overrides())
		return
	}

	outcomes, err := h.svc.TrainAll(c.Request.Context(), req.overrides())
	if err != nil {
		h.logger.Error("train all failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(outcomes), "results": outcomes})
}

func (h *ForecastHandler) TrainModel(c *gin.Context) {
	var req trainRequest
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.trainOne(c, c.Param("model_code"), req.overrides())
}

func (h *ForecastHandler) trainOne(c *gin.Context, code string, overrides *forecast.TrainingOverrides) {
	out := h.svc.Train(c.Request.Context(), code, overrides)
	c.JSON(statusFor(out.Status, out.Error), out)
}

func (h *ForecastHandler) ClearCache(c *gin.Context) {
	n := h.svc.ClearCache()
	h.logger.Info("model cache cleared", zap.Int("entries", n), zap.String("user", c.GetString("user")))
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// statusFor maps an outcome to an HTTP status. no_sensors and no_data are
// answered with 200 since nothing went wrong.
func statusFor(status forecast.Status, failure *forecast.Failure) int {
	if status != forecast.StatusFailed || failure == nil {
		return http.StatusOK
	}
	return statusForKind(failure.Kind)
}

func statusForKind(kind forecast.Kind) int {
	switch kind {
	case forecast.KindConfiguration:
		return http.StatusBadRequest
	case forecast.KindDataUnavailable, forecast.KindInsufficientData:
		return http.StatusUnprocessableEntity
	case forecast.KindArtifactMissing:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
