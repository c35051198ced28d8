package handlers

import (
	"time"

	"cityflow/forecaster/middleware"
	"cityflow/forecaster/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP API is built from.
type Deps struct {
	Forecaster Forecaster
	Catalog    Catalog
	DB         Pinger
	Cache      *services.CacheService
	Auth       *services.AuthService
	ListTTL    time.Duration
	Logger     *zap.Logger
}

// NewRouter wires every route onto a gin engine. Middleware such as CORS is
// added by the caller.
func NewRouter(d Deps, mw ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(mw...)

	catalog := NewCatalogHandler(d.Catalog, d.Logger)
	predictions := NewPredictionHandler(d.Catalog, d.Cache, d.ListTTL, d.Logger)
	forecasts := NewForecastHandler(d.Forecaster, d.Logger)
	auth := NewAuthHandler(d.Auth)

	router.GET("/", Root)
	router.GET("/health", Health(d.DB))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/forecasts", LiveForecasts(d.Cache, d.Logger))

	api := router.Group("/api")
	{
		api.POST("/auth/token", auth.Token)

		api.GET("/models", catalog.ListModels)
		api.GET("/models/:code", catalog.GetModel)
		api.GET("/sensors", catalog.ListSensors)
		api.GET("/predictions", predictions.GetPredictions)

		api.POST("/predict", forecasts.Predict)
		api.POST("/predict/:model_code", forecasts.PredictModel)
		api.POST("/sensors/:sensor_code/predict", forecasts.PredictSensor)

		operator := api.Group("", middleware.RequireOperator(d.Auth, d.Logger))
		operator.POST("/train", forecasts.Train)
		operator.POST("/train/:model_code", forecasts.TrainModel)
		operator.POST("/cache/clear", forecasts.ClearCache)
	}

	return router
}
