package main

import (
	"context"
	"fmt"

	"cityflow/forecaster/config"
	"cityflow/forecaster/forecast"
	"cityflow/forecaster/logging"
	"cityflow/forecaster/metrics"
	"cityflow/forecaster/services"
	"cityflow/forecaster/store"

	"go.uber.org/zap"
)

// app holds the wired forecasting stack shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	pg       *store.Postgres
	registry *store.Registry
	cache    *services.CacheService
	service  *forecast.Service
	closers  []func() error
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newApp connects storage, artifacts and Redis and builds the forecast
// service on top of them.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	pg, err := store.NewPostgres(ctx, cfg.Database.GetURL(), cfg.Database.MaxConns, logger)
	if err != nil {
		return nil, err
	}
	a.pg = pg
	a.closers = append(a.closers, func() error { pg.Close(); return nil })

	db, err := store.OpenGorm(cfg.Database.GetDSN())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry = store.NewRegistry(db)
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	artifacts, err := openArtifacts(cfg.Artifacts)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := artifacts.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	cache, err := services.NewCacheService(cfg.Redis, logger)
	if err != nil {
		logger.Warn("redis unavailable, caching and live publish disabled", zap.Error(err))
	}
	a.cache = cache
	a.closers = append(a.closers, cache.Close)

	var observer metrics.Recorder
	resolver := forecast.NewResolver(defaultsFrom(cfg), logger)
	trainer := forecast.NewTrainer(a.registry, pg, artifacts, resolver, forecast.TrainerOptions{
		RowLimit: cfg.Training.RowLimit,
		Seed:     cfg.Training.Seed,
	}, logger)
	trainer.SetObserver(observer)

	modelCache := forecast.NewModelCache(artifacts, logger)
	modelCache.SetObserver(observer)

	writer := forecast.NewWriter(pg, logger)
	writer.SetPublisher(cache)

	pipeline := forecast.NewPipeline(a.registry, pg, modelCache, writer, forecast.PipelineOptions{
		Step: cfg.Prediction.Step,
		Confidence: forecast.ConfidencePolicy{
			MinConfidence:     cfg.Prediction.MinConfidence,
			VarianceThreshold: cfg.Prediction.VarianceThreshold,
		},
	}, logger)
	pipeline.SetObserver(observer)

	a.service = forecast.NewService(a.registry, trainer, pipeline, modelCache, logger)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func openArtifacts(cfg config.ArtifactsConfig) (forecast.ArtifactStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.OpenSQLiteStore(cfg.SQLitePath)
	case "file":
		return store.NewFileStore(cfg.Dir)
	}
	return nil, fmt.Errorf("unknown artifacts driver %q", cfg.Driver)
}

// defaultsFrom maps configuration onto the resolver's global defaults.
func defaultsFrom(cfg *config.Config) forecast.Defaults {
	d := forecast.StandardDefaults()
	arch := cfg.Architecture
	d.Recurrent = forecast.RecurrentSpec{
		Layer1Size:      arch.Layer1Size,
		Layer2Size:      arch.Layer2Size,
		DropoutRate:     arch.DropoutRate,
		Activation:      arch.Activation,
		ReturnSequences: arch.ReturnSequences,
	}
	d.Conv.Filters = arch.TCNFilters
	d.Conv.KernelSize = arch.TCNKernelSize
	d.Conv.Dilations = append([]int(nil), arch.TCNDilations...)
	d.Conv.Activation = arch.Activation

	tr := cfg.Training
	d.Training = forecast.TrainingConfig{
		Epochs:          tr.Epochs,
		BatchSize:       tr.BatchSize,
		TestSize:        tr.TestSize,
		Optimizer:       tr.Optimizer,
		Loss:            tr.Loss,
		ValidationSplit: tr.ValidationSplit,
	}
	if tr.LearningRate > 0 {
		lr := tr.LearningRate
		d.Training.LearningRate = &lr
	}
	return d
}
