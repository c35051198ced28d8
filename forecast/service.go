package forecast

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Selector picks what Predict runs on. Exactly one field should be set.
type Selector struct {
	ModelCode  string `json:"model_code,omitempty"`
	SensorCode string `json:"sensor_code,omitempty"`
	All        bool   `json:"all,omitempty"`
}

func (s Selector) String() string {
	switch {
	case s.All:
		return "all"
	case s.SensorCode != "":
		return "sensor:" + s.SensorCode
	default:
		return "model:" + s.ModelCode
	}
}

// Service is the entry point used by the HTTP layer, the CLI and the
// scheduler. It owns no state beyond its collaborators.
type Service struct {
	registry ModelRegistry
	trainer  *Trainer
	pipeline *Pipeline
	cache    *ModelCache
	logger   *zap.Logger
}

func NewService(registry ModelRegistry, trainer *Trainer, pipeline *Pipeline, cache *ModelCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{registry: registry, trainer: trainer, pipeline: pipeline, cache: cache, logger: logger}
}

// Train trains one model and evicts its cached predictor whenever the run
// reached the artifact store, including runs that failed after writing.
func (s *Service) Train(ctx context.Context, code string, overrides *TrainingOverrides) TrainingOutcome {
	out := s.trainer.Train(ctx, code, overrides)
	if out.OK() || out.Persisted() {
		s.cache.Invalidate(code)
	}
	return out
}

// TrainAll trains every active model in turn. A failing model never stops
// the batch. The error is only set when the active models cannot be listed.
func (s *Service) TrainAll(ctx context.Context, overrides *TrainingOverrides) ([]TrainingOutcome, error) {
	models, err := s.registry.ActiveModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active models: %w", err)
	}
	outcomes := make([]TrainingOutcome, 0, len(models))
	for _, m := range models {
		outcomes = append(outcomes, s.Train(ctx, m.Code, overrides))
	}
	s.logger.Info("training batch finished", zap.Int("models", len(models)), zap.Int("succeeded", countOK(outcomes)))
	return outcomes, nil
}

// Predict runs inference for the selected model, sensor or all active models.
func (s *Service) Predict(ctx context.Context, sel Selector) ([]PredictionOutcome, error) {
	switch {
	case sel.All:
		return s.PredictAll(ctx)
	case sel.SensorCode != "":
		return []PredictionOutcome{s.pipeline.PredictSensor(ctx, sel.SensorCode)}, nil
	case sel.ModelCode != "":
		return []PredictionOutcome{s.pipeline.Predict(ctx, sel.ModelCode)}, nil
	}
	return nil, newError(KindConfiguration, "", nil, "empty selector")
}

// PredictAll predicts every active model in turn.
func (s *Service) PredictAll(ctx context.Context) ([]PredictionOutcome, error) {
	models, err := s.registry.ActiveModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active models: %w", err)
	}
	outcomes := make([]PredictionOutcome, 0, len(models))
	written := 0
	for _, m := range models {
		out := s.pipeline.Predict(ctx, m.Code)
		written += out.Written
		outcomes = append(outcomes, out)
	}
	s.logger.Info("prediction batch finished", zap.Int("models", len(models)), zap.Int("written", written))
	return outcomes, nil
}

// ClearCache drops every loaded predictor.
func (s *Service) ClearCache() int {
	n := s.cache.Len()
	s.cache.Clear()
	return n
}

func countOK(outcomes []TrainingOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}
