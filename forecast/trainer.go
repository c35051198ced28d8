package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"cityflow/forecaster/nn"
)

// TrainerOptions bound a training run.
type TrainerOptions struct {
	// RowLimit caps the history fetched per run, newest rows kept.
	RowLimit int
	Seed     uint64
}

// Trainer fits a model's predictor and scalers and persists them.
type Trainer struct {
	registry  ModelRegistry
	data      DataSource
	artifacts ArtifactStore
	resolver  *Resolver
	builder   Builder
	opts      TrainerOptions
	observer  Observer
	logger    *zap.Logger
}

func NewTrainer(registry ModelRegistry, data DataSource, artifacts ArtifactStore, resolver *Resolver, opts TrainerOptions, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{
		registry:  registry,
		data:      data,
		artifacts: artifacts,
		resolver:  resolver,
		builder:   Builder{Seed: opts.Seed},
		opts:      opts,
		observer:  nopObserver{},
		logger:    logger,
	}
}

// SetObserver installs o for subsequent runs.
func (t *Trainer) SetObserver(o Observer) {
	if o != nil {
		t.observer = o
	}
}

// Train runs the full chain for one model. It never panics and never returns
// a raw error: every failure is reported in the outcome.
func (t *Trainer) Train(ctx context.Context, code string, overrides *TrainingOverrides) (out TrainingOutcome) {
	start := time.Now()
	out = TrainingOutcome{ModelCode: code, RunID: uuid.NewString()}
	log := t.logger.With(zap.String("model_code", code), zap.String("run_id", out.RunID))

	defer func() {
		if r := recover(); r != nil {
			out.fail(newError(KindInternal, code, nil, "panic during training: %v", r))
		}
		out.Duration = time.Since(start).Seconds()
		t.observer.Trained(code, string(out.Status), out.Duration)
		if out.OK() {
			log.Info("model trained",
				zap.Int("examples", out.Examples),
				zap.Float64("loss", *out.Loss),
				zap.Float64("duration_seconds", out.Duration))
			return
		}
		log.Warn("training did not complete",
			zap.String("status", string(out.Status)),
			zap.String("kind", string(out.Error.Kind)),
			zap.String("error", out.Error.Message))
	}()

	if err := t.train(ctx, code, overrides, &out); err != nil {
		out.fail(err)
		return out
	}
	out.Status = StatusSuccess
	return out
}

func (t *Trainer) train(ctx context.Context, code string, overrides *TrainingOverrides, out *TrainingOutcome) error {
	model, err := t.registry.Model(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return newError(KindConfiguration, code, nil, "model not found")
		}
		return newError(KindDataUnavailable, code, err, "load model")
	}
	if model.InputSteps <= 0 || model.OutputSteps <= 0 {
		return newError(KindConfiguration, code, nil, "window lengths must be positive, got in=%d out=%d",
			model.InputSteps, model.OutputSteps)
	}
	out.Family = model.Family

	arch, err := t.resolver.Architecture(model.Family, model.ArchitectureConfig)
	if err != nil {
		return err
	}
	out.Architecture = arch.Summary()
	cfg, err := t.resolver.Training(model.TrainingConfig, overrides)
	if err != nil {
		return err
	}
	out.Config = &cfg

	sensors, err := t.registry.Sensors(ctx, code)
	if err != nil {
		return newError(KindDataUnavailable, code, err, "load sensors")
	}
	if len(sensors) == 0 {
		out.Status = StatusNoSensors
		return newError(KindDataUnavailable, code, nil, "model has no sensors")
	}
	codes := sensorCodes(sensors)
	out.Sensors = codes

	series, err := t.data.FeatureMatrix(ctx, codes, t.opts.RowLimit)
	if err != nil {
		return newError(KindDataUnavailable, code, err, "fetch feature matrix")
	}
	if series.Rows() == 0 {
		out.Status = StatusNoData
		return newError(KindDataUnavailable, code, nil, "no readings for sensors %v", codes)
	}
	if err := checkColumns(series, codes); err != nil {
		return newError(KindConfiguration, code, err, "feature order")
	}
	out.Rows = series.Rows()

	examples, err := Windows(series.Values, model.InputSteps, model.OutputSteps)
	if err != nil {
		return err
	}
	if len(examples) == 0 {
		return newError(KindInsufficientData, code, nil, "%d rows, need at least %d",
			series.Rows(), model.InputSteps+model.OutputSteps)
	}
	out.Examples = len(examples)

	train, test := splitChronological(examples, cfg.TestSize)
	if len(train) == 0 {
		return newError(KindInsufficientData, code, nil, "test size %.2f leaves no training examples out of %d",
			cfg.TestSize, len(examples))
	}
	out.TrainSamples, out.TestSamples = len(train), len(test)

	xTrain, yTrain := splitExamples(train)
	xTest, yTest := splitExamples(test)
	xScaler, err := FitScaler(xTrain)
	if err != nil {
		return err
	}
	yScaler, err := FitScaler(yTrain)
	if err != nil {
		return err
	}
	fitX, fitY, err := scaleSet(xScaler, yScaler, xTrain, yTrain)
	if err != nil {
		return err
	}
	testX, testY, err := scaleSet(xScaler, yScaler, xTest, yTest)
	if err != nil {
		return err
	}
	valX, valY := testX, testY
	if cfg.ValidationSplit > 0 {
		if at := int(float64(len(fitX)) * (1 - cfg.ValidationSplit)); at > 0 && at < len(fitX) {
			fitX, valX = fitX[:at], fitX[at:]
			fitY, valY = fitY[:at], fitY[at:]
		}
	}

	shape := Shape{InputSteps: model.InputSteps, OutputSteps: model.OutputSteps, Features: len(codes)}
	net, err := t.builder.Build(arch, shape)
	if err != nil {
		return err
	}
	fitOpts := nn.FitOptions{
		Epochs:    cfg.Epochs,
		BatchSize: cfg.BatchSize,
		Optimizer: cfg.Optimizer,
		Loss:      cfg.Loss,
		Dropout:   arch.Dropout(),
		Seed:      t.opts.Seed,
	}
	if cfg.LearningRate != nil {
		fitOpts.LearningRate = *cfg.LearningRate
	}
	hist, err := net.Fit(fitX, fitY, valX, valY, fitOpts)
	if err != nil {
		return newError(KindInternal, code, err, "fit")
	}
	out.History = &hist
	out.Loss = lastOf(hist.Loss)
	out.ValLoss = lastOf(hist.ValLoss)

	paths, err := t.persist(ctx, code, net, xScaler, yScaler, out)
	if err != nil {
		return err
	}
	out.Artifacts = &paths
	if rec, ok := t.registry.(ArtifactRecorder); ok {
		if err := rec.RecordArtifacts(ctx, code, paths); err != nil {
			return newError(KindPersistence, code, err, "record artifacts")
		}
	}
	return nil
}

// persist writes both scalers before the predictor so a loaded predictor
// always has its scalers. If any write fails, keys already written are
// restored to their previous contents.
func (t *Trainer) persist(ctx context.Context, code string, net *nn.Network, xs, ys *Scaler, out *TrainingOutcome) (ArtifactPaths, error) {
	var paths ArtifactPaths
	items := []artifactItem{
		{scalerKey(code, "x_scaler"), xs, &paths.XScaler},
		{scalerKey(code, "y_scaler"), ys, &paths.YScaler},
		{modelKey(code), net, &paths.Model},
	}
	encoded := make([][]byte, len(items))
	for i, it := range items {
		data, err := json.Marshal(it.v)
		if err != nil {
			return paths, newError(KindPersistence, it.key, err, "encode artifact")
		}
		encoded[i] = data
	}

	previous := make(map[string][]byte, len(items))
	for _, it := range items {
		data, err := t.artifacts.Load(ctx, it.key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return paths, newError(KindPersistence, it.key, err, "read previous artifact")
		}
		previous[it.key] = data
	}

	for i, it := range items {
		out.persisted = true
		loc, err := t.artifacts.Save(ctx, it.key, encoded[i])
		if err != nil {
			t.restore(ctx, code, items[:i], previous)
			return paths, newError(KindPersistence, it.key, err, "save artifact")
		}
		*it.dst = loc
	}
	return paths, nil
}

type artifactItem struct {
	key string
	v   any
	dst *string
}

func (t *Trainer) restore(ctx context.Context, code string, items []artifactItem, previous map[string][]byte) {
	for _, it := range items {
		data, ok := previous[it.key]
		if !ok {
			continue
		}
		if _, err := t.artifacts.Save(ctx, it.key, data); err != nil {
			t.logger.Error("failed to restore artifact",
				zap.String("model_code", code), zap.String("key", it.key), zap.Error(err))
		}
	}
}

// splitChronological keeps the head for training and the last
// ceil(testSize*n) examples for testing.
func splitChronological(examples []Example, testSize float64) (train, test []Example) {
	n := len(examples)
	nTest := 0
	if testSize > 0 {
		nTest = min(int(math.Ceil(testSize*float64(n))), n)
	}
	return examples[:n-nTest], examples[n-nTest:]
}

func scaleSet(xs, ys *Scaler, x, y []*mat.Dense) ([]*mat.Dense, [][]float64, error) {
	sx, err := xs.TransformAll(x)
	if err != nil {
		return nil, nil, err
	}
	sy, err := ys.TransformAll(y)
	if err != nil {
		return nil, nil, err
	}
	flat := make([][]float64, len(sy))
	for i, m := range sy {
		flat[i] = flatten(m)
	}
	return sx, flat, nil
}

func checkColumns(s *Series, codes []string) error {
	if !slices.Equal(s.Columns, codes) {
		return fmt.Errorf("data columns %v do not match sensor order %v", s.Columns, codes)
	}
	if _, c := s.Values.Dims(); c != len(codes) {
		return fmt.Errorf("data has %d columns for %d sensors", c, len(codes))
	}
	return nil
}

func lastOf(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	v := xs[len(xs)-1]
	return &v
}
