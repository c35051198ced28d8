package forecast

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// PipelineOptions configure inference.
type PipelineOptions struct {
	// Step is the fixed interval between forecast targets.
	Step       time.Duration
	Confidence ConfidencePolicy
}

// Pipeline runs inference for one model and persists the forecasts.
type Pipeline struct {
	registry ModelRegistry
	data     DataSource
	cache    *ModelCache
	writer   *Writer
	opts     PipelineOptions
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

func NewPipeline(registry ModelRegistry, data DataSource, cache *ModelCache, writer *Writer, opts PipelineOptions, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Step <= 0 {
		opts.Step = time.Hour
	}
	return &Pipeline{
		registry: registry,
		data:     data,
		cache:    cache,
		writer:   writer,
		opts:     opts,
		observer: nopObserver{},
		logger:   logger,
		now:      time.Now,
	}
}

// SetObserver installs o for subsequent calls.
func (p *Pipeline) SetObserver(o Observer) {
	if o != nil {
		p.observer = o
	}
}

// Predict forecasts every sensor of a model.
func (p *Pipeline) Predict(ctx context.Context, code string) PredictionOutcome {
	return p.run(PredictionOutcome{ModelCode: code}, func(out *PredictionOutcome) error {
		return p.predict(ctx, out)
	})
}

// PredictSensor resolves the sensor's model and predicts with its full sensor
// set. Only the requested sensor's points are returned; all are persisted.
func (p *Pipeline) PredictSensor(ctx context.Context, sensorCode string) PredictionOutcome {
	return p.run(PredictionOutcome{SensorCode: sensorCode}, func(out *PredictionOutcome) error {
		sensor, err := p.registry.Sensor(ctx, sensorCode)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return newError(KindConfiguration, sensorCode, nil, "sensor not found")
			}
			return newError(KindDataUnavailable, sensorCode, err, "load sensor")
		}
		if sensor.ModelCode == "" {
			return newError(KindConfiguration, sensorCode, nil, "sensor is not bound to a model")
		}
		out.ModelCode = sensor.ModelCode
		if err := p.predict(ctx, out); err != nil {
			return err
		}
		out.Forecasts = Forecasts{sensorCode: out.Forecasts[sensorCode]}
		return nil
	})
}

func (p *Pipeline) run(out PredictionOutcome, fn func(*PredictionOutcome) error) (res PredictionOutcome) {
	start := p.now()
	out.RunID = uuid.NewString()
	out.RunAt = start.UTC()
	res = out

	defer func() {
		if r := recover(); r != nil {
			res.fail(newError(KindInternal, res.ModelCode, nil, "panic during prediction: %v", r))
		}
		res.Duration = time.Since(start).Seconds()
		p.observer.Predicted(res.ModelCode, string(res.Status), res.Written, res.Duration)
		log := p.logger.With(zap.String("model_code", res.ModelCode), zap.String("run_id", res.RunID))
		if res.OK() {
			log.Info("forecasts written", zap.Int("count", res.Written))
			return
		}
		log.Warn("prediction did not complete",
			zap.String("status", string(res.Status)),
			zap.String("kind", string(res.Error.Kind)),
			zap.String("error", res.Error.Message))
	}()

	if err := fn(&res); err != nil {
		res.fail(err)
		return res
	}
	res.Status = StatusSuccess
	return res
}

func (p *Pipeline) predict(ctx context.Context, out *PredictionOutcome) error {
	code := out.ModelCode
	model, err := p.registry.Model(ctx, code)
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
	sensors, err := p.registry.Sensors(ctx, code)
	if err != nil {
		return newError(KindDataUnavailable, code, err, "load sensors")
	}
	if len(sensors) == 0 {
		out.Status = StatusNoSensors
		return newError(KindDataUnavailable, code, nil, "model has no sensors")
	}
	codes := sensorCodes(sensors)
	out.Sensors = codes

	series, err := p.data.Latest(ctx, codes, model.InputSteps)
	if err != nil {
		return newError(KindDataUnavailable, code, err, "fetch latest readings")
	}
	if series.Rows() == 0 {
		out.Status = StatusNoData
		return newError(KindDataUnavailable, code, nil, "no readings for sensors %v", codes)
	}
	if series.Rows() < model.InputSteps {
		return newError(KindDataUnavailable, code, nil, "%d rows available, need %d", series.Rows(), model.InputSteps)
	}
	if err := checkColumns(series, codes); err != nil {
		return newError(KindConfiguration, code, err, "feature order")
	}
	window := series.Tail(model.InputSteps)

	shape := Shape{InputSteps: model.InputSteps, OutputSteps: model.OutputSteps, Features: len(codes)}
	loaded, err := p.cache.GetOrLoad(ctx, code, shape)
	if err != nil {
		return err
	}
	x, err := loaded.XScaler.Transform(window.Values)
	if err != nil {
		return err
	}
	flat, err := loaded.Network.Predict(x)
	if err != nil {
		return newError(KindInternal, code, err, "inference")
	}
	values, err := loaded.YScaler.InverseTransform(mat.NewDense(shape.OutputSteps, shape.Features, flat))
	if err != nil {
		return err
	}

	results := p.results(out, window, values, codes)
	forecasts, err := p.writer.Persist(ctx, results)
	if err != nil {
		return err
	}
	out.Results = results
	out.Forecasts = forecasts
	out.Written = len(results)
	return nil
}

// results maps the (steps x sensors) block to one result per sensor and
// step. Target time for step s is the last observed timestamp plus s+1 steps.
func (p *Pipeline) results(out *PredictionOutcome, window *Series, values *mat.Dense, codes []string) []ForecastResult {
	steps, features := values.Dims()
	last := window.Timestamps[len(window.Timestamps)-1]

	conf := make([]float64, features)
	for j := range features {
		conf[j] = p.opts.Confidence.Score(mat.Col(nil, j, values), mat.Col(nil, j, window.Values))
	}

	results := make([]ForecastResult, 0, steps*features)
	for s := range steps {
		target := last.Add(time.Duration(s+1) * p.opts.Step)
		for j, sensor := range codes {
			results = append(results, ForecastResult{
				SensorCode: sensor,
				ModelCode:  out.ModelCode,
				RunAt:      out.RunAt,
				TargetAt:   target,
				Value:      values.At(s, j),
				Confidence: conf[j],
			})
		}
	}
	return results
}
