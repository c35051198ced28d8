package forecast

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Writer persists forecasts through a ResultSink. The sink upserts on
// (sensor code, target timestamp), so writing the same run twice leaves one
// record per key holding the latest value.
type Writer struct {
	sink      ResultSink
	publisher Publisher
	logger    *zap.Logger
}

func NewWriter(sink ResultSink, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{sink: sink, logger: logger}
}

// SetPublisher fans persisted forecasts out after each successful Persist.
func (w *Writer) SetPublisher(p Publisher) { w.publisher = p }

// Persist upserts every result and returns them grouped by sensor code and
// target timestamp. The first failing write aborts with a persistence error.
func (w *Writer) Persist(ctx context.Context, results []ForecastResult) (Forecasts, error) {
	out := make(Forecasts)
	for _, r := range results {
		if err := w.sink.Upsert(ctx, r); err != nil {
			return nil, newError(KindPersistence, r.SensorCode, err, "upsert forecast for %s", r.TargetAt.Format(time.RFC3339))
		}
		byTime, ok := out[r.SensorCode]
		if !ok {
			byTime = make(map[time.Time]ForecastPoint)
			out[r.SensorCode] = byTime
		}
		byTime[r.TargetAt] = ForecastPoint{Value: r.Value, Confidence: r.Confidence}
	}

	if w.publisher != nil && len(results) > 0 {
		if err := w.publisher.PublishForecasts(ctx, results[0].ModelCode, results); err != nil {
			w.logger.Warn("failed to publish forecasts",
				zap.String("model_code", results[0].ModelCode), zap.Error(err))
		}
	}
	return out, nil
}
