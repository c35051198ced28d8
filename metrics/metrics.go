package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	trainingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cityflow_forecaster_trainings_total",
		Help: "Total number of training runs by outcome status.",
	}, []string{"status"})
	trainingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cityflow_forecaster_training_duration_seconds",
		Help:    "Duration of a training run.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	})
	predictionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cityflow_forecaster_prediction_runs_total",
		Help: "Total number of inference calls by outcome status.",
	}, []string{"status"})
	predictionsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cityflow_forecaster_predictions_stored_total",
		Help: "Total number of forecast rows upserted.",
	})
	predictionsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cityflow_forecaster_predictions_published_total",
		Help: "Total number of forecasts published to Redis.",
	})
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cityflow_forecaster_cycle_duration_seconds",
		Help:    "Duration of a full predict-all cycle.",
		Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
	})
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cityflow_forecaster_model_cache_lookups_total",
		Help: "Model cache lookups by result.",
	}, []string{"result"})

	readingsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cityflow_forecaster_readings_received_total",
		Help: "Total number of MQTT readings received.",
	})
	readingsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cityflow_forecaster_readings_stored_total",
		Help: "Total number of readings inserted into data_actuals.",
	})
	readingsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cityflow_forecaster_readings_failed_total",
		Help: "Total number of readings rejected or failed to store.",
	})
)

// Recorder feeds forecasting lifecycle events into Prometheus.
type Recorder struct{}

func (Recorder) Trained(_ string, status string, seconds float64) {
	trainingsTotal.WithLabelValues(status).Inc()
	trainingDuration.Observe(seconds)
}

func (Recorder) Predicted(_ string, status string, written int, _ float64) {
	predictionRuns.WithLabelValues(status).Inc()
	predictionsStored.Add(float64(written))
}

func (Recorder) CacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

func ObserveCycle(seconds float64) { cycleDuration.Observe(seconds) }
func AddPublished(n int) { predictionsPublished.Add(float64(n)) }
func ReadingReceived() { readingsReceived.Inc() }
func ReadingStored() { readingsStored.Inc() }
func ReadingFailed() { readingsFailed.Inc() }
