package forecast

import (
	"time"

	"cityflow/forecaster/nn"
)

// Status separates "nothing to do" from hard failures.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusNoSensors Status = "no_sensors"
	StatusNoData    Status = "no_data"
	StatusFailed    Status = "failed"
)

// TrainingOutcome is the result of one training run. It is safe to serialize
// into a response or a log line.
type TrainingOutcome struct {
	Status       Status          `json:"status"`
	ModelCode    string          `json:"model_code"`
	RunID        string          `json:"run_id"`
	Family       string          `json:"model_type,omitempty"`
	Architecture string          `json:"architecture,omitempty"`
	Config       *TrainingConfig `json:"training_config,omitempty"`
	Sensors      []string        `json:"sensors,omitempty"`
	Rows         int             `json:"rows,omitempty"`
	Examples     int             `json:"examples,omitempty"`
	TrainSamples int             `json:"train_samples,omitempty"`
	TestSamples  int             `json:"test_samples,omitempty"`
	Loss         *float64        `json:"loss,omitempty"`
	ValLoss      *float64        `json:"val_loss,omitempty"`
	History      *nn.History     `json:"history,omitempty"`
	Artifacts    *ArtifactPaths  `json:"artifacts,omitempty"`
	Duration     float64         `json:"duration_seconds"`
	Error        *Failure        `json:"error,omitempty"`

	// persisted is set once an artifact write was attempted.
	persisted bool
}

// OK reports whether the run produced artifacts.
func (o TrainingOutcome) OK() bool { return o.Status == StatusSuccess }

// Persisted reports whether the run touched stored artifacts, even if it
// failed afterwards.
func (o TrainingOutcome) Persisted() bool { return o.persisted }

func (o *TrainingOutcome) fail(err error) {
	if o.Status == "" || o.Status == StatusSuccess {
		o.Status = StatusFailed
	}
	o.Error = failureFrom(err, o.ModelCode)
}

// PredictionOutcome is the result of one inference call for one model.
type PredictionOutcome struct {
	Status     Status           `json:"status"`
	ModelCode  string           `json:"model_code"`
	SensorCode string           `json:"sensor_code,omitempty"`
	RunID      string           `json:"run_id"`
	RunAt      time.Time        `json:"prediction_run_at"`
	Sensors    []string         `json:"sensors,omitempty"`
	Results    []ForecastResult `json:"-"`
	Forecasts  Forecasts        `json:"predictions,omitempty"`
	Written    int              `json:"predictions_written"`
	Duration   float64          `json:"duration_seconds"`
	Error      *Failure         `json:"error,omitempty"`
}

// OK reports whether forecasts were written.
func (o PredictionOutcome) OK() bool { return o.Status == StatusSuccess }

func (o *PredictionOutcome) fail(err error) {
	if o.Status == "" || o.Status == StatusSuccess {
		o.Status = StatusFailed
	}
	key := o.ModelCode
	if o.SensorCode != "" {
		key = o.SensorCode
	}
	o.Error = failureFrom(err, key)
}

// Observer receives lifecycle events, typically to update metrics.
type Observer interface {
	Trained(modelCode, status string, seconds float64)
	Predicted(modelCode, status string, written int, seconds float64)
	CacheLookup(hit bool)
}

type nopObserver struct{}

func (nopObserver) Trained(string, string, float64)       {}
func (nopObserver) Predicted(string, string, int, float64) {}
func (nopObserver) CacheLookup(bool)                       {}
