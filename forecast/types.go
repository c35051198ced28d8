package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ErrNotFound is returned by registries and artifact stores for absent keys.
var ErrNotFound = errors.New("not found")

// Model is a configured forecasting model. Family is kept as stored so an
// unsupported value can be reported rather than silently replaced.
type Model struct {
	Code               string `json:"code"`
	Name               string `json:"name,omitempty"`
	Family             string `json:"type"`
	InputSteps         int    `json:"n_steps_in"`
	OutputSteps        int    `json:"n_steps_out"`
	ArchitectureConfig string `json:"architecture_config,omitempty"`
	TrainingConfig     string `json:"training_config,omitempty"`
	ArtifactPath       string `json:"file_path,omitempty"`
	Active             bool   `json:"is_active"`
}

// Sensor is one feature column of a model.
type Sensor struct {
	Code       string `json:"code"`
	Name       string `json:"name,omitempty"`
	Parameter  string `json:"parameter,omitempty"`
	Unit       string `json:"unit,omitempty"`
	DeviceCode string `json:"device_code,omitempty"`
	ModelCode  string `json:"model_code,omitempty"`
}

func sensorCodes(sensors []Sensor) []string {
	codes := make([]string, len(sensors))
	for i, s := range sensors {
		codes[i] = s.Code
	}
	return codes
}

// Series is a dense, ascending block of readings: one row per timestamp and
// one column per sensor, in Columns order. Values is nil when empty.
type Series struct {
	Timestamps []time.Time
	Columns    []string
	Values     *mat.Dense
}

// NewSeries builds a Series from row slices.
func NewSeries(columns []string, timestamps []time.Time, rows [][]float64) (*Series, error) {
	if len(timestamps) != len(rows) {
		return nil, fmt.Errorf("%d timestamps for %d rows", len(timestamps), len(rows))
	}
	s := &Series{Timestamps: timestamps, Columns: columns}
	if len(rows) == 0 {
		return s, nil
	}
	s.Values = mat.NewDense(len(rows), len(columns), nil)
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), len(columns))
		}
		if i > 0 && !timestamps[i].After(timestamps[i-1]) {
			return nil, fmt.Errorf("timestamps not strictly ascending at row %d", i)
		}
		s.Values.SetRow(i, r)
	}
	return s, nil
}

// Rows returns the number of timestamps.
func (s *Series) Rows() int {
	if s == nil || s.Values == nil {
		return 0
	}
	r, _ := s.Values.Dims()
	return r
}

// Tail returns a view of the last n rows.
func (s *Series) Tail(n int) *Series {
	rows := s.Rows()
	if n >= rows {
		return s
	}
	_, cols := s.Values.Dims()
	return &Series{
		Timestamps: s.Timestamps[rows-n:],
		Columns:    s.Columns,
		Values:     s.Values.Slice(rows-n, rows, 0, cols).(*mat.Dense),
	}
}

// ForecastResult is one predicted value for one sensor and future timestamp.
type ForecastResult struct {
	SensorCode string    `json:"sensor_code"`
	ModelCode  string    `json:"model_code"`
	RunAt      time.Time `json:"prediction_run_at"`
	TargetAt   time.Time `json:"prediction_for_ts"`
	Value      float64   `json:"predicted_value"`
	Confidence float64   `json:"confidence_score"`
}

// ForecastPoint is the stored value for one (sensor, target timestamp).
type ForecastPoint struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Forecasts maps sensor code to target timestamp to point.
type Forecasts map[string]map[time.Time]ForecastPoint

// DataSource supplies dense sensor matrices with columns in the requested order.
type DataSource interface {
	FeatureMatrix(ctx context.Context, sensorCodes []string, rowLimit int) (*Series, error)
	Latest(ctx context.Context, sensorCodes []string, n int) (*Series, error)
}

// ModelRegistry resolves model and sensor configuration. Sensors returns the
// authoritative feature order.
type ModelRegistry interface {
	Model(ctx context.Context, code string) (Model, error)
	Sensors(ctx context.Context, modelCode string) ([]Sensor, error)
	Sensor(ctx context.Context, code string) (Sensor, error)
	ActiveModels(ctx context.Context) ([]Model, error)
}

// ArtifactRecorder is optionally implemented by a ModelRegistry that keeps
// track of where trained artifacts live.
type ArtifactRecorder interface {
	RecordArtifacts(ctx context.Context, modelCode string, paths ArtifactPaths) error
}

// ArtifactStore persists serialized predictors and scalers.
type ArtifactStore interface {
	Save(ctx context.Context, key string, data []byte) (string, error)
	Load(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ResultSink stores forecasts keyed by (sensor code, target timestamp).
type ResultSink interface {
	Upsert(ctx context.Context, r ForecastResult) error
}

// Publisher fans persisted forecasts out to live consumers.
type Publisher interface {
	PublishForecasts(ctx context.Context, modelCode string, results []ForecastResult) error
}

// ArtifactPaths locates the artifacts written by one training run.
type ArtifactPaths struct {
	Model   string `json:"model_path"`
	XScaler string `json:"x_scaler_path"`
	YScaler string `json:"y_scaler_path"`
}

func modelKey(code string) string { return "models/" + code + ".json" }

func scalerKey(code, kind string) string { return "scalers/" + code + "_" + kind + ".json" }
