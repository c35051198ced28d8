package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type memRegistry struct {
	mu       sync.Mutex
	models   map[string]Model
	sensors  map[string][]Sensor
	recorded map[string]ArtifactPaths

	// recordErr, when set, fails RecordArtifacts.
	recordErr error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		models:   make(map[string]Model),
		sensors:  make(map[string][]Sensor),
		recorded: make(map[string]ArtifactPaths),
	}
}

func (r *memRegistry) add(m Model, sensorCodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Active = true
	r.models[m.Code] = m
	for _, c := range sensorCodes {
		r.sensors[m.Code] = append(r.sensors[m.Code], Sensor{Code: c, ModelCode: m.Code})
	}
}

func (r *memRegistry) Model(_ context.Context, code string) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[code]
	if !ok {
		return Model{}, ErrNotFound
	}
	return m, nil
}

func (r *memRegistry) Sensors(_ context.Context, code string) ([]Sensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sensor(nil), r.sensors[code]...), nil
}

func (r *memRegistry) Sensor(_ context.Context, code string) (Sensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.sensors {
		for _, s := range list {
			if s.Code == code {
				return s, nil
			}
		}
	}
	return Sensor{}, ErrNotFound
}

func (r *memRegistry) ActiveModels(_ context.Context) ([]Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Model
	for _, m := range r.models {
		if m.Active {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *memRegistry) RecordArtifacts(_ context.Context, code string, paths ArtifactPaths) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordErr != nil {
		return r.recordErr
	}
	r.recorded[code] = paths
	return nil
}

// memData serves readings that share one hourly time axis.
type memData struct {
	mu     sync.Mutex
	times  []time.Time
	values map[string][]float64
}

func newMemData(rows int, sensorCodes ...string) *memData {
	d := &memData{values: make(map[string][]float64)}
	for i := 0; i < rows; i++ {
		d.times = append(d.times, baseTime.Add(time.Duration(i)*time.Hour))
	}
	for k, c := range sensorCodes {
		vs := make([]float64, rows)
		for i := range vs {
			vs[i] = float64(10*(k+1)) + float64(i) + 0.5*math.Sin(float64(i+k))
		}
		d.values[c] = vs
	}
	return d
}

func (d *memData) truncate(rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.times = d.times[:rows]
	for c, vs := range d.values {
		d.values[c] = vs[:rows]
	}
}

func (d *memData) series(codes []string, n int) (*Series, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := 0
	if n > 0 && len(d.times) > n {
		start = len(d.times) - n
	}
	var rows [][]float64
	for i := start; i < len(d.times); i++ {
		row := make([]float64, len(codes))
		for j, c := range codes {
			vs, ok := d.values[c]
			if !ok {
				return NewSeries(codes, nil, nil)
			}
			row[j] = vs[i]
		}
		rows = append(rows, row)
	}
	return NewSeries(codes, append([]time.Time(nil), d.times[start:]...), rows)
}

func (d *memData) FeatureMatrix(_ context.Context, codes []string, limit int) (*Series, error) {
	return d.series(codes, limit)
}

func (d *memData) Latest(_ context.Context, codes []string, n int) (*Series, error) {
	return d.series(codes, n)
}

type memArtifacts struct {
	mu    sync.Mutex
	data  map[string][]byte
	loads atomic.Int64
	delay time.Duration

	// failSave names a key whose next writes fail.
	failSave string
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{data: make(map[string][]byte)}
}

func (a *memArtifacts) Save(_ context.Context, key string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if key == a.failSave {
		return "", errBoom
	}
	a.data[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func (a *memArtifacts) Load(_ context.Context, key string) ([]byte, error) {
	a.loads.Add(1)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (a *memArtifacts) snapshot() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.data))
	for k, v := range a.data {
		out[k] = string(v)
	}
	return out
}

func (a *memArtifacts) Exists(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.data[key]
	return ok, nil
}

type sinkKey struct {
	sensor string
	at     time.Time
}

type memSink struct {
	mu      sync.Mutex
	rows    map[sinkKey]ForecastResult
	writes  int
	failOn  string
	failErr error
}

func newMemSink() *memSink { return &memSink{rows: make(map[sinkKey]ForecastResult)} }

func (s *memSink) Upsert(_ context.Context, r ForecastResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && r.SensorCode == s.failOn {
		return s.failErr
	}
	s.writes++
	s.rows[sinkKey{r.SensorCode, r.TargetAt.UTC()}] = r
	return nil
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type memPublisher struct {
	calls int
	got   []ForecastResult
	err   error
}

func (p *memPublisher) PublishForecasts(_ context.Context, _ string, results []ForecastResult) error {
	p.calls++
	p.got = append(p.got, results...)
	return p.err
}

var errBoom = errors.New("boom")

// seedArtifacts writes a freshly built, untrained predictor and scalers for
// code so that inference can run without a training pass.
func seedArtifacts(t *testing.T, store ArtifactStore, code string, shape Shape) {
	t.Helper()
	arch := LSTMArchitecture{RecurrentSpec{Layer1Size: 4, Layer2Size: 3, Activation: "tanh"}}
	net, err := Builder{Seed: 7}.Build(arch, shape)
	require.NoError(t, err)

	block := mat.NewDense(shape.InputSteps, shape.Features, nil)
	for i := 0; i < shape.InputSteps; i++ {
		for j := 0; j < shape.Features; j++ {
			block.Set(i, j, float64(i*(j+1)))
		}
	}
	sc, err := FitScaler([]*mat.Dense{block})
	require.NoError(t, err)

	for key, v := range map[string]any{
		modelKey(code):              net,
		scalerKey(code, "x_scaler"): sc,
		scalerKey(code, "y_scaler"): sc,
	} {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		_, err = store.Save(context.Background(), key, data)
		require.NoError(t, err)
	}
}
