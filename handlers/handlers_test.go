package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cityflow/forecaster/config"
	"cityflow/forecaster/forecast"
	"cityflow/forecaster/models"
	"cityflow/forecaster/services"
	"cityflow/forecaster/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeForecaster struct {
	trained   []string
	overrides *forecast.TrainingOverrides
	selectors []forecast.Selector
	cleared   int
}

func (f *fakeForecaster) Train(_ context.Context, code string, o *forecast.TrainingOverrides) forecast.TrainingOutcome {
	f.trained = append(f.trained, code)
	f.overrides = o
	if code == "missing" {
		return forecast.TrainingOutcome{
			Status:    forecast.StatusFailed,
			ModelCode: code,
			Error:     &forecast.Failure{Kind: forecast.KindConfiguration, Message: "model not found", Key: code},
		}
	}
	return forecast.TrainingOutcome{Status: forecast.StatusSuccess, ModelCode: code}
}

func (f *fakeForecaster) TrainAll(ctx context.Context, o *forecast.TrainingOverrides) ([]forecast.TrainingOutcome, error) {
	return []forecast.TrainingOutcome{f.Train(ctx, "m1", o), f.Train(ctx, "m2", o)}, nil
}

func (f *fakeForecaster) Predict(_ context.Context, sel forecast.Selector) ([]forecast.PredictionOutcome, error) {
	f.selectors = append(f.selectors, sel)
	switch {
	case sel.All:
		return []forecast.PredictionOutcome{
			{Status: forecast.StatusSuccess, ModelCode: "m1", Written: 6},
			{Status: forecast.StatusNoData, ModelCode: "m2"},
		}, nil
	case sel.ModelCode == "stale":
		return []forecast.PredictionOutcome{{
			Status: forecast.StatusFailed, ModelCode: "stale",
			Error: &forecast.Failure{Kind: forecast.KindArtifactMissing, Message: "no artifact"},
		}}, nil
	case sel.ModelCode == "empty":
		return []forecast.PredictionOutcome{{Status: forecast.StatusNoData, ModelCode: "empty"}}, nil
	}
	return []forecast.PredictionOutcome{{Status: forecast.StatusSuccess, ModelCode: "m1", SensorCode: sel.SensorCode, Written: 6}}, nil
}

func (f *fakeForecaster) ClearCache() int {
	f.cleared++
	return 3
}

type fakeCatalog struct {
	predictions []models.DataPrediction
	lastQuery   store.PredictionQuery
	fail        bool
}

func (f *fakeCatalog) ListModels(context.Context) ([]models.MasModel, error) {
	if f.fail {
		return nil, errors.New("db down")
	}
	return []models.MasModel{{Code: "m1", Type: "LSTM", NStepsIn: 24, NStepsOut: 6, IsActive: true}}, nil
}

func (f *fakeCatalog) GetModel(_ context.Context, code string) (models.MasModel, []models.MasSensor, error) {
	if code != "m1" {
		return models.MasModel{}, nil, forecast.ErrNotFound
	}
	return models.MasModel{Code: "m1", Type: "LSTM"}, []models.MasSensor{{Code: "s1"}, {Code: "s2"}}, nil
}

func (f *fakeCatalog) ListSensors(_ context.Context, modelCode string) ([]models.MasSensor, error) {
	return []models.MasSensor{{Code: "s1", Name: modelCode}}, nil
}

func (f *fakeCatalog) ListPredictions(_ context.Context, q store.PredictionQuery) ([]models.DataPrediction, error) {
	f.lastQuery = q
	rows := f.predictions
	if q.Before != nil {
		var kept []models.DataPrediction
		for _, r := range rows {
			if r.PredictionForTS.Before(*q.Before) {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type testEnv struct {
	router  *gin.Engine
	fc      *fakeForecaster
	catalog *fakeCatalog
	auth    *services.AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	env := &testEnv{
		fc:      &fakeForecaster{},
		catalog: &fakeCatalog{},
		auth: services.NewAuthService(config.AuthConfig{
			JWTSecret: "k", ExpiryHours: 1, OperatorUser: "ops", OperatorHash: string(hash),
		}),
	}
	env.router = NewRouter(Deps{
		Forecaster: env.fc,
		Catalog:    env.catalog,
		DB:         fakePinger{},
		Cache:      services.Disabled(zap.NewNop()),
		Auth:       env.auth,
		ListTTL:    time.Second,
		Logger:     zap.NewNop(),
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/", "", "").Code)

	w := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "UP", decode(t, w)["status"])

	r := gin.New()
	r.GET("/health", Health(fakePinger{err: errors.New("refused")}))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/models", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = env.do(t, http.MethodGet, "/api/models/m1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	model := decode(t, w)["model"].(map[string]any)
	assert.Equal(t, "m1", model["code"])
	assert.Len(t, model["sensors"], 2)

	w = env.do(t, http.MethodGet, "/api/models/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/sensors?model_code=m1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	env.catalog.fail = true
	w = env.do(t, http.MethodGet, "/api/models", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestPredictEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		want     int
		selector forecast.Selector
	}{
		{"all without body", "/api/predict", "", http.StatusOK, forecast.Selector{All: true}},
		{"by model in body", "/api/predict", `{"model_code":"m1"}`, http.StatusOK, forecast.Selector{ModelCode: "m1"}},
		{"by sensor in body", "/api/predict", `{"sensor_code":"s2"}`, http.StatusOK, forecast.Selector{SensorCode: "s2"}},
		{"by model path", "/api/predict/m1", "", http.StatusOK, forecast.Selector{ModelCode: "m1"}},
		{"by sensor path", "/api/sensors/s1/predict", "", http.StatusOK, forecast.Selector{SensorCode: "s1"}},
		{"missing artifact", "/api/predict/stale", "", http.StatusConflict, forecast.Selector{ModelCode: "stale"}},
		{"no data is not an error", "/api/predict/empty", "", http.StatusOK, forecast.Selector{ModelCode: "empty"}},
		{"malformed body", "/api/predict", `{"model_code":`, http.StatusBadRequest, forecast.Selector{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want == http.StatusBadRequest {
				assert.Empty(t, env.fc.selectors)
				return
			}
			require.Len(t, env.fc.selectors, 1)
			assert.Equal(t, tt.selector, env.fc.selectors[0])
		})
	}
}

func TestPredictAllResponse(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/predict", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["count"])
	results := body["results"].([]any)
	assert.Equal(t, "no_data", results[1].(map[string]any)["status"])
}

func TestTrainRequiresOperatorToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/train/m1", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, env.fc.trained)

	w = env.do(t, http.MethodPost, "/api/auth/token", `{"user":"ops","password":"bad"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/token", `{"user":"ops","password":"pw"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	token := decode(t, w)["token"].(string)

	w = env.do(t, http.MethodPost, "/api/train/m1", `{"epochs": 3}`, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"m1"}, env.fc.trained)
	require.NotNil(t, env.fc.overrides)
	assert.Equal(t, 3, *env.fc.overrides.Epochs)
	assert.Nil(t, env.fc.overrides.BatchSize)

	w = env.do(t, http.MethodPost, "/api/train/missing", "", token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, env.fc.overrides)
}

func TestTrainAll(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.auth.GenerateToken("ops", "operator")
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/train", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])
	assert.Equal(t, []string{"m1", "m2"}, env.fc.trained)

	w = env.do(t, http.MethodPost, "/api/train", `{"model_code":"m9","batch_size":8}`, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "m9", env.fc.trained[len(env.fc.trained)-1])
	assert.Equal(t, 8, *env.fc.overrides.BatchSize)
}

func TestClearCache(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.auth.GenerateToken("ops", "operator")
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/cache/clear", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["cleared"])
	assert.Equal(t, 1, env.fc.cleared)
}

func TestGetPredictionsPagination(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		env.catalog.predictions = append(env.catalog.predictions, models.DataPrediction{
			SensorCode:      "s1",
			ModelCode:       "m1",
			PredictionForTS: base.Add(-time.Duration(i) * time.Hour),
			PredictedValue:  float64(i),
		})
	}

	w := env.do(t, http.MethodGet, "/api/predictions?limit=2&sensor_code=s1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page PredictionPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.True(t, page.HasMore)
	assert.Len(t, page.Data, 2)
	assert.Equal(t, base.Add(-time.Hour).Format(time.RFC3339Nano), page.NextCursor)
	assert.Equal(t, "s1", env.catalog.lastQuery.SensorCode)
	assert.Equal(t, 3, env.catalog.lastQuery.Limit)

	w = env.do(t, http.MethodGet, "/api/predictions?limit=2&before="+page.NextCursor, "", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.True(t, page.HasMore)
	assert.Len(t, page.Data, 2)

	w = env.do(t, http.MethodGet, "/api/predictions?limit=10&before="+base.Add(-3*time.Hour).Format(time.RFC3339Nano), "", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.False(t, page.HasMore)
	assert.Len(t, page.Data, 1)
	assert.Empty(t, page.NextCursor)
}

func TestLiveForecastsWithoutRedis(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/ws/forecasts", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query     string
		wantLimit int
		hasBefore bool
		wantErr   bool
	}{
		{"", DefaultLimit, false, false},
		{"limit=10", 10, false, false},
		{"limit=-1", DefaultLimit, false, false},
		{"limit=9999", MaxLimit, false, false},
		{"before=2026-01-01T00:00:00Z", DefaultLimit, true, false},
		{"before=2026-01-01T07:00:00%2B07:00", DefaultLimit, true, false},
		{"before=yesterday", DefaultLimit, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			p, err := ParsePagination(c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, p.Limit)
			assert.Equal(t, tt.hasBefore, p.Before != nil)
			if p.Before != nil {
				assert.Equal(t, time.UTC, p.Before.Location())
			}
		})
	}
}

func TestGetPredictionsRejectsBadCursor(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/predictions?before=yesterday", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "before")
}

func TestNewPredictionPage(t *testing.T) {
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	row := func(sensor string, h int) models.DataPrediction {
		return models.DataPrediction{SensorCode: sensor, PredictionForTS: base.Add(-time.Duration(h) * time.Hour)}
	}

	empty := newPredictionPage(nil, 5)
	assert.NotNil(t, empty.Data)
	assert.False(t, empty.HasMore)

	// limit 3 fetched 4 rows; the page stops before the shared 1h timestamp
	page := newPredictionPage([]models.DataPrediction{row("s1", 0), row("s2", 0), row("s1", 1), row("s2", 1)}, 3)
	assert.True(t, page.HasMore)
	assert.Len(t, page.Data, 2)
	assert.Equal(t, base.Format(time.RFC3339Nano), page.NextCursor)
}

func TestTrimPartialTimestamp(t *testing.T) {
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	row := func(sensor string, h int) models.DataPrediction {
		return models.DataPrediction{SensorCode: sensor, PredictionForTS: base.Add(-time.Duration(h) * time.Hour)}
	}

	page := []models.DataPrediction{row("s1", 0), row("s2", 0), row("s1", 1)}
	got := trimPartialTimestamp(page, base.Add(-time.Hour))
	assert.Len(t, got, 2)

	got = trimPartialTimestamp(page, base.Add(-2*time.Hour))
	assert.Len(t, got, 3)

	same := []models.DataPrediction{row("s1", 0), row("s2", 0)}
	assert.Len(t, trimPartialTimestamp(same, base), 2)
}
