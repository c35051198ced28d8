package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestParseReading(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		raw     string
		want    Reading
		wantErr bool
	}{
		{
			name:  "full payload",
			topic: "cityflow/sensors/ignored",
			raw:   `{"ts":"2026-05-01T10:30:00+07:00","sensor_code":"WL-01","value":2.35}`,
			want:  Reading{SensorCode: "WL-01", Value: 2.35, At: time.Date(2026, 5, 1, 3, 30, 0, 0, time.UTC)},
		},
		{
			name:  "code from topic",
			topic: "cityflow/sensors/RF-07",
			raw:   `{"ts":"2026-05-01T10:00:00Z","value":0}`,
			want:  Reading{SensorCode: "RF-07", Value: 0, At: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
		},
		{
			name:  "bad ts falls back to now",
			topic: "x/WL-01",
			raw:   `{"ts":"yesterday","value":1}`,
			want:  Reading{SensorCode: "WL-01", Value: 1, At: now},
		},
		{name: "missing value", topic: "x/WL-01", raw: `{"sensor_code":"WL-01"}`, wantErr: true},
		{name: "missing code", topic: "x/", raw: `{"value":1}`, wantErr: true},
		{name: "not json", topic: "x/WL-01", raw: `value=1`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReading(tt.topic, []byte(tt.raw), now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeStore struct {
	seen map[string]bool
	err  error
}

func (s *fakeStore) InsertReading(_ context.Context, code string, _ float64, at time.Time) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	key := code + at.String()
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

type fakeLive struct{ published int }

func (l *fakeLive) Publish(context.Context, string, interface{}) error {
	l.published++
	return nil
}

func TestProcess(t *testing.T) {
	store := &fakeStore{seen: map[string]bool{}}
	live := &fakeLive{}
	c := NewCollector(store, live, "forecaster:live", zap.NewNop())
	c.now = func() time.Time { return now }

	raw := []byte(`{"ts":"2026-05-01T10:00:00Z","sensor_code":"WL-01","value":2}`)
	c.Process(context.Background(), "t/WL-01", raw)
	c.Process(context.Background(), "t/WL-01", raw)
	c.Process(context.Background(), "t/WL-01", []byte(`{}`))
	assert.Len(t, store.seen, 1)
	assert.Equal(t, 1, live.published)

	store.err = errors.New("db down")
	c.Process(context.Background(), "t/WL-02", []byte(`{"value":3}`))
	assert.Equal(t, 1, live.published)
}
