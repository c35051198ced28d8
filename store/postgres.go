package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"cityflow/forecaster/forecast"
)

// Postgres reads sensor history and upserts forecasts with pgx.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres opens and pings a connection pool.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32, logger *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db pool init failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	logger.Info("db connected")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// FeatureMatrix returns up to rowLimit most recent readings per sensor,
// pivoted into one ascending row per complete timestamp.
func (p *Postgres) FeatureMatrix(ctx context.Context, sensorCodes []string, rowLimit int) (*forecast.Series, error) {
	return p.recent(ctx, sensorCodes, rowLimit)
}

// Latest returns the most recent n complete rows.
func (p *Postgres) Latest(ctx context.Context, sensorCodes []string, n int) (*forecast.Series, error) {
	s, err := p.recent(ctx, sensorCodes, n)
	if err != nil {
		return nil, err
	}
	return s.Tail(n), nil
}

func (p *Postgres) recent(ctx context.Context, sensorCodes []string, limit int) (*forecast.Series, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT mas_sensor_code, value, received_at
		FROM (
			SELECT mas_sensor_code, value, received_at,
				ROW_NUMBER() OVER (PARTITION BY mas_sensor_code ORDER BY received_at DESC) AS rn
			FROM data_actuals
			WHERE mas_sensor_code = ANY($1)
		) ranked
		WHERE rn <= $2
		ORDER BY received_at ASC
	`, sensorCodes, limit)
	if err != nil {
		return nil, fmt.Errorf("query data_actuals: %w", err)
	}
	defer rows.Close()

	var readings []reading
	for rows.Next() {
		var r reading
		if err := rows.Scan(&r.code, &r.value, &r.at); err != nil {
			return nil, fmt.Errorf("scan data_actuals: %w", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data_actuals: %w", err)
	}

	s, dropped, err := pivot(sensorCodes, readings)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		p.logger.Debug("dropped incomplete timestamps",
			zap.Strings("sensors", sensorCodes), zap.Int("dropped", dropped))
	}
	return s, nil
}

// Upsert stores one forecast keyed by (sensor code, target timestamp).
func (p *Postgres) Upsert(ctx context.Context, r forecast.ForecastResult) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO data_predictions
			(mas_sensor_code, mas_model_code, prediction_run_at, prediction_for_ts,
			 predicted_value, confidence_score, threshold_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'unknown', NOW(), NOW())
		ON CONFLICT (mas_sensor_code, prediction_for_ts) DO UPDATE SET
			mas_model_code = EXCLUDED.mas_model_code,
			prediction_run_at = EXCLUDED.prediction_run_at,
			predicted_value = EXCLUDED.predicted_value,
			confidence_score = EXCLUDED.confidence_score,
			updated_at = NOW()
	`, r.SensorCode, r.ModelCode, r.RunAt, r.TargetAt, r.Value, r.Confidence)
	if err != nil {
		return fmt.Errorf("upsert prediction for sensor=%s: %w", r.SensorCode, err)
	}
	return nil
}

// InsertReading stores one sensor reading. Duplicate (sensor, timestamp)
// pairs are ignored. It reports whether a row was written.
func (p *Postgres) InsertReading(ctx context.Context, sensorCode string, value float64, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO data_actuals (mas_sensor_code, value, received_at, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (mas_sensor_code, received_at) DO NOTHING
	`, sensorCode, value, at)
	if err != nil {
		return false, fmt.Errorf("insert reading for sensor=%s: %w", sensorCode, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := p.pool.Exec(ctx, `UPDATE mas_sensors SET last_seen = $2 WHERE code = $1 AND (last_seen IS NULL OR last_seen < $2)`, sensorCode, at); err != nil {
		p.logger.Warn("failed to update last_seen", zap.String("sensor_code", sensorCode), zap.Error(err))
	}
	return true, nil
}

type reading struct {
	code  string
	value float64
	at    time.Time
}

// pivot turns long-form readings into a dense Series with columns in codes
// order. Timestamps missing any sensor are dropped and counted.
func pivot(codes []string, readings []reading) (*forecast.Series, int, error) {
	col := make(map[string]int, len(codes))
	for i, c := range codes {
		col[c] = i
	}

	type row struct {
		values []float64
		have   []bool
		filled int
	}
	byTime := make(map[time.Time]*row)
	for _, r := range readings {
		j, ok := col[r.code]
		if !ok {
			continue
		}
		at := r.at.UTC()
		rw, ok := byTime[at]
		if !ok {
			rw = &row{values: make([]float64, len(codes)), have: make([]bool, len(codes))}
			byTime[at] = rw
		}
		if !rw.have[j] {
			rw.have[j] = true
			rw.filled++
		}
		rw.values[j] = r.value
	}

	times := make([]time.Time, 0, len(byTime))
	for at, rw := range byTime {
		if rw.filled == len(codes) {
			times = append(times, at)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	values := make([][]float64, len(times))
	for i, at := range times {
		values[i] = byTime[at].values
	}
	s, err := forecast.NewSeries(codes, times, values)
	if err != nil {
		return nil, 0, err
	}
	return s, len(byTime) - len(times), nil
}
