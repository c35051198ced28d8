package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cityflow/forecaster/forecast"
	"cityflow/forecaster/models"
)

// OpenGorm connects gorm to Postgres with SQL logging silenced.
func OpenGorm(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Registry reads model and sensor configuration from mas_models and
// mas_sensors.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Model(ctx context.Context, code string) (forecast.Model, error) {
	var row models.MasModel
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return forecast.Model{}, forecast.ErrNotFound
	}
	if err != nil {
		return forecast.Model{}, fmt.Errorf("load model %s: %w", code, err)
	}
	return toModel(row), nil
}

// Sensors returns the active sensors of a model in id order, which is the
// feature column order used for training and inference.
func (r *Registry) Sensors(ctx context.Context, modelCode string) ([]forecast.Sensor, error) {
	var rows []models.MasSensor
	err := r.db.WithContext(ctx).
		Where("mas_model_code = ? AND is_active = ? AND status = ?", modelCode, true, "active").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load sensors for model %s: %w", modelCode, err)
	}
	out := make([]forecast.Sensor, len(rows))
	for i, s := range rows {
		out[i] = toSensor(s)
	}
	return out, nil
}

func (r *Registry) Sensor(ctx context.Context, code string) (forecast.Sensor, error) {
	var row models.MasSensor
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return forecast.Sensor{}, forecast.ErrNotFound
	}
	if err != nil {
		return forecast.Sensor{}, fmt.Errorf("load sensor %s: %w", code, err)
	}
	return toSensor(row), nil
}

func (r *Registry) ActiveModels(ctx context.Context) ([]forecast.Model, error) {
	var rows []models.MasModel
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("code ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load active models: %w", err)
	}
	out := make([]forecast.Model, len(rows))
	for i, m := range rows {
		out[i] = toModel(m)
	}
	return out, nil
}

// RecordArtifacts points mas_models.file_path at the trained model and
// upserts one mas_scalers row per fitted scaler.
func (r *Registry) RecordArtifacts(ctx context.Context, modelCode string, paths forecast.ArtifactPaths) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.MasModel{}).Where("code = ?", modelCode).Update("file_path", paths.Model).Error; err != nil {
			return fmt.Errorf("update model file_path: %w", err)
		}
		scalers := []models.MasScaler{
			{ModelCode: modelCode, ScalerType: "x_scaler", FilePath: paths.XScaler, ScalerClass: "StandardScaler"},
			{ModelCode: modelCode, ScalerType: "y_scaler", FilePath: paths.YScaler, ScalerClass: "StandardScaler"},
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mas_model_code"}, {Name: "scaler_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"file_path", "scaler_class", "updated_at"}),
		}).Create(&scalers).Error
		if err != nil {
			return fmt.Errorf("upsert scalers: %w", err)
		}
		return nil
	})
}

func toModel(m models.MasModel) forecast.Model {
	return forecast.Model{
		Code:               m.Code,
		Name:               m.Name,
		Family:             m.Type,
		InputSteps:         m.NStepsIn,
		OutputSteps:        m.NStepsOut,
		ArchitectureConfig: deref(m.ArchitectureConfig),
		TrainingConfig:     deref(m.TrainingConfig),
		ArtifactPath:       deref(m.FilePath),
		Active:             m.IsActive,
	}
}

func toSensor(s models.MasSensor) forecast.Sensor {
	return forecast.Sensor{
		Code:       s.Code,
		Name:       s.Name,
		Parameter:  s.Parameter,
		Unit:       deref(s.Unit),
		DeviceCode: s.DeviceCode,
		ModelCode:  deref(s.ModelCode),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ListModels returns every configured model, active or not, ordered by code.
func (r *Registry) ListModels(ctx context.Context) ([]models.MasModel, error) {
	var rows []models.MasModel
	if err := r.db.WithContext(ctx).Order("code ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return rows, nil
}

// GetModel returns one model row with its active sensors in feature order.
func (r *Registry) GetModel(ctx context.Context, code string) (models.MasModel, []models.MasSensor, error) {
	var row models.MasModel
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, nil, forecast.ErrNotFound
	}
	if err != nil {
		return row, nil, fmt.Errorf("load model %s: %w", code, err)
	}
	sensors, err := r.ListSensors(ctx, code)
	if err != nil {
		return row, nil, err
	}
	return row, sensors, nil
}

// ListSensors returns active sensors, optionally limited to one model.
func (r *Registry) ListSensors(ctx context.Context, modelCode string) ([]models.MasSensor, error) {
	q := r.db.WithContext(ctx).Where("is_active = ? AND status = ?", true, "active")
	if modelCode != "" {
		q = q.Where("mas_model_code = ?", modelCode)
	}
	var rows []models.MasSensor
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	return rows, nil
}

// PredictionQuery filters stored forecasts. Before is an exclusive cursor on
// prediction_for_ts.
type PredictionQuery struct {
	SensorCode string
	ModelCode  string
	Before     *time.Time
	Limit      int
}

// ListPredictions returns stored forecasts, newest target first.
func (r *Registry) ListPredictions(ctx context.Context, q PredictionQuery) ([]models.DataPrediction, error) {
	query := r.db.WithContext(ctx).Model(&models.DataPrediction{}).
		Order("prediction_for_ts DESC, mas_sensor_code ASC").
		Limit(q.Limit)
	if q.Before != nil {
		query = query.Where("prediction_for_ts < ?", *q.Before)
	}
	if q.SensorCode != "" {
		query = query.Where("mas_sensor_code = ?", q.SensorCode)
	}
	if q.ModelCode != "" {
		query = query.Where("mas_model_code = ?", q.ModelCode)
	}
	var rows []models.DataPrediction
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	return rows, nil
}

// Ping checks the underlying connection.
func (r *Registry) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
