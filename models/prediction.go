package models

import "time"

// DataPrediction is one forecast value. (mas_sensor_code, prediction_for_ts)
// is unique so re-running inference overwrites instead of duplicating.
type DataPrediction struct {
	ID              uint      `gorm:"column:id;primaryKey" json:"id"`
	SensorCode      string    `gorm:"column:mas_sensor_code;uniqueIndex:uq_prediction_target" json:"sensor_code"`
	ModelCode       string    `gorm:"column:mas_model_code" json:"model_code"`
	PredictionRunAt time.Time `gorm:"column:prediction_run_at" json:"prediction_run_at"`
	PredictionForTS time.Time `gorm:"column:prediction_for_ts;uniqueIndex:uq_prediction_target" json:"prediction_for_ts"`
	PredictedValue  float64   `gorm:"column:predicted_value" json:"predicted_value"`
	ConfidenceScore *float64  `gorm:"column:confidence_score" json:"confidence_score"`
	ThresholdStatus string    `gorm:"column:threshold_status;default:unknown" json:"threshold_status"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (DataPrediction) TableName() string { return "data_predictions" }
