package models

import "time"

type MasSensor struct {
	ID                uint       `gorm:"column:id;primaryKey" json:"id"`
	DeviceCode        string     `gorm:"column:mas_device_code" json:"device_code"`
	Code              string     `gorm:"column:code;uniqueIndex" json:"code"`
	Name              string     `gorm:"column:name" json:"name"`
	Parameter         string     `gorm:"column:parameter" json:"parameter"`
	Unit              *string    `gorm:"column:unit" json:"unit,omitempty"`
	ModelCode         *string    `gorm:"column:mas_model_code" json:"model_code,omitempty"`
	Status            string     `gorm:"column:status;default:active" json:"status"`
	IsActive          bool       `gorm:"column:is_active;default:true" json:"is_active"`
	ForecastingStatus string     `gorm:"column:forecasting_status;default:stopped" json:"forecasting_status"`
	LastSeen          *time.Time `gorm:"column:last_seen" json:"last_seen,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (MasSensor) TableName() string { return "mas_sensors" }

type DataActual struct {
	ID              uint      `gorm:"column:id;primaryKey" json:"id"`
	SensorCode      string    `gorm:"column:mas_sensor_code" json:"sensor_code"`
	Value           float64   `gorm:"column:value" json:"value"`
	ReceivedAt      time.Time `gorm:"column:received_at" json:"received_at"`
	ThresholdStatus string    `gorm:"column:threshold_status;default:unknown" json:"threshold_status"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (DataActual) TableName() string { return "data_actuals" }
