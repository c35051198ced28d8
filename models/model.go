package models

import "time"

type MasModel struct {
	ID                 uint      `gorm:"column:id;primaryKey" json:"id"`
	Name               string    `gorm:"column:name" json:"name"`
	Code               string    `gorm:"column:code;uniqueIndex" json:"code"`
	Type               string    `gorm:"column:type" json:"type"`
	Version            *string   `gorm:"column:version" json:"version,omitempty"`
	Description        *string   `gorm:"column:description" json:"description,omitempty"`
	FilePath           *string   `gorm:"column:file_path" json:"file_path,omitempty"`
	NStepsIn           int       `gorm:"column:n_steps_in" json:"n_steps_in"`
	NStepsOut          int       `gorm:"column:n_steps_out" json:"n_steps_out"`
	ArchitectureConfig *string   `gorm:"column:architecture_config" json:"architecture_config,omitempty"`
	TrainingConfig     *string   `gorm:"column:training_config" json:"training_config,omitempty"`
	IsActive           bool      `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt          time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (MasModel) TableName() string { return "mas_models" }

// MasScaler records where a fitted scaler of a model is stored.
type MasScaler struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"id"`
	ModelCode   string    `gorm:"column:mas_model_code;uniqueIndex:uq_model_scaler" json:"model_code"`
	ScalerType  string    `gorm:"column:scaler_type;uniqueIndex:uq_model_scaler" json:"scaler_type"`
	FilePath    string    `gorm:"column:file_path" json:"file_path"`
	ScalerClass string    `gorm:"column:scaler_class" json:"scaler_class"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (MasScaler) TableName() string { return "mas_scalers" }
