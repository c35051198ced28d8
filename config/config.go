package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	MQTT         MQTTConfig         `mapstructure:"mqtt"`
	Artifacts    ArtifactsConfig    `mapstructure:"artifacts"`
	Training     TrainingConfig     `mapstructure:"training"`
	Architecture ArchitectureConfig `mapstructure:"architecture"`
	Prediction   PredictionConfig   `mapstructure:"prediction"`
	Auth         AuthConfig         `mapstructure:"auth"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	Mode              string        `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// GetDSN returns the key/value form used by gorm.
func (d DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// GetURL returns the postgres:// form used by pgx and migrations.
func (d DatabaseConfig) GetURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	// ListTTL is how long prediction list pages stay cached.
	ListTTL time.Duration `mapstructure:"list_ttl"`
}

type MQTTConfig struct {
	URL          string `mapstructure:"url"`
	Topic        string `mapstructure:"topic"`
	ClientPrefix string `mapstructure:"client_prefix"`
	LiveChannel  string `mapstructure:"live_channel"`
}

type ArtifactsConfig struct {
	Driver     string `mapstructure:"driver"`
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type TrainingConfig struct {
	Epochs          int     `mapstructure:"epochs"`
	BatchSize       int     `mapstructure:"batch_size"`
	TestSize        float64 `mapstructure:"test_size"`
	Optimizer       string  `mapstructure:"optimizer"`
	LearningRate    float64 `mapstructure:"learning_rate"`
	Loss            string  `mapstructure:"loss"`
	ValidationSplit float64 `mapstructure:"validation_split"`
	RowLimit        int     `mapstructure:"row_limit"`
	Seed            uint64  `mapstructure:"seed"`
}

type ArchitectureConfig struct {
	Layer1Size      int     `mapstructure:"layer_1_size"`
	Layer2Size      int     `mapstructure:"layer_2_size"`
	DropoutRate     float64 `mapstructure:"dropout_rate"`
	Activation      string  `mapstructure:"activation"`
	ReturnSequences bool    `mapstructure:"return_sequences_layer_1"`
	TCNFilters      int     `mapstructure:"tcn_filters"`
	TCNKernelSize   int     `mapstructure:"tcn_kernel_size"`
	TCNDilations    []int   `mapstructure:"tcn_dilations"`
}

type PredictionConfig struct {
	Step              time.Duration `mapstructure:"step"`
	MinConfidence     float64       `mapstructure:"min_confidence"`
	VarianceThreshold float64       `mapstructure:"variance_threshold"`
	// Interval of zero disables the periodic predict loop.
	Interval time.Duration `mapstructure:"interval"`
}

type AuthConfig struct {
	JWTSecret    string `mapstructure:"jwt_secret"`
	ExpiryHours  int    `mapstructure:"expiry_hours"`
	OperatorUser string `mapstructure:"operator_user"`
	// OperatorHash is a bcrypt hash of the operator password.
	OperatorHash string `mapstructure:"operator_hash"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads an optional YAML file, then FORECASTER_* environment
// variables (server.port -> FORECASTER_SERVER_PORT) on top of defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FORECASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "cityflow")
	v.SetDefault("database.password", "cityflow_dev_password")
	v.SetDefault("database.name", "cityflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "forecaster:predictions")
	v.SetDefault("redis.list_ttl", "30s")

	v.SetDefault("mqtt.url", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "cityflow/sensors/+")
	v.SetDefault("mqtt.client_prefix", "forecaster-collector")
	v.SetDefault("mqtt.live_channel", "forecaster:live")

	v.SetDefault("artifacts.driver", "file")
	v.SetDefault("artifacts.dir", "./artifacts")
	v.SetDefault("artifacts.sqlite_path", "./artifacts/artifacts.db")

	v.SetDefault("training.epochs", 50)
	v.SetDefault("training.batch_size", 64)
	v.SetDefault("training.test_size", 0.2)
	v.SetDefault("training.optimizer", "adam")
	v.SetDefault("training.learning_rate", 0.0)
	v.SetDefault("training.loss", "mse")
	v.SetDefault("training.validation_split", 0.0)
	v.SetDefault("training.row_limit", 720)
	v.SetDefault("training.seed", 42)

	v.SetDefault("architecture.layer_1_size", 128)
	v.SetDefault("architecture.layer_2_size", 64)
	v.SetDefault("architecture.dropout_rate", 0.2)
	v.SetDefault("architecture.activation", "relu")
	v.SetDefault("architecture.return_sequences_layer_1", true)
	v.SetDefault("architecture.tcn_filters", 64)
	v.SetDefault("architecture.tcn_kernel_size", 3)
	v.SetDefault("architecture.tcn_dilations", []int{1, 2, 4, 8})

	v.SetDefault("prediction.step", "1h")
	v.SetDefault("prediction.min_confidence", 0.5)
	v.SetDefault("prediction.variance_threshold", 10.0)
	v.SetDefault("prediction.interval", "0s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.expiry_hours", 24)
	v.SetDefault("auth.operator_user", "operator")
	v.SetDefault("auth.operator_hash", "")

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("database.host and database.name are required")
	}

	switch c.Artifacts.Driver {
	case "file":
		if c.Artifacts.Dir == "" {
			return fmt.Errorf("artifacts.dir is required for the file driver")
		}
	case "sqlite":
		if c.Artifacts.SQLitePath == "" {
			return fmt.Errorf("artifacts.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("artifacts.driver must be one of: file, sqlite")
	}

	if c.Training.Epochs < 1 || c.Training.BatchSize < 1 {
		return fmt.Errorf("training.epochs and training.batch_size must be at least 1")
	}
	if c.Training.TestSize < 0 || c.Training.TestSize >= 1 {
		return fmt.Errorf("training.test_size must be in [0, 1)")
	}
	if c.Training.ValidationSplit < 0 || c.Training.ValidationSplit >= 1 {
		return fmt.Errorf("training.validation_split must be in [0, 1)")
	}
	if c.Training.LearningRate < 0 {
		return fmt.Errorf("training.learning_rate must not be negative")
	}
	if c.Training.RowLimit < 1 {
		return fmt.Errorf("training.row_limit must be at least 1")
	}

	if c.Architecture.Layer1Size < 1 || c.Architecture.Layer2Size < 1 {
		return fmt.Errorf("architecture layer sizes must be at least 1")
	}
	if c.Architecture.DropoutRate < 0 || c.Architecture.DropoutRate >= 1 {
		return fmt.Errorf("architecture.dropout_rate must be in [0, 1)")
	}
	if c.Architecture.TCNFilters < 1 || c.Architecture.TCNKernelSize < 1 || len(c.Architecture.TCNDilations) == 0 {
		return fmt.Errorf("architecture tcn settings must be positive with at least one dilation")
	}

	if c.Prediction.Step <= 0 {
		return fmt.Errorf("prediction.step must be positive")
	}
	if c.Prediction.MinConfidence < 0 || c.Prediction.MinConfidence > 1 {
		return fmt.Errorf("prediction.min_confidence must be between 0.0 and 1.0")
	}
	if c.Prediction.Interval < 0 {
		return fmt.Errorf("prediction.interval must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, console")
	}
	return nil
}
