package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cityflow/forecaster/config"
	"cityflow/forecaster/forecast"
	"cityflow/forecaster/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheService wraps Redis for response caching and forecast fan-out. A
// service with a nil client is a no-op, so Redis stays optional.
type CacheService struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// Disabled returns a CacheService that never touches Redis.
func Disabled(logger *zap.Logger) *CacheService {
	return &CacheService{logger: logger}
}

func NewCacheService(cfg config.RedisConfig, logger *zap.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return Disabled(logger), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Retry up to 10 times (covers sidecar startup delay)
	var lastErr error
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		lastErr = client.Ping(ctx).Err()
		cancel()
		if lastErr == nil {
			logger.Info("redis connected", zap.String("addr", client.Options().Addr))
			return &CacheService{client: client, channel: cfg.Channel, logger: logger}, nil
		}
		logger.Warn("redis ping failed", zap.Int("attempt", i+1), zap.Error(lastErr))
		time.Sleep(2 * time.Second)
	}

	client.Close()
	return Disabled(logger), fmt.Errorf("redis ping failed after 10 attempts: %w", lastErr)
}

func (s *CacheService) Client() *redis.Client {
	return s.client
}

func (s *CacheService) Available() bool {
	return s.client != nil
}

func (s *CacheService) Channel() string {
	return s.channel
}

// Get decodes a cached value into dest. A miss leaves dest untouched.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) error {
	if s.client == nil {
		return redis.Nil
	}
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if s.client == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *CacheService) Delete(ctx context.Context, key string) error {
	if s.client == nil {
		return nil
	}
	return s.client.Del(ctx, key).Err()
}

// DeletePrefix removes every key starting with prefix.
func (s *CacheService) DeletePrefix(ctx context.Context, prefix string) error {
	if s.client == nil {
		return nil
	}
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *CacheService) Publish(ctx context.Context, channel string, message interface{}) error {
	if s.client == nil {
		return nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, channel, data).Err()
}

func (s *CacheService) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	if s.client == nil {
		return nil
	}
	return s.client.Subscribe(ctx, channel)
}

// ForecastMessage is the payload published on the forecast channel.
type ForecastMessage struct {
	Type        string                    `json:"type"`
	ModelCode   string                    `json:"model_code"`
	Predictions []forecast.ForecastResult `json:"predictions"`
	TS          time.Time                 `json:"ts"`
}

// PublishForecasts announces freshly stored forecasts on the configured
// channel and drops stale cached prediction pages.
func (s *CacheService) PublishForecasts(ctx context.Context, modelCode string, results []forecast.ForecastResult) error {
	if s.client == nil || len(results) == 0 {
		return nil
	}
	msg := ForecastMessage{Type: "predictions", ModelCode: modelCode, Predictions: results, TS: time.Now().UTC()}
	if err := s.Publish(ctx, s.channel, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	metrics.AddPublished(len(results))
	if err := s.DeletePrefix(ctx, PredictionsKeyPrefix); err != nil {
		s.logger.Warn("failed to drop cached prediction pages", zap.Error(err))
	}
	return nil
}

// PredictionsKeyPrefix prefixes cached GET /api/predictions pages.
const PredictionsKeyPrefix = "predictions:"

func (s *CacheService) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
