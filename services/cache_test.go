package services

import (
	"context"
	"testing"
	"time"

	"cityflow/forecaster/config"
	"cityflow/forecaster/forecast"

	"go.uber.org/zap"
)

func TestDisabledCacheIsNoop(t *testing.T) {
	svc, err := NewCacheService(config.RedisConfig{Enabled: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCacheService failed: %v", err)
	}
	if svc.Available() {
		t.Fatal("disabled cache should not be available")
	}

	ctx := context.Background()
	if err := svc.Set(ctx, "k", 1, time.Second); err != nil {
		t.Errorf("Set = %v", err)
	}
	var v int
	if err := svc.Get(ctx, "k", &v); err == nil {
		t.Error("Get on disabled cache should report a miss")
	}
	if svc.Subscribe(ctx, "c") != nil {
		t.Error("Subscribe on disabled cache should return nil")
	}
	res := []forecast.ForecastResult{{SensorCode: "s1", ModelCode: "m1", Value: 1}}
	if err := svc.PublishForecasts(ctx, "m1", res); err != nil {
		t.Errorf("PublishForecasts = %v", err)
	}
	if err := svc.DeletePrefix(ctx, PredictionsKeyPrefix); err != nil {
		t.Errorf("DeletePrefix = %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}
