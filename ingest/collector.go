// Package ingest subscribes to sensor readings over MQTT and stores them as
// data_actuals rows, the history the forecaster trains and predicts on.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cityflow/forecaster/config"
	"cityflow/forecaster/metrics"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ReadingPayload is one sensor reading as published on the broker. When
// sensor_code is empty the last topic segment is used.
type ReadingPayload struct {
	TS         string   `json:"ts"`
	SensorCode string   `json:"sensor_code"`
	Value      *float64 `json:"value"`
}

// Reading is a validated payload.
type Reading struct {
	SensorCode string
	Value      float64
	At         time.Time
}

// ReadingStore persists readings, ignoring duplicates.
type ReadingStore interface {
	InsertReading(ctx context.Context, sensorCode string, value float64, at time.Time) (bool, error)
}

// LivePublisher fans accepted readings out to live consumers.
type LivePublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

type Collector struct {
	store   ReadingStore
	live    LivePublisher
	channel string
	logger  *zap.Logger
	now     func() time.Time
}

func NewCollector(store ReadingStore, live LivePublisher, channel string, logger *zap.Logger) *Collector {
	return &Collector{store: store, live: live, channel: channel, logger: logger, now: time.Now}
}

// ParseReading validates a raw payload. A missing or malformed ts falls back
// to now.
func ParseReading(topic string, raw []byte, now time.Time) (Reading, error) {
	var p ReadingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Reading{}, fmt.Errorf("invalid payload: %w", err)
	}
	code := p.SensorCode
	if code == "" {
		if i := strings.LastIndex(topic, "/"); i >= 0 && i < len(topic)-1 {
			code = topic[i+1:]
		}
	}
	if code == "" || code == "+" || code == "#" {
		return Reading{}, errors.New("missing sensor_code in payload")
	}
	if p.Value == nil {
		return Reading{}, errors.New("missing value in payload")
	}

	ts := now.UTC()
	if p.TS != "" {
		if parsed, err := time.Parse(time.RFC3339, p.TS); err == nil {
			ts = parsed.UTC()
		}
	}
	return Reading{SensorCode: code, Value: *p.Value, At: ts}, nil
}

// Process handles one broker message.
func (c *Collector) Process(ctx context.Context, topic string, raw []byte) {
	metrics.ReadingReceived()

	r, err := ParseReading(topic, raw, c.now())
	if err != nil {
		metrics.ReadingFailed()
		c.logger.Warn("rejected reading", zap.String("topic", topic), zap.Error(err))
		return
	}

	stored, err := c.store.InsertReading(ctx, r.SensorCode, r.Value, r.At)
	if err != nil {
		metrics.ReadingFailed()
		c.logger.Error("db insert failed", zap.String("sensor_code", r.SensorCode), zap.Error(err))
		return
	}
	if !stored {
		c.logger.Debug("duplicate reading ignored", zap.String("sensor_code", r.SensorCode), zap.Time("ts", r.At))
		return
	}
	metrics.ReadingStored()

	if c.live != nil && c.channel != "" {
		if err := c.live.Publish(ctx, c.channel, json.RawMessage(raw)); err != nil {
			c.logger.Debug("live publish failed", zap.Error(err))
		}
	}
}

// Run connects to the broker and processes readings until ctx is done.
func (c *Collector) Run(ctx context.Context, cfg config.MQTTConfig) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientPrefix + "-" + time.Now().Format("20060102150405"))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, message mqtt.Message) {
		c.Process(ctx, message.Topic(), message.Payload())
	})
	opts.OnConnect = func(client mqtt.Client) {
		token := client.Subscribe(cfg.Topic, 0, nil)
		token.Wait()
		if token.Error() != nil {
			c.logger.Error("mqtt subscribe error", zap.Error(token.Error()))
			return
		}
		c.logger.Info("collector subscribed", zap.String("topic", cfg.Topic))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("mqtt connection failed: %w", token.Error())
	}

	c.logger.Info("collector running", zap.String("mqtt", cfg.URL))
	<-ctx.Done()
	c.logger.Info("collector shutting down")
	client.Disconnect(250)
	return nil
}
