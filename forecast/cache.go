package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cityflow/forecaster/nn"
)

// Loaded is an inference-ready predictor with its fitted scalers. It is
// never mutated after the cache hands it out.
type Loaded struct {
	ModelCode string
	Network   *nn.Network
	XScaler   *Scaler
	YScaler   *Scaler
	LoadedAt  time.Time
}

func (l *Loaded) check(shape Shape) error {
	steps, features := l.Network.InputShape()
	switch {
	case steps != shape.InputSteps || features != shape.Features:
		return newError(KindConfiguration, l.ModelCode, nil, "artifact input shape (%d, %d) does not match model (%d, %d), retrain required",
			steps, features, shape.InputSteps, shape.Features)
	case l.Network.OutputWidth() != shape.OutputWidth():
		return newError(KindConfiguration, l.ModelCode, nil, "artifact output width %d does not match model %d, retrain required",
			l.Network.OutputWidth(), shape.OutputWidth())
	case l.XScaler.Features() != shape.Features || l.YScaler.Features() != shape.Features:
		return newError(KindConfiguration, l.ModelCode, nil, "scalers fitted on %d/%d features, model has %d",
			l.XScaler.Features(), l.YScaler.Features(), shape.Features)
	}
	return nil
}

// ModelCache keeps loaded predictors per model code. Concurrent loads of the
// same code are collapsed into one artifact read. Entries never expire;
// callers invalidate after retraining.
type ModelCache struct {
	artifacts ArtifactStore
	group     singleflight.Group
	observer  Observer
	logger    *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Loaded
	// epoch and gens let a load that raced with Invalidate or Clear finish
	// without repopulating the cache.
	epoch uint64
	gens  map[string]uint64
}

func NewModelCache(artifacts ArtifactStore, logger *zap.Logger) *ModelCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelCache{
		artifacts: artifacts,
		observer:  nopObserver{},
		logger:    logger,
		entries:   make(map[string]*Loaded),
		gens:      make(map[string]uint64),
	}
}

// SetObserver installs o for hit and load accounting.
func (c *ModelCache) SetObserver(o Observer) {
	if o != nil {
		c.observer = o
	}
}

// GetOrLoad returns the cached entry for code, loading it from the artifact
// store on a miss. The entry must match shape.
func (c *ModelCache) GetOrLoad(ctx context.Context, code string, shape Shape) (*Loaded, error) {
	c.mu.RLock()
	l, ok := c.entries[code]
	c.mu.RUnlock()
	c.observer.CacheLookup(ok)
	if ok {
		return l, l.check(shape)
	}

	v, err, _ := c.group.Do(code, func() (any, error) {
		c.mu.RLock()
		if l, ok := c.entries[code]; ok {
			c.mu.RUnlock()
			return l, nil
		}
		epoch, gen := c.epoch, c.gens[code]
		c.mu.RUnlock()

		l, err := c.load(ctx, code)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.epoch == epoch && c.gens[code] == gen {
			c.entries[code] = l
		}
		c.mu.Unlock()
		c.logger.Info("model loaded", zap.String("model_code", code))
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	l = v.(*Loaded)
	return l, l.check(shape)
}

// Invalidate evicts one entry.
func (c *ModelCache) Invalidate(code string) {
	c.mu.Lock()
	delete(c.entries, code)
	c.gens[code]++
	c.mu.Unlock()
	c.group.Forget(code)
}

// Clear evicts every entry.
func (c *ModelCache) Clear() {
	c.mu.Lock()
	codes := make([]string, 0, len(c.entries))
	for code := range c.entries {
		codes = append(codes, code)
	}
	c.entries = make(map[string]*Loaded)
	c.epoch++
	c.mu.Unlock()
	for _, code := range codes {
		c.group.Forget(code)
	}
}

// Len returns the number of cached entries.
func (c *ModelCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ModelCache) load(ctx context.Context, code string) (*Loaded, error) {
	l := &Loaded{ModelCode: code, Network: &nn.Network{}, XScaler: &Scaler{}, YScaler: &Scaler{}}
	if err := c.read(ctx, modelKey(code), l.Network); err != nil {
		return nil, err
	}
	if err := c.read(ctx, scalerKey(code, "x_scaler"), l.XScaler); err != nil {
		return nil, err
	}
	if err := c.read(ctx, scalerKey(code, "y_scaler"), l.YScaler); err != nil {
		return nil, err
	}
	l.LoadedAt = time.Now()
	return l, nil
}

func (c *ModelCache) read(ctx context.Context, key string, v any) error {
	data, err := c.artifacts.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return newError(KindArtifactMissing, key, nil, "artifact not found")
	}
	if err != nil {
		return newError(KindPersistence, key, err, "read artifact")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return newError(KindArtifactMissing, key, err, "artifact is unreadable")
	}
	return nil
}
