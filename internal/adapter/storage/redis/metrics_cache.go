package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"go.uber.org/zap"
)

const metricsKey = "scheduler:metrics"

var _ port.MetricsCache = &metricsCache{}

// KeyValue is the subset of github.com/gofiber/storage/redis/v3 Storage the cache needs
type KeyValue interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
}

// MetricsSnapshot is what out-of-process readers get back
type MetricsSnapshot struct {
	Metrics  domain.Metrics        `json:"metrics"`
	Cluster  domain.ClusterMetrics `json:"cluster"`
	StoredAt time.Time             `json:"stored_at"`
}

type metricsCache struct {
	store KeyValue
	ttl   time.Duration
	log   *zap.Logger
}

func NewMetricsCache(store KeyValue, ttl time.Duration, log *zap.Logger) *metricsCache {
	return &metricsCache{store: store, ttl: ttl, log: log}
}

func (c *metricsCache) StoreMetrics(ctx context.Context, metrics domain.Metrics, cluster domain.ClusterMetrics) error {
	data, err := json.Marshal(MetricsSnapshot{Metrics: metrics, Cluster: cluster, StoredAt: time.Now()})
	if err != nil {
		return err
	}
	return c.store.Set(metricsKey, data, c.ttl)
}

// LoadMetrics returns the last stored snapshot; ok is false when none is cached
func (c *metricsCache) LoadMetrics(ctx context.Context) (MetricsSnapshot, bool, error) {
	data, err := c.store.Get(metricsKey)
	if err != nil {
		return MetricsSnapshot{}, false, err
	}
	if len(data) == 0 {
		return MetricsSnapshot{}, false, nil
	}
	var snap MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return MetricsSnapshot{}, false, err
	}
	return snap, true, nil
}
