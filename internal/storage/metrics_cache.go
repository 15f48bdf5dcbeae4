package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/defi-aggregator/internal/types"
)

// MetricsCache caches protocol-wide metrics in Redis with a short TTL.
// Portfolio snapshots are deliberately never cached here: a snapshot is
// recomputed from the ledger and adapters on every request.
type MetricsCache struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewMetricsCache creates a metrics cache with the given TTL
func NewMetricsCache(redisCache *RedisCache, ttl time.Duration) *MetricsCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MetricsCache{redis: redisCache, ttl: ttl}
}

func protocolMetricsKey(protocol types.Protocol) string {
	return fmt.Sprintf("protocol_metrics:%s", protocol)
}

func seriesKey(owner string, timeframe types.Timeframe) string {
	return fmt.Sprintf("series:%s:%s", strings.ToLower(owner), timeframe)
}

// GetProtocolMetrics returns the cached metrics for a protocol, or
// (nil, nil) on a miss
func (c *MetricsCache) GetProtocolMetrics(ctx context.Context, protocol types.Protocol) (*types.ProtocolMetrics, error) {
	payload, err := c.redis.Get(ctx, protocolMetricsKey(protocol))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached metrics: %w", err)
	}

	var metrics types.ProtocolMetrics
	if err := json.Unmarshal([]byte(payload), &metrics); err != nil {
		return nil, fmt.Errorf("failed to decode cached metrics: %w", err)
	}
	return &metrics, nil
}

// SetProtocolMetrics caches metrics for a protocol
func (c *MetricsCache) SetProtocolMetrics(ctx context.Context, metrics *types.ProtocolMetrics) error {
	payload, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	return c.redis.Set(ctx, protocolMetricsKey(metrics.Protocol), payload, c.ttl)
}

// GetSeries returns a cached metrics series, or (nil, nil) on a miss
func (c *MetricsCache) GetSeries(ctx context.Context, owner string, timeframe types.Timeframe) (*types.MetricsSeries, error) {
	payload, err := c.redis.Get(ctx, seriesKey(owner, timeframe))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached series: %w", err)
	}

	var series types.MetricsSeries
	if err := json.Unmarshal([]byte(payload), &series); err != nil {
		return nil, fmt.Errorf("failed to decode cached series: %w", err)
	}
	return &series, nil
}

// SetSeries caches a metrics series for its owner and timeframe
func (c *MetricsCache) SetSeries(ctx context.Context, series *types.MetricsSeries) error {
	payload, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("failed to encode series: %w", err)
	}
	return c.redis.Set(ctx, seriesKey(series.Owner, series.Timeframe), payload, c.ttl)
}

// InvalidateOwner drops all cached series for an owner, across timeframes
func (c *MetricsCache) InvalidateOwner(ctx context.Context, owner string) error {
	keys := make([]string, 0, 4)
	for _, tf := range []types.Timeframe{types.TimeframeDaily, types.TimeframeWeekly, types.TimeframeMonthly, types.TimeframeYearly} {
		keys = append(keys, seriesKey(owner, tf))
	}
	return c.redis.Del(ctx, keys...)
}
