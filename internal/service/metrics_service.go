package service

import (
	"context"
	"time"

	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/types"
)

// MetricsReader queries one protocol's aggregate figures; the protocol
// registry satisfies it.
type MetricsReader interface {
	GetProtocolMetrics(ctx context.Context, label string) (*types.ProtocolMetrics, error)
}

// MetricsCacheStore is the short-TTL cache in front of protocol metrics
// and series queries. May be nil when no cache is configured.
type MetricsCacheStore interface {
	GetProtocolMetrics(ctx context.Context, protocol types.Protocol) (*types.ProtocolMetrics, error)
	SetProtocolMetrics(ctx context.Context, metrics *types.ProtocolMetrics) error
	GetSeries(ctx context.Context, owner string, timeframe types.Timeframe) (*types.MetricsSeries, error)
	SetSeries(ctx context.Context, series *types.MetricsSeries) error
}

// MetricsService serves historical value series and protocol-wide metrics.
// Series run on their own refresh cadence and may be stale relative to
// snapshot positions; LastUpdated makes the staleness visible.
type MetricsService struct {
	series SeriesReader
	reader MetricsReader
	cache  MetricsCacheStore
	logger *logging.Logger
}

// NewMetricsService creates a metrics service; cache may be nil
func NewMetricsService(series SeriesReader, reader MetricsReader, cache MetricsCacheStore, logger *logging.Logger) *MetricsService {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &MetricsService{
		series: series,
		reader: reader,
		cache:  cache,
		logger: logger.WithField("component", "metrics_service"),
	}
}

// GetSeries returns an owner's value series for the timeframe, cache-first
func (s *MetricsService) GetSeries(ctx context.Context, owner string, timeframe types.Timeframe) (*types.MetricsSeries, error) {
	if s.cache != nil {
		cached, err := s.cache.GetSeries(ctx, owner, timeframe)
		if err != nil {
			s.logger.WithError(err).Warn("Series cache read failed, falling through to store")
		} else if cached != nil {
			return cached, nil
		}
	}

	points, err := s.series.GetSeries(ctx, owner, timeframe)
	if err != nil {
		return nil, err
	}

	series := &types.MetricsSeries{
		Owner:       owner,
		Timeframe:   timeframe,
		Points:      points,
		LastUpdated: time.Now().UTC(),
	}

	if s.cache != nil {
		if err := s.cache.SetSeries(ctx, series); err != nil {
			s.logger.WithError(err).Warn("Series cache write failed")
		}
	}
	return series, nil
}

// GetProtocolMetrics returns one protocol's aggregate figures, cache-first
func (s *MetricsService) GetProtocolMetrics(ctx context.Context, label string) (*types.ProtocolMetrics, error) {
	if s.cache != nil {
		if protocol, ok := types.ParseProtocol(label); ok {
			cached, err := s.cache.GetProtocolMetrics(ctx, protocol)
			if err != nil {
				s.logger.WithError(err).Warn("Metrics cache read failed, falling through to adapter")
			} else if cached != nil {
				return cached, nil
			}
		}
	}

	metrics, err := s.reader.GetProtocolMetrics(ctx, label)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetProtocolMetrics(ctx, metrics); err != nil {
			s.logger.WithError(err).Warn("Metrics cache write failed")
		}
	}
	return metrics, nil
}
