package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/defi-aggregator/internal/types"
)

// ValuePoint is one portfolio value observation written by the indexer
type ValuePoint struct {
	Owner         string    `json:"owner"`
	Timestamp     time.Time `json:"timestamp"`
	ValueUSD      string    `json:"valueUsd"` // decimal string, exact
	PositionCount uint32    `json:"positionCount"`
	Networks      []string  `json:"networks"`
}

// MetricsRepository stores historical portfolio value points in ClickHouse
type MetricsRepository struct {
	db *ClickHouseDB
}

// NewMetricsRepository creates a new metrics repository
func NewMetricsRepository(db *ClickHouseDB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// RecordValuePoint writes one observation
func (r *MetricsRepository) RecordValuePoint(ctx context.Context, point *ValuePoint) error {
	query := `
		INSERT INTO portfolio_value_points (owner, timestamp, value_usd, position_count, networks)
		VALUES (?, ?, ?, ?, ?)
	`
	return r.db.Conn().Exec(ctx, query,
		strings.ToLower(point.Owner),
		point.Timestamp,
		point.ValueUSD,
		point.PositionCount,
		point.Networks,
	)
}

// RecordBatch writes multiple observations efficiently
func (r *MetricsRepository) RecordBatch(ctx context.Context, points []ValuePoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO portfolio_value_points (owner, timestamp, value_usd, position_count, networks)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, p := range points {
		if err := batch.Append(strings.ToLower(p.Owner), p.Timestamp, p.ValueUSD, p.PositionCount, p.Networks); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// GetSeries returns an owner's value points within the timeframe window,
// oldest first
func (r *MetricsRepository) GetSeries(ctx context.Context, owner string, timeframe types.Timeframe) ([]types.MetricPoint, error) {
	since := time.Now().UTC().Add(-timeframe.Window())

	query := `
		SELECT timestamp, value_usd
		FROM portfolio_value_points
		WHERE owner = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`
	rows, err := r.db.Conn().Query(ctx, query, strings.ToLower(owner), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query value points: %w", err)
	}
	defer rows.Close()

	var points []types.MetricPoint
	for rows.Next() {
		var p types.MetricPoint
		if err := rows.Scan(&p.Timestamp, &p.ValueUSD); err != nil {
			return nil, fmt.Errorf("failed to scan value point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// GetLatestPoint returns an owner's most recent observation, or nil
func (r *MetricsRepository) GetLatestPoint(ctx context.Context, owner string) (*types.MetricPoint, error) {
	query := `
		SELECT timestamp, value_usd
		FROM portfolio_value_points
		WHERE owner = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	rows, err := r.db.Conn().Query(ctx, query, strings.ToLower(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest point: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var p types.MetricPoint
	if err := rows.Scan(&p.Timestamp, &p.ValueUSD); err != nil {
		return nil, fmt.Errorf("failed to scan latest point: %w", err)
	}
	return &p, nil
}
