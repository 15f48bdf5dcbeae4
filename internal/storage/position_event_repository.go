package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/defi-aggregator/internal/ledger"
	"github.com/defi-aggregator/internal/types"
)

// PositionEventRecord is one journaled ledger event. The journal is
// append-only: events are never updated or deleted once recorded.
type PositionEventRecord struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	PositionIndex uint64    `json:"positionIndex"`
	EventType     string    `json:"eventType"`
	Token         string    `json:"token"`
	Amount        string    `json:"amount"`     // native integer string
	EntryPrice    string    `json:"entryPrice"` // 18-decimal fixed point integer string
	ProtocolLabel string    `json:"protocolLabel"`
	Network       string    `json:"network"`
	EmittedAt     time.Time `json:"emittedAt"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// PositionEventRepository journals ledger events into Postgres
type PositionEventRepository struct {
	db *PostgresDB
}

// NewPositionEventRepository creates a new position event repository
func NewPositionEventRepository(db *PostgresDB) *PositionEventRepository {
	return &PositionEventRepository{db: db}
}

// RecordEvent journals one ledger event
func (r *PositionEventRepository) RecordEvent(ctx context.Context, event *ledger.Event, network types.Network) error {
	if event == nil || event.Position.Amount == nil || event.Position.EntryPrice == nil {
		return fmt.Errorf("event has no position payload")
	}

	query := `
		INSERT INTO position_events (id, owner, position_index, event_type, token, amount, entry_price, protocol_label, network, emitted_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Pool().Exec(ctx, query,
		uuid.New().String(),
		strings.ToLower(event.Owner),
		event.Index,
		string(event.Type),
		strings.ToLower(event.Position.Token),
		event.Position.Amount.String(),
		event.Position.EntryPrice.String(),
		event.Position.ProtocolLabel,
		string(network),
		event.EmittedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record position event: %w", err)
	}
	return nil
}

// GetEventsByOwner returns an owner's journaled events, oldest first
func (r *PositionEventRepository) GetEventsByOwner(ctx context.Context, owner string, limit int) ([]PositionEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, owner, position_index, event_type, token, amount, entry_price, protocol_label, network, emitted_at, recorded_at
		FROM position_events
		WHERE owner = $1
		ORDER BY emitted_at ASC, recorded_at ASC
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, strings.ToLower(owner), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query position events: %w", err)
	}
	defer rows.Close()

	var events []PositionEventRecord
	for rows.Next() {
		var e PositionEventRecord
		if err := rows.Scan(&e.ID, &e.Owner, &e.PositionIndex, &e.EventType, &e.Token,
			&e.Amount, &e.EntryPrice, &e.ProtocolLabel, &e.Network, &e.EmittedAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEventsByPosition returns the full event history of one position
func (r *PositionEventRepository) GetEventsByPosition(ctx context.Context, owner string, index uint64) ([]PositionEventRecord, error) {
	query := `
		SELECT id, owner, position_index, event_type, token, amount, entry_price, protocol_label, network, emitted_at, recorded_at
		FROM position_events
		WHERE owner = $1 AND position_index = $2
		ORDER BY emitted_at ASC, recorded_at ASC
	`
	rows, err := r.db.Pool().Query(ctx, query, strings.ToLower(owner), index)
	if err != nil {
		return nil, fmt.Errorf("failed to query position events: %w", err)
	}
	defer rows.Close()

	var events []PositionEventRecord
	for rows.Next() {
		var e PositionEventRecord
		if err := rows.Scan(&e.ID, &e.Owner, &e.PositionIndex, &e.EventType, &e.Token,
			&e.Amount, &e.EntryPrice, &e.ProtocolLabel, &e.Network, &e.EmittedAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsByOwner returns the journal depth for an owner
func (r *PositionEventRepository) CountEventsByOwner(ctx context.Context, owner string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM position_events WHERE owner = $1`
	if err := r.db.Pool().QueryRow(ctx, query, strings.ToLower(owner)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count position events: %w", err)
	}
	return count, nil
}
