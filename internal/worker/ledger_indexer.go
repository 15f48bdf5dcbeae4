// Package worker runs the background ledger indexer: it journals ledger
// events into Postgres and writes periodic portfolio value points into
// ClickHouse for the metrics series.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/defi-aggregator/internal/ledger"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/retry"
	"github.com/defi-aggregator/internal/service"
	"github.com/defi-aggregator/internal/storage"
	"github.com/defi-aggregator/internal/types"
)

// EventJournal persists ledger events; the Postgres repository satisfies it
type EventJournal interface {
	RecordEvent(ctx context.Context, event *ledger.Event, network types.Network) error
}

// ValueRecorder persists portfolio value points; the ClickHouse repository
// satisfies it
type ValueRecorder interface {
	RecordValuePoint(ctx context.Context, point *storage.ValuePoint) error
}

// SnapshotBuilder produces the snapshot a value point is derived from
type SnapshotBuilder interface {
	BuildSnapshot(ctx context.Context, owner string, opts service.SnapshotOptions) (*types.PortfolioSnapshot, error)
}

// LedgerIndexerConfig holds configuration for the ledger indexer
type LedgerIndexerConfig struct {
	Ledger       *ledger.Ledger
	Network      types.Network
	Journal      EventJournal
	Recorder     ValueRecorder // optional; no value points are written without it
	Snapshots    SnapshotBuilder
	PollInterval time.Duration
	Logger       *logging.Logger
}

// LedgerIndexer consumes the ledger event stream and maintains the derived
// stores. Events are journaled as they arrive; value points are written on
// a fixed cadence for every owner seen so far.
type LedgerIndexer struct {
	ledger       *ledger.Ledger
	network      types.Network
	journal      EventJournal
	recorder     ValueRecorder
	snapshots    SnapshotBuilder
	pollInterval time.Duration
	logger       *logging.Logger

	mu      sync.Mutex
	owners  map[string]struct{}
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLedgerIndexer creates a ledger indexer
func NewLedgerIndexer(cfg *LedgerIndexerConfig) (*LedgerIndexer, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("event journal cannot be nil")
	}
	if cfg.Recorder != nil && cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot builder is required when a value recorder is configured")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &LedgerIndexer{
		ledger:       cfg.Ledger,
		network:      cfg.Network,
		journal:      cfg.Journal,
		recorder:     cfg.Recorder,
		snapshots:    cfg.Snapshots,
		pollInterval: pollInterval,
		logger:       logger.WithField("component", "ledger_indexer"),
		owners:       make(map[string]struct{}),
	}, nil
}

// Start begins consuming events and writing value points until Stop or
// context cancellation
func (w *LedgerIndexer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("indexer already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	events, cancel := w.ledger.Subscribe(256)

	go func() {
		defer close(w.doneCh)
		defer cancel()

		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		w.logger.WithField("pollInterval", w.pollInterval.String()).Info("Ledger indexer started")

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				w.handleEvent(ctx, evt)
			case <-ticker.C:
				w.recordValuePoints(ctx)
			}
		}
	}()

	return nil
}

// Stop halts the indexer and waits for the loop to drain
func (w *LedgerIndexer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	w.logger.Info("Ledger indexer stopped")
}

// handleEvent journals one event, retrying transient failures
func (w *LedgerIndexer) handleEvent(ctx context.Context, evt ledger.Event) {
	w.mu.Lock()
	w.owners[evt.Owner] = struct{}{}
	w.mu.Unlock()

	cfg := &retry.Config{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		OnlyRetryable: false,
	}
	result := retry.WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		return w.journal.RecordEvent(ctx, &evt, w.network)
	})
	if !result.Success {
		w.logger.WithError(result.LastError).WithFields(map[string]interface{}{
			"owner": evt.Owner,
			"index": evt.Index,
			"type":  string(evt.Type),
		}).Error("Failed to journal ledger event")
	}
}

// recordValuePoints writes one observation per known owner
func (w *LedgerIndexer) recordValuePoints(ctx context.Context) {
	if w.recorder == nil {
		return
	}

	w.mu.Lock()
	owners := make([]string, 0, len(w.owners))
	for owner := range w.owners {
		owners = append(owners, owner)
	}
	w.mu.Unlock()

	for _, owner := range owners {
		snapshot, err := w.snapshots.BuildSnapshot(ctx, owner, service.SnapshotOptions{})
		if err != nil {
			w.logger.WithError(err).WithField("owner", owner).Warn("Skipping value point, snapshot failed")
			continue
		}

		networks := make([]string, 0, len(snapshot.NetworksTouched))
		for _, n := range snapshot.NetworksTouched {
			networks = append(networks, string(n))
		}

		point := &storage.ValuePoint{
			Owner:         owner,
			Timestamp:     snapshot.LastUpdated,
			ValueUSD:      snapshot.TotalValueUSD,
			PositionCount: uint32(snapshot.ActivePositionCount), // #nosec G115 - position counts are small
			Networks:      networks,
		}
		if err := w.recorder.RecordValuePoint(ctx, point); err != nil {
			w.logger.WithError(err).WithField("owner", owner).Error("Failed to record value point")
		}
	}
}

// Owners returns the set of owners seen so far; used by the health endpoint
func (w *LedgerIndexer) Owners() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.owners))
	for owner := range w.owners {
		out = append(out, owner)
	}
	return out
}
