package worker

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defi-aggregator/internal/ledger"
	"github.com/defi-aggregator/internal/service"
	"github.com/defi-aggregator/internal/storage"
	"github.com/defi-aggregator/internal/types"
)

type memoryJournal struct {
	mu     sync.Mutex
	events []ledger.Event
	fails  int
}

func (j *memoryJournal) RecordEvent(ctx context.Context, event *ledger.Event, network types.Network) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fails > 0 {
		j.fails--
		return fmt.Errorf("journal temporarily unavailable")
	}
	j.events = append(j.events, *event)
	return nil
}

func (j *memoryJournal) recorded() []ledger.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]ledger.Event, len(j.events))
	copy(out, j.events)
	return out
}

type memoryRecorder struct {
	mu     sync.Mutex
	points []storage.ValuePoint
}

func (r *memoryRecorder) RecordValuePoint(ctx context.Context, point *storage.ValuePoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, *point)
	return nil
}

func (r *memoryRecorder) recorded() []storage.ValuePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.ValuePoint, len(r.points))
	copy(out, r.points)
	return out
}

type stubSnapshots struct{ snapshot *types.PortfolioSnapshot }

func (s *stubSnapshots) BuildSnapshot(ctx context.Context, owner string, opts service.SnapshotOptions) (*types.PortfolioSnapshot, error) {
	snap := *s.snapshot
	snap.Owner = owner
	return &snap, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestIndexerJournalsEvents(t *testing.T) {
	l := ledger.NewLedger(nil)
	journal := &memoryJournal{}

	indexer, err := NewLedgerIndexer(&LedgerIndexerConfig{
		Ledger:       l,
		Network:      types.NetworkEthereum,
		Journal:      journal,
		PollInterval: time.Hour, // keep the ticker out of this test
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, indexer.Start(ctx))
	defer indexer.Stop()

	_, err = l.AddPosition("0xowner", "T", big.NewInt(1), big.NewInt(1), "aave")
	require.NoError(t, err)
	require.NoError(t, l.RemovePosition("0xowner", 0))

	waitFor(t, 2*time.Second, func() bool { return len(journal.recorded()) == 2 })

	events := journal.recorded()
	assert.Equal(t, ledger.EventPositionAdded, events[0].Type)
	assert.Equal(t, ledger.EventPositionRemoved, events[1].Type)
	assert.Equal(t, []string{"0xowner"}, indexer.Owners())
}

func TestIndexerRetriesJournalFailures(t *testing.T) {
	l := ledger.NewLedger(nil)
	journal := &memoryJournal{fails: 2}

	indexer, err := NewLedgerIndexer(&LedgerIndexerConfig{
		Ledger:       l,
		Network:      types.NetworkEthereum,
		Journal:      journal,
		PollInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, indexer.Start(ctx))
	defer indexer.Stop()

	_, err = l.AddPosition("0xowner", "T", big.NewInt(1), big.NewInt(1), "aave")
	require.NoError(t, err)

	// two transient failures are absorbed by the retry
	waitFor(t, 5*time.Second, func() bool { return len(journal.recorded()) == 1 })
}

func TestIndexerRecordsValuePoints(t *testing.T) {
	l := ledger.NewLedger(nil)
	journal := &memoryJournal{}
	recorder := &memoryRecorder{}
	snapshots := &stubSnapshots{snapshot: &types.PortfolioSnapshot{
		TotalValueUSD:       "2000",
		ActivePositionCount: 1,
		NetworksTouched:     []types.Network{types.NetworkEthereum},
		LastUpdated:         time.Now().UTC(),
	}}

	indexer, err := NewLedgerIndexer(&LedgerIndexerConfig{
		Ledger:       l,
		Network:      types.NetworkEthereum,
		Journal:      journal,
		Recorder:     recorder,
		Snapshots:    snapshots,
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, indexer.Start(ctx))
	defer indexer.Stop()

	_, err = l.AddPosition("0xowner", "T", big.NewInt(1), big.NewInt(1), "aave")
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool { return len(recorder.recorded()) >= 1 })

	point := recorder.recorded()[0]
	assert.Equal(t, "0xowner", point.Owner)
	assert.Equal(t, "2000", point.ValueUSD)
	assert.Equal(t, uint32(1), point.PositionCount)
	assert.Equal(t, []string{"ethereum"}, point.Networks)
}

func TestIndexerRequiresJournal(t *testing.T) {
	_, err := NewLedgerIndexer(&LedgerIndexerConfig{Ledger: ledger.NewLedger(nil)})
	require.Error(t, err)
}

func TestIndexerRecorderRequiresSnapshots(t *testing.T) {
	_, err := NewLedgerIndexer(&LedgerIndexerConfig{
		Ledger:   ledger.NewLedger(nil),
		Journal:  &memoryJournal{},
		Recorder: &memoryRecorder{},
	})
	require.Error(t, err)
}

func TestIndexerDoubleStartFails(t *testing.T) {
	indexer, err := NewLedgerIndexer(&LedgerIndexerConfig{
		Ledger:       ledger.NewLedger(nil),
		Journal:      &memoryJournal{},
		PollInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, indexer.Start(ctx))
	defer indexer.Stop()

	assert.Error(t, indexer.Start(ctx))
}
