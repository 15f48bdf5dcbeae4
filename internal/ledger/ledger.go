// Package ledger implements the authoritative position ledger: an append-only,
// per-owner arena of positions with soft deletes. A position moves through
// nonexistent -> active -> inactive and never back; removed positions keep
// their amount and entry price as historical record.
package ledger

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/numeric"
)

// Position is one ledger entry. Identity is (owner, Index); indices are the
// append order for that owner and are never reused or reordered.
type Position struct {
	Index          uint64
	Owner          string
	Token          string
	Amount         *big.Int
	EntryPrice     *big.Int
	EntryTimestamp time.Time
	ProtocolLabel  string
	Active         bool
}

// clone returns a defensive copy so callers cannot mutate ledger state
func (p *Position) clone() Position {
	out := *p
	out.Amount = new(big.Int).Set(p.Amount)
	out.EntryPrice = new(big.Int).Set(p.EntryPrice)
	return out
}

// EventType identifies a ledger mutation
type EventType string

const (
	EventPositionAdded   EventType = "PositionAdded"
	EventPositionRemoved EventType = "PositionRemoved"
	EventPositionUpdated EventType = "PositionUpdated"
)

// Event is emitted after every successful mutation. Position is a snapshot of
// the entry after the mutation applied.
type Event struct {
	Type      EventType
	Owner     string
	Index     uint64
	Position  Position
	EmittedAt time.Time
}

type subscriber struct {
	id int
	ch chan Event
}

// Ledger is the in-process position store. Safe for concurrent use; it is the
// sole writer of position state.
type Ledger struct {
	mu           sync.RWMutex
	arenas       map[string][]*Position
	activeCounts map[string]int

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int

	logger *logging.Logger
}

// NewLedger creates an empty ledger
func NewLedger(logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Ledger{
		arenas:       make(map[string][]*Position),
		activeCounts: make(map[string]int),
		logger:       logger.WithField("component", "ledger"),
	}
}

func ownerKey(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

// AddPosition appends a new active position for owner and returns its index.
// Amount and entry price must fit the ledger's unsigned 256-bit representation;
// on overflow nothing is appended.
func (l *Ledger) AddPosition(owner, token string, amount, entryPrice *big.Int, protocolLabel string) (uint64, error) {
	if err := validateUint256("amount", amount); err != nil {
		return 0, err
	}
	if err := validateUint256("entryPrice", entryPrice); err != nil {
		return 0, err
	}

	key := ownerKey(owner)

	l.mu.Lock()
	index := uint64(len(l.arenas[key]))
	pos := &Position{
		Index:          index,
		Owner:          key,
		Token:          token,
		Amount:         new(big.Int).Set(amount),
		EntryPrice:     new(big.Int).Set(entryPrice),
		EntryTimestamp: time.Now().UTC(),
		ProtocolLabel:  protocolLabel,
		Active:         true,
	}
	l.arenas[key] = append(l.arenas[key], pos)
	l.activeCounts[key]++
	snapshot := pos.clone()
	l.mu.Unlock()

	l.logger.WithFields(map[string]interface{}{
		"owner":    key,
		"index":    index,
		"token":    token,
		"protocol": protocolLabel,
	}).Info("Position added")

	l.publish(Event{Type: EventPositionAdded, Owner: key, Index: index, Position: snapshot, EmittedAt: snapshot.EntryTimestamp})
	return index, nil
}

// RemovePosition soft-deletes the position at index. The entry keeps its
// amount and entry price; only Active flips, permanently.
func (l *Ledger) RemovePosition(owner string, index uint64) error {
	key := ownerKey(owner)

	l.mu.Lock()
	pos, err := l.activeLocked(key, index)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	pos.Active = false
	l.activeCounts[key]--
	snapshot := pos.clone()
	l.mu.Unlock()

	l.logger.WithFields(map[string]interface{}{
		"owner": key,
		"index": index,
	}).Info("Position removed")

	l.publish(Event{Type: EventPositionRemoved, Owner: key, Index: index, Position: snapshot, EmittedAt: time.Now().UTC()})
	return nil
}

// UpdatePosition overwrites amount and entry price of an active position.
// Protocol label and entry timestamp are immutable.
func (l *Ledger) UpdatePosition(owner string, index uint64, newAmount, newEntryPrice *big.Int) error {
	if err := validateUint256("amount", newAmount); err != nil {
		return err
	}
	if err := validateUint256("entryPrice", newEntryPrice); err != nil {
		return err
	}

	key := ownerKey(owner)

	l.mu.Lock()
	pos, err := l.activeLocked(key, index)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	pos.Amount = new(big.Int).Set(newAmount)
	pos.EntryPrice = new(big.Int).Set(newEntryPrice)
	snapshot := pos.clone()
	l.mu.Unlock()

	l.logger.WithFields(map[string]interface{}{
		"owner": key,
		"index": index,
	}).Info("Position updated")

	l.publish(Event{Type: EventPositionUpdated, Owner: key, Index: index, Position: snapshot, EmittedAt: time.Now().UTC()})
	return nil
}

// GetPosition returns the position at index, active or not
func (l *Ledger) GetPosition(owner string, index uint64) (Position, error) {
	key := ownerKey(owner)

	l.mu.RLock()
	defer l.mu.RUnlock()

	arena := l.arenas[key]
	if index >= uint64(len(arena)) {
		return Position{}, errors.NewInvalidPositionIDError(key, index)
	}
	return arena[index].clone(), nil
}

// GetAllPositions returns the owner's active positions in append order. The
// returned slice is renumbered contiguously; use Position.Index for identity,
// not the slice offset.
func (l *Ledger) GetAllPositions(owner string) []Position {
	key := ownerKey(owner)

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Position, 0, l.activeCounts[key])
	for _, pos := range l.arenas[key] {
		if pos.Active {
			out = append(out, pos.clone())
		}
	}
	return out
}

// GetPositionCount returns the number of active positions for owner in O(1)
func (l *Ledger) GetPositionCount(owner string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeCounts[ownerKey(owner)]
}

// Subscribe registers for ledger events. Events are delivered best-effort on a
// buffered channel; a subscriber that falls behind loses events rather than
// blocking mutations. The returned func unsubscribes and closes the channel.
func (l *Ledger) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs = append(l.subs, subscriber{id: id, ch: ch})
	l.subMu.Unlock()

	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return ch, cancel
}

func (l *Ledger) publish(evt Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	for _, s := range l.subs {
		select {
		case s.ch <- evt:
		default:
			l.logger.WithFields(map[string]interface{}{
				"owner": evt.Owner,
				"type":  string(evt.Type),
			}).Warn("Dropping ledger event for slow subscriber")
		}
	}
}

// activeLocked resolves an index to its active position; caller holds l.mu
func (l *Ledger) activeLocked(key string, index uint64) (*Position, error) {
	arena := l.arenas[key]
	if index >= uint64(len(arena)) {
		return nil, errors.NewInvalidPositionIDError(key, index)
	}
	pos := arena[index]
	if !pos.Active {
		return nil, errors.NewPositionInactiveError(key, index)
	}
	return pos, nil
}

func validateUint256(field string, v *big.Int) error {
	if !numeric.FitsUint256(v) {
		return errors.NewPositionOverflowError(field)
	}
	return nil
}
