package ledger

import (
	"context"

	"github.com/defi-aggregator/internal/types"
)

// Entry is a ledger position tagged with the network it was read from
type Entry struct {
	Position
	Network types.Network
}

// LocalSource serves ledger reads from an in-process Ledger, tagging every
// entry with one fixed network. Used on devnets and in tests; production
// reads go through the on-chain reader.
type LocalSource struct {
	ledger  *Ledger
	network types.Network
}

// NewLocalSource wraps l as a position source on network
func NewLocalSource(l *Ledger, network types.Network) *LocalSource {
	return &LocalSource{ledger: l, network: network}
}

// ActivePositions returns the owner's active positions. A networks filter
// that excludes this source's network yields an empty result.
func (s *LocalSource) ActivePositions(ctx context.Context, owner string, networks []types.Network) ([]Entry, error) {
	if len(networks) > 0 && !containsNetwork(networks, s.network) {
		return nil, nil
	}

	positions := s.ledger.GetAllPositions(owner)
	entries := make([]Entry, 0, len(positions))
	for _, pos := range positions {
		entries = append(entries, Entry{Position: pos, Network: s.network})
	}
	return entries, nil
}

// ActivePositionCount returns the owner's active position count
func (s *LocalSource) ActivePositionCount(ctx context.Context, owner string) (int, error) {
	return s.ledger.GetPositionCount(owner), nil
}

func containsNetwork(networks []types.Network, network types.Network) bool {
	for _, n := range networks {
		if n == network {
			return true
		}
	}
	return false
}
