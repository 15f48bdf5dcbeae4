package storage

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/defi-aggregator/internal/ledger"
	"github.com/defi-aggregator/internal/types"
)

func TestRecordEventRejectsMissingPayload(t *testing.T) {
	repo := NewPositionEventRepository(nil)
	ctx := context.Background()

	err := repo.RecordEvent(ctx, nil, types.NetworkEthereum)
	assert.Error(t, err)

	// A zero-value position snapshot has no amount or price to journal.
	err = repo.RecordEvent(ctx, &ledger.Event{
		Type:      ledger.EventPositionAdded,
		Owner:     "0xabc",
		EmittedAt: time.Now().UTC(),
	}, types.NetworkEthereum)
	assert.Error(t, err)

	err = repo.RecordEvent(ctx, &ledger.Event{
		Type:  ledger.EventPositionAdded,
		Owner: "0xabc",
		Position: ledger.Position{
			Token:  "WETH",
			Amount: big.NewInt(1),
		},
		EmittedAt: time.Now().UTC(),
	}, types.NetworkEthereum)
	assert.Error(t, err, "entry price missing")
}
