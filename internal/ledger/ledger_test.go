package ledger

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defi-aggregator/internal/errors"
)

const (
	testOwner = "0x1234567890abcdef1234567890abcdef12345678"
	testToken = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid test amount: " + s)
	}
	return v
}

func TestAddPosition(t *testing.T) {
	l := NewLedger(nil)

	index, err := l.AddPosition(testOwner, testToken, wei("1000000000000000000"), wei("2000000000000000000000"), "Aave")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), index)
	assert.Equal(t, 1, l.GetPositionCount(testOwner))

	pos, err := l.GetPosition(testOwner, 0)
	require.NoError(t, err)
	assert.True(t, pos.Active)
	assert.Equal(t, "Aave", pos.ProtocolLabel)
	assert.Equal(t, "1000000000000000000", pos.Amount.String())
	assert.Equal(t, "2000000000000000000000", pos.EntryPrice.String())
	assert.False(t, pos.EntryTimestamp.IsZero())

	// indices are the per-owner append order
	index, err = l.AddPosition(testOwner, testToken, wei("5"), wei("1"), "Lido")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)
}

func TestAddPositionOverflow(t *testing.T) {
	l := NewLedger(nil)

	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)

	_, err := l.AddPosition(testOwner, testToken, tooBig, wei("1"), "Aave")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodePositionOverflow))
	assert.Equal(t, 0, l.GetPositionCount(testOwner))

	_, err = l.AddPosition(testOwner, testToken, wei("1"), big.NewInt(-1), "Aave")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodePositionOverflow))
	assert.Equal(t, 0, l.GetPositionCount(testOwner))

	_, err = l.AddPosition(testOwner, testToken, nil, wei("1"), "Aave")
	assert.True(t, errors.IsCode(err, errors.CodePositionOverflow))
	assert.Equal(t, 0, l.GetPositionCount(testOwner))
}

func TestRemovePosition(t *testing.T) {
	l := NewLedger(nil)

	_, err := l.AddPosition(testOwner, testToken, wei("1000000000000000000"), wei("2000000000000000000000"), "Aave")
	require.NoError(t, err)

	require.NoError(t, l.RemovePosition(testOwner, 0))
	assert.Equal(t, 0, l.GetPositionCount(testOwner))
	assert.Empty(t, l.GetAllPositions(testOwner))

	// historical record retained after soft delete
	pos, err := l.GetPosition(testOwner, 0)
	require.NoError(t, err)
	assert.False(t, pos.Active)
	assert.Equal(t, "1000000000000000000", pos.Amount.String())

	// inactive is terminal
	err = l.RemovePosition(testOwner, 0)
	assert.True(t, errors.IsCode(err, errors.CodePositionInactive))

	err = l.RemovePosition(testOwner, 5)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidPositionID))
}

func TestSoftDeleteIsPermanent(t *testing.T) {
	l := NewLedger(nil)

	for i := 0; i < 5; i++ {
		_, err := l.AddPosition(testOwner, testToken, wei("100"), wei("200"), "Uniswap")
		require.NoError(t, err)
	}

	require.NoError(t, l.RemovePosition(testOwner, 2))

	for call := 0; call < 3; call++ {
		positions := l.GetAllPositions(testOwner)
		assert.Len(t, positions, 4)
		for _, pos := range positions {
			assert.NotEqual(t, uint64(2), pos.Index)
			assert.True(t, pos.Active)
		}
	}

	// updating a removed position does not resurrect it
	err := l.UpdatePosition(testOwner, 2, wei("1"), wei("1"))
	assert.True(t, errors.IsCode(err, errors.CodePositionInactive))
	assert.Equal(t, 4, l.GetPositionCount(testOwner))
}

func TestUpdatePosition(t *testing.T) {
	l := NewLedger(nil)

	_, err := l.AddPosition(testOwner, testToken, wei("100"), wei("200"), "Compound")
	require.NoError(t, err)
	before, _ := l.GetPosition(testOwner, 0)

	require.NoError(t, l.UpdatePosition(testOwner, 0, wei("150"), wei("250")))

	after, err := l.GetPosition(testOwner, 0)
	require.NoError(t, err)
	assert.Equal(t, "150", after.Amount.String())
	assert.Equal(t, "250", after.EntryPrice.String())
	// protocol label and entry timestamp are immutable
	assert.Equal(t, before.ProtocolLabel, after.ProtocolLabel)
	assert.Equal(t, before.EntryTimestamp, after.EntryTimestamp)

	err = l.UpdatePosition(testOwner, 3, wei("1"), wei("1"))
	assert.True(t, errors.IsCode(err, errors.CodeInvalidPositionID))

	err = l.UpdatePosition(testOwner, 0, new(big.Int).Lsh(big.NewInt(1), 257), wei("1"))
	assert.True(t, errors.IsCode(err, errors.CodePositionOverflow))
}

func TestCountMatchesActiveList(t *testing.T) {
	l := NewLedger(nil)

	for i := 0; i < 10; i++ {
		_, err := l.AddPosition(testOwner, testToken, wei("10"), wei("20"), "Curve")
		require.NoError(t, err)
	}
	for _, idx := range []uint64{1, 4, 7} {
		require.NoError(t, l.RemovePosition(testOwner, idx))
	}

	assert.Equal(t, len(l.GetAllPositions(testOwner)), l.GetPositionCount(testOwner))
	assert.Equal(t, 7, l.GetPositionCount(testOwner))
}

func TestGetAllPositionsAppendOrder(t *testing.T) {
	l := NewLedger(nil)

	labels := []string{"Aave", "Compound", "Uniswap"}
	for _, label := range labels {
		_, err := l.AddPosition(testOwner, testToken, wei("1"), wei("1"), label)
		require.NoError(t, err)
	}

	positions := l.GetAllPositions(testOwner)
	require.Len(t, positions, 3)
	for i, pos := range positions {
		assert.Equal(t, labels[i], pos.ProtocolLabel)
		assert.Equal(t, uint64(i), pos.Index)
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	l := NewLedger(nil)
	other := "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"

	_, err := l.AddPosition(testOwner, testToken, wei("1"), wei("1"), "Aave")
	require.NoError(t, err)
	_, err = l.AddPosition(other, testToken, wei("2"), wei("2"), "Lido")
	require.NoError(t, err)

	assert.Equal(t, 1, l.GetPositionCount(testOwner))
	assert.Equal(t, 1, l.GetPositionCount(other))

	// owner lookup is case-insensitive
	assert.Equal(t, 1, l.GetPositionCount("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"))

	require.NoError(t, l.RemovePosition(testOwner, 0))
	assert.Equal(t, 1, l.GetPositionCount(other))
}

func TestReturnedPositionsAreCopies(t *testing.T) {
	l := NewLedger(nil)

	_, err := l.AddPosition(testOwner, testToken, wei("100"), wei("200"), "Aave")
	require.NoError(t, err)

	positions := l.GetAllPositions(testOwner)
	positions[0].Amount.SetInt64(999)

	pos, err := l.GetPosition(testOwner, 0)
	require.NoError(t, err)
	assert.Equal(t, "100", pos.Amount.String())
}

func TestEvents(t *testing.T) {
	l := NewLedger(nil)

	events, cancel := l.Subscribe(8)
	defer cancel()

	_, err := l.AddPosition(testOwner, testToken, wei("100"), wei("200"), "Aave")
	require.NoError(t, err)
	require.NoError(t, l.UpdatePosition(testOwner, 0, wei("150"), wei("200")))
	require.NoError(t, l.RemovePosition(testOwner, 0))

	expected := []EventType{EventPositionAdded, EventPositionUpdated, EventPositionRemoved}
	for _, want := range expected {
		select {
		case evt := <-events:
			assert.Equal(t, want, evt.Type)
			assert.Equal(t, testOwner, evt.Owner)
			assert.Equal(t, uint64(0), evt.Index)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestSlowSubscriberDoesNotBlockMutations(t *testing.T) {
	l := NewLedger(nil)

	// never drained; buffer of 1 fills immediately
	_, cancel := l.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_, err := l.AddPosition(testOwner, testToken, wei("1"), wei("1"), "Aave")
			assert.NoError(t, err)
		}
		close(done)
	}()

	select {
	case <-done:
		assert.Equal(t, 10, l.GetPositionCount(testOwner))
	case <-time.After(2 * time.Second):
		t.Fatal("mutations blocked by slow subscriber")
	}
}

func TestConcurrentMutations(t *testing.T) {
	l := NewLedger(nil)

	const writers = 8
	const perWriter = 25

	done := make(chan struct{}, writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			owner := fmt.Sprintf("0x%040d", w)
			for i := 0; i < perWriter; i++ {
				_, err := l.AddPosition(owner, testToken, wei("1"), wei("1"), "Aave")
				assert.NoError(t, err)
			}
			done <- struct{}{}
		}(w)
	}
	for w := 0; w < writers; w++ {
		<-done
	}

	for w := 0; w < writers; w++ {
		owner := fmt.Sprintf("0x%040d", w)
		assert.Equal(t, perWriter, l.GetPositionCount(owner))
		assert.Len(t, l.GetAllPositions(owner), perWriter)
	}
}
