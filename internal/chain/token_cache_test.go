package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defi-aggregator/internal/types"
)

func wethInfo() *types.TokenInfo {
	return &types.TokenInfo{
		Address:     "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
		Symbol:      "WETH",
		Decimals:    18,
		TotalSupply: "3000000000000000000000000",
		Network:     types.NetworkEthereum,
	}
}

func TestGetOrFetchCachesFirstResult(t *testing.T) {
	cache := NewTokenCache()
	fetches := 0

	fetch := func(ctx context.Context) (*types.TokenInfo, error) {
		fetches++
		return wethInfo(), nil
	}

	info, err := cache.GetOrFetch(context.Background(), types.NetworkEthereum, "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", fetch)
	require.NoError(t, err)
	assert.Equal(t, "WETH", info.Symbol)

	// same address, different case: hit
	_, err = cache.GetOrFetch(context.Background(), types.NetworkEthereum, "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)

	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestGetOrFetchKeysByNetwork(t *testing.T) {
	cache := NewTokenCache()
	fetches := 0

	fetch := func(ctx context.Context) (*types.TokenInfo, error) {
		fetches++
		return wethInfo(), nil
	}

	_, err := cache.GetOrFetch(context.Background(), types.NetworkEthereum, "0xabc", fetch)
	require.NoError(t, err)
	_, err = cache.GetOrFetch(context.Background(), types.NetworkPolygon, "0xabc", fetch)
	require.NoError(t, err)

	assert.Equal(t, 2, fetches)
	assert.Equal(t, 2, cache.Len())
}

func TestConcurrentMissesTriggerSingleFetch(t *testing.T) {
	cache := NewTokenCache()

	var fetches atomic.Int64
	fetch := func(ctx context.Context) (*types.TokenInfo, error) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond) // hold the flight open so waiters pile up
		return wethInfo(), nil
	}

	const callers = 16
	results := make([]*types.TokenInfo, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.GetOrFetch(context.Background(), types.NetworkEthereum, "0xc02a", fetch)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetches.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		// every caller converges on the identical cached value
		assert.Same(t, results[0], results[i])
	}
}

func TestFailedFetchIsNotCached(t *testing.T) {
	cache := NewTokenCache()
	fetches := 0

	_, err := cache.GetOrFetch(context.Background(), types.NetworkEthereum, "0xbad", func(ctx context.Context) (*types.TokenInfo, error) {
		fetches++
		return nil, fmt.Errorf("rpc timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len())

	// next call retries and can succeed
	info, err := cache.GetOrFetch(context.Background(), types.NetworkEthereum, "0xbad", func(ctx context.Context) (*types.TokenInfo, error) {
		fetches++
		return wethInfo(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "WETH", info.Symbol)
	assert.Equal(t, 2, fetches)
}

func TestWaiterHonorsContextCancellation(t *testing.T) {
	cache := NewTokenCache()

	release := make(chan struct{})
	go func() {
		_, _ = cache.GetOrFetch(context.Background(), types.NetworkEthereum, "0xslow", func(ctx context.Context) (*types.TokenInfo, error) {
			<-release
			return wethInfo(), nil
		})
	}()

	// let the owner register its flight
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := cache.GetOrFetch(ctx, types.NetworkEthereum, "0xslow", func(ctx context.Context) (*types.TokenInfo, error) {
		t.Error("waiter must not fetch")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
