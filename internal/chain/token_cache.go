package chain

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/defi-aggregator/internal/types"
)

// FetchFunc populates a cache entry on miss
type FetchFunc func(ctx context.Context) (*types.TokenInfo, error)

// TokenCache is a process-scoped, append-only cache of token metadata keyed
// by (network, address). Entries are immutable after first write and never
// evicted; the token address space is finite and metadata does not change.
// Concurrent misses for one key are coalesced into a single fetch.
type TokenCache struct {
	mu      sync.RWMutex
	entries map[string]*types.TokenInfo

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	inflightMu sync.Mutex
	inflight   map[string]*inflightFetch
}

// inflightFetch is one in-progress cache population. done is closed once
// info/err are set; every waiter reads them afterwards.
type inflightFetch struct {
	done chan struct{}
	info *types.TokenInfo
	err  error
}

// NewTokenCache creates an empty token cache. Construct one per process and
// inject it; tests get isolation by constructing fresh caches.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		entries:  make(map[string]*types.TokenInfo),
		inflight: make(map[string]*inflightFetch),
	}
}

func cacheKey(network types.Network, address string) string {
	return string(network) + ":" + strings.ToLower(address)
}

// GetOrFetch returns the cached entry for (network, address) or populates it
// via fetch. Failed fetches cache nothing, so a later call retries.
func (c *TokenCache) GetOrFetch(ctx context.Context, network types.Network, address string, fetch FetchFunc) (*types.TokenInfo, error) {
	key := cacheKey(network, address)

	c.mu.RLock()
	info, found := c.entries[key]
	c.mu.RUnlock()
	if found {
		c.cacheHits.Add(1)
		return info, nil
	}

	c.cacheMisses.Add(1)

	flight, isOwner := c.getOrCreateInflight(key)
	if !isOwner {
		select {
		case <-flight.done:
			return flight.info, flight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	info, err := fetch(ctx)
	if err == nil {
		c.mu.Lock()
		// a concurrent writer for the same key stores an identical value,
		// so last-write-wins is benign
		c.entries[key] = info
		c.mu.Unlock()
	}

	c.completeInflight(key, flight, info, err)
	return info, err
}

// Get returns a cached entry without fetching
func (c *TokenCache) Get(network types.Network, address string) (*types.TokenInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, found := c.entries[cacheKey(network, address)]
	return info, found
}

// Len returns the number of cached tokens
func (c *TokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit/miss counters
func (c *TokenCache) Stats() (hits, misses int64) {
	return c.cacheHits.Load(), c.cacheMisses.Load()
}

// getOrCreateInflight atomically checks for or creates an in-flight fetch.
// The second return reports whether the caller owns the fetch.
func (c *TokenCache) getOrCreateInflight(key string) (*inflightFetch, bool) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()

	if flight, exists := c.inflight[key]; exists {
		return flight, false
	}
	flight := &inflightFetch{done: make(chan struct{})}
	c.inflight[key] = flight
	return flight, true
}

// completeInflight publishes the fetch result to all waiters and cleans up
func (c *TokenCache) completeInflight(key string, flight *inflightFetch, info *types.TokenInfo, err error) {
	flight.info = info
	flight.err = err

	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()

	close(flight.done)
}
