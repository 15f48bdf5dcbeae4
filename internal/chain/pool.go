// Package chain is the multi-chain access layer: per-network RPC endpoint
// pools with rate-limit failover, a process-scoped token metadata cache, and
// the read queries every other component uses for on-chain state.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/defi-aggregator/internal/config"
	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/types"
)

// Backend is the subset of ethclient used for read queries. Declared here so
// tests can substitute a fake chain.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// BackendProvider resolves a logical network name to a live backend
type BackendProvider interface {
	Backend(network types.Network) (Backend, error)
	ReportRateLimited(network types.Network)
}

// EndpointPool manages one network's RPC endpoints with failover on rate
// limiting. Strategy: stick to the current endpoint until a 429, then switch
// to the next one not in cooldown.
type EndpointPool struct {
	network      types.Network
	endpoints    []string
	clients      []*ethclient.Client
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time
	cooldownTime time.Duration
	logger       *logging.Logger
}

// NewEndpointPool connects to the first endpoint eagerly and the rest lazily
func NewEndpointPool(network types.Network, endpoints []string, logger *logging.Logger) (*EndpointPool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("network %s: at least one RPC endpoint is required", network)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	pool := &EndpointPool{
		network:      network,
		endpoints:    endpoints,
		clients:      make([]*ethclient.Client, len(endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: 60 * time.Second,
		logger:       logger.WithField("network", string(network)),
	}

	client, err := ethclient.Dial(endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("network %s: failed to connect to primary RPC endpoint: %w", network, err)
	}
	pool.clients[0] = client

	pool.logger.WithField("endpoints", len(endpoints)).Info("RPC endpoint pool initialized")
	return pool, nil
}

// Client returns the current active client
func (p *EndpointPool) Client() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[p.currentIndex]
}

// EndpointCount returns the number of endpoints in the pool
func (p *EndpointPool) EndpointCount() int {
	return len(p.endpoints)
}

// OnRateLimited marks the current endpoint as rate limited and switches to
// the next endpoint whose cooldown has expired. Returns an error when every
// endpoint is cooling down.
func (p *EndpointPool) OnRateLimited() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cooldowns[p.currentIndex] = time.Now()
	startIndex := p.currentIndex

	for i := 0; i < len(p.endpoints); i++ {
		nextIndex := (p.currentIndex + 1 + i) % len(p.endpoints)

		if limitedAt, exists := p.cooldowns[nextIndex]; exists {
			if time.Since(limitedAt) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, nextIndex)
		}

		if err := p.switchToEndpoint(nextIndex); err != nil {
			p.logger.WithError(err).WithField("endpoint", nextIndex).Warn("Failed to switch RPC endpoint")
			continue
		}

		p.logger.WithFields(map[string]interface{}{
			"from": startIndex,
			"to":   nextIndex,
		}).Info("Switched RPC endpoint after rate limit")
		return nil
	}

	return fmt.Errorf("network %s: all %d RPC endpoints are rate limited", p.network, len(p.endpoints))
}

// switchToEndpoint switches to a specific endpoint; caller holds p.mu
func (p *EndpointPool) switchToEndpoint(index int) error {
	if p.clients[index] == nil {
		client, err := ethclient.Dial(p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}
	p.currentIndex = index
	return nil
}

// TryResetToPrimary switches back to endpoint 0 once its cooldown expires.
// Call periodically to prefer the primary.
func (p *EndpointPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}
	if limitedAt, exists := p.cooldowns[0]; exists {
		if time.Since(limitedAt) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}
	if err := p.switchToEndpoint(0); err != nil {
		p.logger.WithError(err).Warn("Failed to reset to primary RPC endpoint")
		return false
	}
	return true
}

// Close closes all client connections
func (p *EndpointPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// IsRateLimitError reports whether an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// Pools holds one endpoint pool per configured network and implements
// BackendProvider for them.
type Pools struct {
	pools  map[types.Network]*EndpointPool
	logger *logging.Logger
}

// NewPools builds pools for every enabled network that has RPC endpoints
// configured. Networks without endpoints are skipped with a warning; reads
// against them fail with NetworkUnavailable.
func NewPools(cfg *config.Config, logger *logging.Logger) (*Pools, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	pools := make(map[types.Network]*EndpointPool)
	for name, nc := range cfg.Networks.Networks {
		network := types.Network(name)
		if len(nc.RPCEndpoints) == 0 {
			logger.WithField("network", name).Warn("No RPC endpoints configured, network disabled")
			continue
		}
		pool, err := NewEndpointPool(network, nc.RPCEndpoints, logger)
		if err != nil {
			return nil, err
		}
		pools[network] = pool
	}

	return &Pools{pools: pools, logger: logger}, nil
}

// Backend returns the active client for network
func (p *Pools) Backend(network types.Network) (Backend, error) {
	pool, ok := p.pools[network]
	if !ok {
		return nil, errors.NewNetworkUnavailableError(network)
	}
	return pool.Client(), nil
}

// ReportRateLimited triggers failover for network's pool
func (p *Pools) ReportRateLimited(network types.Network) {
	pool, ok := p.pools[network]
	if !ok {
		return
	}
	if err := pool.OnRateLimited(); err != nil {
		p.logger.WithError(err).WithField("network", string(network)).Warn("RPC failover exhausted")
	}
}

// Close closes every pool
func (p *Pools) Close() {
	for _, pool := range p.pools {
		pool.Close()
	}
}
