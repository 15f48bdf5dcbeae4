// Package protocols contains one adapter per supported external protocol
// index. Every adapter translates its protocol's native schema into the
// common NormalizedPosition / ProtocolMetrics shapes; the registry fans
// requests out across adapters with per-protocol failure isolation.
package protocols

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/defi-aggregator/internal/circuitbreaker"
	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/types"
)

// Adapter is the uniform surface every protocol index adapter exposes
type Adapter interface {
	Protocol() types.Protocol
	GetProtocolMetrics(ctx context.Context) (*types.ProtocolMetrics, error)
	GetUserPositions(ctx context.Context, userAddress string) ([]types.NormalizedPosition, error)
}

// Registry routes protocol labels to adapters. All external calls pass
// through a per-protocol circuit breaker; a query failure surfaces as
// SourceUnavailable, an unknown label as UnsupportedProtocol.
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.Protocol]Adapter
	breakers *circuitbreaker.Manager
	logger   *logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Registry{
		adapters: make(map[types.Protocol]Adapter),
		breakers: circuitbreaker.NewManager(),
		logger:   logger.WithField("component", "protocol_registry"),
	}
}

// Register adds an adapter, replacing any previous one for its protocol
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Protocol()] = adapter
}

// Protocols returns the registered protocol set
func (r *Registry) Protocols() []types.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Protocol, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// Resolve maps a protocol label (case-insensitive) to its adapter
func (r *Registry) Resolve(label string) (Adapter, error) {
	protocol, ok := types.ParseProtocol(label)
	if !ok {
		return nil, errors.NewUnsupportedProtocolError(label)
	}

	r.mu.RLock()
	adapter, registered := r.adapters[protocol]
	r.mu.RUnlock()
	if !registered {
		return nil, errors.NewUnsupportedProtocolError(label)
	}
	return adapter, nil
}

// GetProtocolMetrics queries one protocol's aggregate figures
func (r *Registry) GetProtocolMetrics(ctx context.Context, label string) (*types.ProtocolMetrics, error) {
	adapter, err := r.Resolve(label)
	if err != nil {
		return nil, err
	}

	var metrics *types.ProtocolMetrics
	breaker := r.breakers.GetOrCreate(string(adapter.Protocol()), nil)
	err = breaker.Execute(ctx, func() error {
		var qerr error
		metrics, qerr = adapter.GetProtocolMetrics(ctx)
		return qerr
	})
	if err != nil {
		return nil, errors.NewSourceUnavailableError(adapter.Protocol(), err)
	}
	return metrics, nil
}

// GetUserPositions queries one protocol's positions for a user
func (r *Registry) GetUserPositions(ctx context.Context, label, userAddress string) ([]types.NormalizedPosition, error) {
	adapter, err := r.Resolve(label)
	if err != nil {
		return nil, err
	}

	var positions []types.NormalizedPosition
	breaker := r.breakers.GetOrCreate(string(adapter.Protocol()), nil)
	err = breaker.Execute(ctx, func() error {
		var qerr error
		positions, qerr = adapter.GetUserPositions(ctx, userAddress)
		return qerr
	})
	if err != nil {
		return nil, errors.NewSourceUnavailableError(adapter.Protocol(), err)
	}
	return positions, nil
}

// FetchUserPositions queries the given protocols concurrently. A failing
// protocol contributes an entry in the failed map instead of aborting the
// others; the caller degrades that protocol to absence.
func (r *Registry) FetchUserPositions(ctx context.Context, protocols []types.Protocol, userAddress string) (map[types.Protocol][]types.NormalizedPosition, map[types.Protocol]error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[types.Protocol][]types.NormalizedPosition)
		failed  = make(map[types.Protocol]error)
	)

	for _, protocol := range protocols {
		wg.Add(1)
		go func(protocol types.Protocol) {
			defer wg.Done()

			positions, err := r.GetUserPositions(ctx, string(protocol), userAddress)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.WithError(err).WithField("protocol", string(protocol)).
					Warn("Protocol source degraded, omitting its contribution")
				failed[protocol] = err
				return
			}
			results[protocol] = positions
		}(protocol)
	}
	wg.Wait()

	return results, failed
}

// BreakerStats exposes circuit breaker state for the health endpoint
func (r *Registry) BreakerStats() map[string]*circuitbreaker.Stats {
	return r.breakers.GetAllStats()
}

// getJSON issues a GET and decodes the JSON response. Non-2xx statuses are
// errors; bodies are capped to guard against runaway responses.
func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// newHTTPClient builds the shared client used by adapters
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
