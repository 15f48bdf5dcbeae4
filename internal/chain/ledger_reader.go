package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/defi-aggregator/internal/config"
	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/ledger"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/types"
)

// ledgerReadABI covers the deployed ledger contract's read surface
const ledgerReadABI = `[
	{"name":"getPosition","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"type":"tuple","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"entryPrice","type":"uint256"},{"name":"entryTimestamp","type":"uint256"},{"name":"protocolLabel","type":"string"},{"name":"active","type":"bool"},{"name":"index","type":"uint256"}]}]},
	{"name":"getAllPositions","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"tuple[]","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"entryPrice","type":"uint256"},{"name":"entryTimestamp","type":"uint256"},{"name":"protocolLabel","type":"string"},{"name":"active","type":"bool"},{"name":"index","type":"uint256"}]}]},
	{"name":"getPositionCount","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]}
]`

// contractPosition mirrors the contract's Position tuple layout
type contractPosition struct {
	Token          common.Address
	Amount         *big.Int
	EntryPrice     *big.Int
	EntryTimestamp *big.Int
	ProtocolLabel  string
	Active         bool
	Index          *big.Int
}

// LedgerReader reads deployed ledger contracts through eth_call. It serves
// the same position-source role as ledger.LocalSource but against real
// chains, one contract per network.
type LedgerReader struct {
	provider  BackendProvider
	addresses map[types.Network]common.Address
	parsedABI abi.ABI
	logger    *logging.Logger
}

// NewLedgerReader builds a reader for every network with a configured ledger
// contract address
func NewLedgerReader(cfg *config.Config, provider BackendProvider, logger *logging.Logger) (*LedgerReader, error) {
	parsed, err := abi.JSON(strings.NewReader(ledgerReadABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger read ABI: %w", err)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	addresses := make(map[types.Network]common.Address)
	for name, nc := range cfg.Networks.Networks {
		if nc.LedgerAddress != "" {
			addresses[types.Network(name)] = common.HexToAddress(nc.LedgerAddress)
		}
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("no ledger contract addresses configured")
	}

	return &LedgerReader{
		provider:  provider,
		addresses: addresses,
		parsedABI: parsed,
		logger:    logger.WithField("component", "ledger_reader"),
	}, nil
}

// Networks returns the networks this reader covers
func (r *LedgerReader) Networks() []types.Network {
	out := make([]types.Network, 0, len(r.addresses))
	for network := range r.addresses {
		out = append(out, network)
	}
	return out
}

// ActivePositions reads the owner's active positions from every covered
// network concurrently. A nil filter means all covered networks; a filter
// naming an uncovered network fails with NetworkUnavailable. Any network
// read failure aborts the whole call; the ledger is authoritative and a
// partial ledger view must not masquerade as complete.
func (r *LedgerReader) ActivePositions(ctx context.Context, owner string, networks []types.Network) ([]ledger.Entry, error) {
	targets, err := r.resolveTargets(networks)
	if err != nil {
		return nil, err
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		entries []ledger.Entry
		readErr error
	)

	for _, network := range targets {
		wg.Add(1)
		go func(network types.Network) {
			defer wg.Done()

			networkEntries, err := r.readAllPositions(ctx, owner, network)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if readErr == nil {
					readErr = err
				}
				return
			}
			entries = append(entries, networkEntries...)
		}(network)
	}
	wg.Wait()

	if readErr != nil {
		return nil, readErr
	}
	return entries, nil
}

// ActivePositionCount sums getPositionCount across all covered networks
func (r *LedgerReader) ActivePositionCount(ctx context.Context, owner string) (int, error) {
	total := 0
	for network, contract := range r.addresses {
		backend, err := r.provider.Backend(network)
		if err != nil {
			return 0, err
		}

		values, err := r.call(ctx, backend, network, contract, "getPositionCount", common.HexToAddress(owner))
		if err != nil {
			return 0, errors.NewNetworkUnavailableError(network)
		}
		count, ok := values[0].(*big.Int)
		if !ok {
			return 0, errors.NewNetworkUnavailableError(network)
		}
		total += int(count.Int64())
	}
	return total, nil
}

func (r *LedgerReader) resolveTargets(networks []types.Network) ([]types.Network, error) {
	if len(networks) == 0 {
		return r.Networks(), nil
	}

	targets := make([]types.Network, 0, len(networks))
	for _, network := range networks {
		if _, ok := r.addresses[network]; !ok {
			return nil, errors.NewNetworkUnavailableError(network)
		}
		targets = append(targets, network)
	}
	return targets, nil
}

func (r *LedgerReader) readAllPositions(ctx context.Context, owner string, network types.Network) ([]ledger.Entry, error) {
	backend, err := r.provider.Backend(network)
	if err != nil {
		return nil, err
	}

	contract := r.addresses[network]
	values, err := r.call(ctx, backend, network, contract, "getAllPositions", common.HexToAddress(owner))
	if err != nil {
		r.logger.WithError(err).WithField("network", string(network)).Error("Ledger read failed")
		return nil, errors.NewNetworkUnavailableError(network)
	}
	if len(values) == 0 {
		return nil, errors.NewNetworkUnavailableError(network)
	}

	raw := *abi.ConvertType(values[0], new([]contractPosition)).(*[]contractPosition)

	entries := make([]ledger.Entry, 0, len(raw))
	for _, cp := range raw {
		if !cp.Active {
			// the contract already filters, but tolerate older deployments
			continue
		}
		entries = append(entries, ledger.Entry{
			Network: network,
			Position: ledger.Position{
				Index:          cp.Index.Uint64(),
				Owner:          strings.ToLower(owner),
				Token:          strings.ToLower(cp.Token.Hex()),
				Amount:         cp.Amount,
				EntryPrice:     cp.EntryPrice,
				EntryTimestamp: time.Unix(cp.EntryTimestamp.Int64(), 0).UTC(),
				ProtocolLabel:  cp.ProtocolLabel,
				Active:         cp.Active,
			},
		})
	}
	return entries, nil
}

func (r *LedgerReader) call(ctx context.Context, backend Backend, network types.Network, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := r.parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	raw, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if IsRateLimitError(err) {
			r.provider.ReportRateLimited(network)
		}
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	return r.parsedABI.Unpack(method, raw)
}
