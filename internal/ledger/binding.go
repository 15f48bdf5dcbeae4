package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/defi-aggregator/internal/config"
	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/numeric"
	"github.com/defi-aggregator/internal/retry"
	"github.com/defi-aggregator/internal/types"
)

// contractABI covers the deployed ledger contract's mutation surface
const contractABI = `[
	{"name":"addPosition","type":"function","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"entryPrice","type":"uint256"},{"name":"protocolLabel","type":"string"}],"outputs":[{"name":"index","type":"uint256"}]},
	{"name":"removePosition","type":"function","inputs":[{"name":"index","type":"uint256"}],"outputs":[]},
	{"name":"updatePosition","type":"function","inputs":[{"name":"index","type":"uint256"},{"name":"newAmount","type":"uint256"},{"name":"newEntryPrice","type":"uint256"}],"outputs":[]}
]`

// placeholderContractAddress is the first address hardhat deploys to on a
// local devnet. Used only when no ledger address is configured outside
// production.
const placeholderContractAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// TransactionSender submits signed ledger transactions to a network
type TransactionSender interface {
	SubmitTransaction(ctx context.Context, network types.Network, to common.Address, calldata []byte) (common.Hash, error)
}

// ConfirmationReader reads receipts and chain heads for confirmation tracking
type ConfirmationReader interface {
	TransactionReceipt(ctx context.Context, network types.Network, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context, network types.Network) (uint64, error)
}

// Binding wraps the deployed ledger contract: it resolves per-network contract
// addresses, converts user decimal strings to the ledger's fixed-point
// integers, packs calldata, and tracks confirmation depth.
type Binding struct {
	addresses  map[types.Network]common.Address
	production bool
	parsedABI  abi.ABI
	sender     TransactionSender
	reader     ConfirmationReader
	logger     *logging.Logger
}

// NewBinding builds a Binding from the per-network ledger addresses in cfg
func NewBinding(cfg *config.Config, sender TransactionSender, reader ConfirmationReader, logger *logging.Logger) (*Binding, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger contract ABI: %w", err)
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

	return &Binding{
		addresses:  addresses,
		production: cfg.IsProduction(),
		parsedABI:  parsed,
		sender:     sender,
		reader:     reader,
		logger:     logger.WithField("component", "ledger_binding"),
	}, nil
}

// ContractAddress resolves the deployed ledger address for network. A missing
// address is a hard failure in production; in development it falls back to the
// local devnet placeholder with a visible warning.
func (b *Binding) ContractAddress(network types.Network) (common.Address, error) {
	if addr, ok := b.addresses[network]; ok {
		return addr, nil
	}
	if b.production {
		return common.Address{}, errors.NewNetworkUnavailableError(network)
	}

	b.logger.WithField("network", string(network)).
		Warn("No ledger contract address configured, falling back to local devnet placeholder")
	return common.HexToAddress(placeholderContractAddress), nil
}

// AddPosition converts the decimal amount and price strings to fixed-point
// integers (amount in the token's native decimals, price at 18 decimals),
// packs the addPosition call, and submits it.
func (b *Binding) AddPosition(ctx context.Context, network types.Network, token string, amount string, tokenDecimals uint8, entryPrice string, protocolLabel string) (common.Hash, error) {
	rawAmount, err := numeric.ParseUnits(amount, tokenDecimals)
	if err != nil {
		return common.Hash{}, errors.NewInvalidParameterError("amount", err.Error())
	}
	rawPrice, err := numeric.ParseWad(entryPrice)
	if err != nil {
		return common.Hash{}, errors.NewInvalidParameterError("entryPrice", err.Error())
	}
	if !numeric.FitsUint256(rawAmount) {
		return common.Hash{}, errors.NewPositionOverflowError("amount")
	}
	if !numeric.FitsUint256(rawPrice) {
		return common.Hash{}, errors.NewPositionOverflowError("entryPrice")
	}

	calldata, err := b.parsedABI.Pack("addPosition", common.HexToAddress(token), rawAmount, rawPrice, protocolLabel)
	if err != nil {
		return common.Hash{}, errors.NewInternalError("failed to pack addPosition calldata", err)
	}
	return b.submit(ctx, network, calldata, "addPosition")
}

// RemovePosition packs and submits a removePosition call
func (b *Binding) RemovePosition(ctx context.Context, network types.Network, index uint64) (common.Hash, error) {
	calldata, err := b.parsedABI.Pack("removePosition", new(big.Int).SetUint64(index))
	if err != nil {
		return common.Hash{}, errors.NewInternalError("failed to pack removePosition calldata", err)
	}
	return b.submit(ctx, network, calldata, "removePosition")
}

// UpdatePosition packs and submits an updatePosition call
func (b *Binding) UpdatePosition(ctx context.Context, network types.Network, index uint64, newAmount string, tokenDecimals uint8, newEntryPrice string) (common.Hash, error) {
	rawAmount, err := numeric.ParseUnits(newAmount, tokenDecimals)
	if err != nil {
		return common.Hash{}, errors.NewInvalidParameterError("newAmount", err.Error())
	}
	rawPrice, err := numeric.ParseWad(newEntryPrice)
	if err != nil {
		return common.Hash{}, errors.NewInvalidParameterError("newEntryPrice", err.Error())
	}
	if !numeric.FitsUint256(rawAmount) {
		return common.Hash{}, errors.NewPositionOverflowError("newAmount")
	}
	if !numeric.FitsUint256(rawPrice) {
		return common.Hash{}, errors.NewPositionOverflowError("newEntryPrice")
	}

	calldata, err := b.parsedABI.Pack("updatePosition", new(big.Int).SetUint64(index), rawAmount, rawPrice)
	if err != nil {
		return common.Hash{}, errors.NewInternalError("failed to pack updatePosition calldata", err)
	}
	return b.submit(ctx, network, calldata, "updatePosition")
}

func (b *Binding) submit(ctx context.Context, network types.Network, calldata []byte, method string) (common.Hash, error) {
	to, err := b.ContractAddress(network)
	if err != nil {
		return common.Hash{}, err
	}

	txHash, err := b.sender.SubmitTransaction(ctx, network, to, calldata)
	if err != nil {
		return common.Hash{}, errors.NewNetworkUnavailableError(network)
	}

	b.logger.WithFields(map[string]interface{}{
		"network": string(network),
		"method":  method,
		"txHash":  txHash.Hex(),
	}).Info("Ledger transaction submitted")
	return txHash, nil
}

// WaitForConfirmation blocks until txHash is buried under depth blocks
// (depth <= 0 means 1) or ctx expires. A reverted transaction is a terminal
// error, not a retry candidate.
func (b *Binding) WaitForConfirmation(ctx context.Context, network types.Network, txHash common.Hash, depth int) error {
	if depth <= 0 {
		depth = 1
	}

	cfg := &retry.Config{
		MaxAttempts:  30,
		InitialDelay: 2 * time.Second,
		MaxDelay:     15 * time.Second,
		Multiplier:   1.5,
	}

	var reverted error
	result := retry.WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		receipt, err := b.reader.TransactionReceipt(ctx, network, txHash)
		if err != nil {
			return fmt.Errorf("receipt not available yet: %w", err)
		}
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			// terminal: stop the retry loop, report below
			reverted = errors.NewInternalError(fmt.Sprintf("transaction %s reverted", txHash.Hex()), nil)
			return nil
		}

		head, err := b.reader.BlockNumber(ctx, network)
		if err != nil {
			return fmt.Errorf("failed to read chain head: %w", err)
		}
		mined := receipt.BlockNumber.Uint64()
		if head < mined {
			// lagging endpoint or reorg; the subtraction below would wrap
			return fmt.Errorf("chain head %d is behind transaction block %d", head, mined)
		}
		confirmations := head - mined + 1
		if confirmations < uint64(depth) {
			return fmt.Errorf("transaction has %d of %d confirmations", confirmations, depth)
		}
		return nil
	})

	if reverted != nil {
		return reverted
	}
	if !result.Success {
		return errors.NewNetworkUnavailableError(network)
	}

	b.logger.WithFields(map[string]interface{}{
		"network": string(network),
		"txHash":  txHash.Hex(),
		"depth":   depth,
	}).Info("Ledger transaction confirmed")
	return nil
}
