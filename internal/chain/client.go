package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/numeric"
	"github.com/defi-aggregator/internal/types"
)

const erc20ABI = `[
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]}
]`

const pairABI = `[
	{"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"getReserves","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]}
]`

const lendingABI = `[
	{"name":"getUserAccountData","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},{"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}]},
	{"name":"getReserveRates","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"liquidityRate","type":"uint256"},{"name":"variableBorrowRate","type":"uint256"}]}
]`

const (
	// lending account figures are denominated in the pool's base currency
	baseCurrencyDecimals = 8
	// rates come back ray-scaled
	rayDecimals = 27
)

// Client answers the three on-chain read queries: token metadata (cached),
// pool reserve state, and lending account state. Reserve and account state
// are never cached; staleness there is safety-relevant.
type Client struct {
	provider BackendProvider
	tokens   *TokenCache
	logger   *logging.Logger

	erc20   abi.ABI
	pair    abi.ABI
	lending abi.ABI
}

// NewClient creates a chain client over provider with the given token cache
func NewClient(provider BackendProvider, tokens *TokenCache, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if tokens == nil {
		tokens = NewTokenCache()
	}

	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	pair, err := abi.JSON(strings.NewReader(pairABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pair ABI: %w", err)
	}
	lending, err := abi.JSON(strings.NewReader(lendingABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse lending ABI: %w", err)
	}

	return &Client{
		provider: provider,
		tokens:   tokens,
		logger:   logger.WithField("component", "chain_client"),
		erc20:    erc20,
		pair:     pair,
		lending:  lending,
	}, nil
}

// TokenCache exposes the injected cache, mainly for stats endpoints
func (c *Client) TokenCache() *TokenCache {
	return c.tokens
}

// GetTokenInfo resolves token metadata cache-first. On a miss the symbol,
// decimals and totalSupply reads run concurrently; if any of them fails the
// whole lookup fails with TokenReadError and nothing is cached.
func (c *Client) GetTokenInfo(ctx context.Context, address string, network types.Network) (*types.TokenInfo, error) {
	backend, err := c.provider.Backend(network)
	if err != nil {
		return nil, err
	}

	return c.tokens.GetOrFetch(ctx, network, address, func(ctx context.Context) (*types.TokenInfo, error) {
		return c.fetchTokenInfo(ctx, backend, address, network)
	})
}

func (c *Client) fetchTokenInfo(ctx context.Context, backend Backend, address string, network types.Network) (*types.TokenInfo, error) {
	token := common.HexToAddress(address)

	var (
		wg          sync.WaitGroup
		symbol      string
		decimals    uint8
		totalSupply *big.Int
		errs        [3]error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		errs[0] = c.callUnpack(ctx, backend, network, c.erc20, token, "symbol", &symbol)
	}()
	go func() {
		defer wg.Done()
		errs[1] = c.callUnpack(ctx, backend, network, c.erc20, token, "decimals", &decimals)
	}()
	go func() {
		defer wg.Done()
		errs[2] = c.callUnpack(ctx, backend, network, c.erc20, token, "totalSupply", &totalSupply)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, errors.NewTokenReadError(address, network, err)
		}
	}

	return &types.TokenInfo{
		Address:     strings.ToLower(address),
		Symbol:      symbol,
		Decimals:    decimals,
		TotalSupply: totalSupply.String(),
		Network:     network,
	}, nil
}

// GetPoolInfo reads an AMM pool's token addresses, reserves and total supply
// concurrently, then resolves both tokens through the metadata cache.
// Reserves stay in native integer units.
func (c *Client) GetPoolInfo(ctx context.Context, poolAddress string, network types.Network) (*types.PoolInfo, error) {
	backend, err := c.provider.Backend(network)
	if err != nil {
		return nil, err
	}

	pool := common.HexToAddress(poolAddress)

	var (
		wg          sync.WaitGroup
		token0Addr  common.Address
		token1Addr  common.Address
		reserves    []interface{}
		totalSupply *big.Int
		errs        [4]error
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		errs[0] = c.callUnpack(ctx, backend, network, c.pair, pool, "token0", &token0Addr)
	}()
	go func() {
		defer wg.Done()
		errs[1] = c.callUnpack(ctx, backend, network, c.pair, pool, "token1", &token1Addr)
	}()
	go func() {
		defer wg.Done()
		reserves, errs[2] = c.call(ctx, backend, network, c.pair, pool, "getReserves")
	}()
	go func() {
		defer wg.Done()
		errs[3] = c.callUnpack(ctx, backend, network, c.pair, pool, "totalSupply", &totalSupply)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, errors.NewTokenReadError(poolAddress, network, err)
		}
	}
	if len(reserves) < 2 {
		return nil, errors.NewTokenReadError(poolAddress, network, fmt.Errorf("getReserves returned %d values", len(reserves)))
	}

	token0, err := c.GetTokenInfo(ctx, token0Addr.Hex(), network)
	if err != nil {
		return nil, err
	}
	token1, err := c.GetTokenInfo(ctx, token1Addr.Hex(), network)
	if err != nil {
		return nil, err
	}

	reserve0, ok0 := reserves[0].(*big.Int)
	reserve1, ok1 := reserves[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, errors.NewTokenReadError(poolAddress, network, fmt.Errorf("unexpected reserve types"))
	}

	return &types.PoolInfo{
		Address:     strings.ToLower(poolAddress),
		Network:     network,
		Token0:      *token0,
		Token1:      *token1,
		Reserve0:    reserve0.String(),
		Reserve1:    reserve1.String(),
		TotalSupply: totalSupply.String(),
	}, nil
}

// GetLendingAccountInfo reads a user's account risk figures and one reserve's
// rate figures from a lending pool. Never cached. All figures come back as
// native fixed-point integers and leave as decimal strings.
func (c *Client) GetLendingAccountInfo(ctx context.Context, poolAddress, userAddress string, network types.Network) (*types.LendingInfo, error) {
	backend, err := c.provider.Backend(network)
	if err != nil {
		return nil, err
	}

	pool := common.HexToAddress(poolAddress)
	user := common.HexToAddress(userAddress)

	var (
		wg      sync.WaitGroup
		account []interface{}
		rates   []interface{}
		errs    [2]error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		account, errs[0] = c.call(ctx, backend, network, c.lending, pool, "getUserAccountData", user)
	}()
	go func() {
		defer wg.Done()
		// rate figures are read for the pool's own reserve entry
		rates, errs[1] = c.call(ctx, backend, network, c.lending, pool, "getReserveRates", pool)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, errors.NewTokenReadError(poolAddress, network, err)
		}
	}
	if len(account) < 6 || len(rates) < 2 {
		return nil, errors.NewTokenReadError(poolAddress, network, fmt.Errorf("unexpected lending pool response shape"))
	}

	collateral, debt, borrow := account[0].(*big.Int), account[1].(*big.Int), account[2].(*big.Int)
	healthFactor := account[5].(*big.Int)
	liquidityRate, borrowRate := rates[0].(*big.Int), rates[1].(*big.Int)

	return &types.LendingInfo{
		Pool:               strings.ToLower(poolAddress),
		User:               strings.ToLower(userAddress),
		Network:            network,
		TotalCollateralUSD: numeric.FormatUnits(collateral, baseCurrencyDecimals),
		TotalDebtUSD:       numeric.FormatUnits(debt, baseCurrencyDecimals),
		AvailableBorrowUSD: numeric.FormatUnits(borrow, baseCurrencyDecimals),
		HealthFactor:       numeric.FormatWad(healthFactor),
		LiquidityRate:      numeric.FormatUnits(liquidityRate, rayDecimals),
		VariableBorrowRate: numeric.FormatUnits(borrowRate, rayDecimals),
	}, nil
}

// call issues one eth_call and unpacks all outputs
func (c *Client) call(ctx context.Context, backend Backend, network types.Network, contractABI abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	raw, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if IsRateLimitError(err) {
			c.provider.ReportRateLimited(network)
		}
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return out, nil
}

// callUnpack issues one eth_call for a single-output method
func (c *Client) callUnpack(ctx context.Context, backend Backend, network types.Network, contractABI abi.ABI, to common.Address, method string, out interface{}) error {
	values, err := c.call(ctx, backend, network, contractABI, to, method)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("%s returned no values", method)
	}
	return assign(out, values[0])
}

func assign(dst interface{}, value interface{}) error {
	switch d := dst.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		*d = v
	case *uint8:
		v, ok := value.(uint8)
		if !ok {
			return fmt.Errorf("expected uint8, got %T", value)
		}
		*d = v
	case **big.Int:
		v, ok := value.(*big.Int)
		if !ok {
			return fmt.Errorf("expected *big.Int, got %T", value)
		}
		*d = v
	case *common.Address:
		v, ok := value.(common.Address)
		if !ok {
			return fmt.Errorf("expected address, got %T", value)
		}
		*d = v
	default:
		return fmt.Errorf("unsupported output type %T", dst)
	}
	return nil
}
