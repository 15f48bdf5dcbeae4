package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/types"
)

// fakeBackend answers eth_calls from a canned selector -> response table
type fakeBackend struct {
	responses map[string][]byte
	failures  map[string]error
	calls     atomic.Int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		responses: make(map[string][]byte),
		failures:  make(map[string]error),
	}
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls.Add(1)
	selector := hex.EncodeToString(msg.Data[:4])
	if err, ok := f.failures[selector]; ok {
		return nil, err
	}
	if resp, ok := f.responses[selector]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("unexpected call %s", selector)
}

func (f *fakeBackend) stub(t *testing.T, contractABI abi.ABI, method string, values ...interface{}) {
	t.Helper()
	m, ok := contractABI.Methods[method]
	require.True(t, ok, "unknown method %s", method)
	packed, err := m.Outputs.Pack(values...)
	require.NoError(t, err)
	f.responses[hex.EncodeToString(m.ID)] = packed
}

func (f *fakeBackend) fail(t *testing.T, contractABI abi.ABI, method string, err error) {
	t.Helper()
	m, ok := contractABI.Methods[method]
	require.True(t, ok, "unknown method %s", method)
	f.failures[hex.EncodeToString(m.ID)] = err
}

// fakeProvider serves one backend per network
type fakeProvider struct {
	backends    map[types.Network]*fakeBackend
	rateLimited []types.Network
}

func (p *fakeProvider) Backend(network types.Network) (Backend, error) {
	backend, ok := p.backends[network]
	if !ok {
		return nil, errors.NewNetworkUnavailableError(network)
	}
	return backend, nil
}

func (p *fakeProvider) ReportRateLimited(network types.Network) {
	p.rateLimited = append(p.rateLimited, network)
}

func newTestClient(t *testing.T) (*Client, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	provider := &fakeProvider{backends: map[types.Network]*fakeBackend{
		types.NetworkEthereum: backend,
	}}
	client, err := NewClient(provider, NewTokenCache(), nil)
	require.NoError(t, err)
	return client, backend
}

func TestGetTokenInfo(t *testing.T) {
	client, backend := newTestClient(t)
	backend.stub(t, client.erc20, "symbol", "WETH")
	backend.stub(t, client.erc20, "decimals", uint8(18))
	supply, _ := new(big.Int).SetString("3000000000000000000000000", 10)
	backend.stub(t, client.erc20, "totalSupply", supply)

	info, err := client.GetTokenInfo(context.Background(), "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", types.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, "WETH", info.Symbol)
	assert.Equal(t, uint8(18), info.Decimals)
	assert.Equal(t, supply.String(), info.TotalSupply)
	assert.Equal(t, types.NetworkEthereum, info.Network)

	// second lookup serves from cache, no further backend traffic
	callsAfterFirst := backend.calls.Load()
	_, err = client.GetTokenInfo(context.Background(), "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", types.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, backend.calls.Load())
}

func TestGetTokenInfoPartialFailureCachesNothing(t *testing.T) {
	client, backend := newTestClient(t)
	backend.stub(t, client.erc20, "symbol", "USDC")
	backend.stub(t, client.erc20, "totalSupply", big.NewInt(1))
	backend.fail(t, client.erc20, "decimals", fmt.Errorf("execution reverted"))

	_, err := client.GetTokenInfo(context.Background(), "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", types.NetworkEthereum)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTokenReadError))
	assert.Equal(t, 0, client.TokenCache().Len())
}

func TestGetTokenInfoUnknownNetwork(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.GetTokenInfo(context.Background(), "0x01", types.NetworkBase)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNetworkUnavailable))
}

func TestGetPoolInfo(t *testing.T) {
	client, backend := newTestClient(t)

	// both pool tokens share the ERC20 stubs; symbol differs per address is
	// not observable through the selector table, which is fine here
	backend.stub(t, client.erc20, "symbol", "WETH")
	backend.stub(t, client.erc20, "decimals", uint8(18))
	backend.stub(t, client.erc20, "totalSupply", big.NewInt(1000))

	token0 := common.HexToAddress("0x01")
	token1 := common.HexToAddress("0x02")
	backend.stub(t, client.pair, "token0", token0)
	backend.stub(t, client.pair, "token1", token1)
	reserve0, _ := new(big.Int).SetString("123456789012345678901", 10)
	reserve1 := big.NewInt(987654321)
	backend.stub(t, client.pair, "getReserves", reserve0, reserve1, uint32(1700000000))

	pool, err := client.GetPoolInfo(context.Background(), "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc", types.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901", pool.Reserve0)
	assert.Equal(t, "987654321", pool.Reserve1)
	assert.Equal(t, "WETH", pool.Token0.Symbol)
	assert.Equal(t, types.NetworkEthereum, pool.Network)

	// token metadata for both sides landed in the cache
	assert.Equal(t, 2, client.TokenCache().Len())
}

func TestGetLendingAccountInfo(t *testing.T) {
	client, backend := newTestClient(t)

	collateral := big.NewInt(150000000000)                                       // 1500.0 at 8 decimals
	debt := big.NewInt(50000000000)                                              // 500.0
	borrow := big.NewInt(25000000000)                                            // 250.0
	healthFactor, _ := new(big.Int).SetString("2500000000000000000", 10)         // 2.5 wad
	liquidityRate, _ := new(big.Int).SetString("32500000000000000000000000", 10) // 0.0325 ray
	borrowRate, _ := new(big.Int).SetString("54000000000000000000000000", 10)

	backend.stub(t, client.lending, "getUserAccountData",
		collateral, debt, borrow, big.NewInt(8250), big.NewInt(8000), healthFactor)
	backend.stub(t, client.lending, "getReserveRates", liquidityRate, borrowRate)

	info, err := client.GetLendingAccountInfo(context.Background(),
		"0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2",
		"0x1234567890abcdef1234567890abcdef12345678",
		types.NetworkEthereum)
	require.NoError(t, err)

	assert.Equal(t, "1500", info.TotalCollateralUSD)
	assert.Equal(t, "500", info.TotalDebtUSD)
	assert.Equal(t, "250", info.AvailableBorrowUSD)
	assert.Equal(t, "2.5", info.HealthFactor)
	assert.Equal(t, "0.0325", info.LiquidityRate)
	assert.Equal(t, "0.054", info.VariableBorrowRate)
}

func TestRateLimitTriggersFailoverReport(t *testing.T) {
	backend := newFakeBackend()
	provider := &fakeProvider{backends: map[types.Network]*fakeBackend{
		types.NetworkEthereum: backend,
	}}
	client, err := NewClient(provider, NewTokenCache(), nil)
	require.NoError(t, err)

	backend.fail(t, client.erc20, "symbol", fmt.Errorf("429 too many requests"))
	backend.stub(t, client.erc20, "decimals", uint8(6))
	backend.stub(t, client.erc20, "totalSupply", big.NewInt(1))

	_, err = client.GetTokenInfo(context.Background(), "0x03", types.NetworkEthereum)
	require.Error(t, err)
	assert.Contains(t, provider.rateLimited, types.NetworkEthereum)
}
