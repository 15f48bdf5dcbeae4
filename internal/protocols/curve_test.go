package protocols

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defi-aggregator/internal/types"
)

func newCurveTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/getOverview", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"success": true,
			"data": {
				"poolCount": 312,
				"tvlUsd": 1850000000.5,
				"volume24hUsd": 95000000,
				"crvPriceUsd": 0.42
			}
		}`))
	})
	mux.HandleFunc("/getUserBalances/0xabc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// unstaked 1000 LP + 3000 staked in the gauge, pool supply 80000:
		// the user owns 5% of a three-coin pool
		w.Write([]byte(`{
			"success": true,
			"data": {
				"balances": [
					{
						"pool": {
							"address": "0x3pool",
							"name": "DAI/USDC/USDT",
							"coins": [
								{"symbol": "DAI", "decimals": 18, "poolBalance": "100000000000000000000000"},
								{"symbol": "USDC", "decimals": 6, "poolBalance": "120000000000"},
								{"symbol": "USDT", "decimals": 6, "poolBalance": "80000000000"}
							],
							"usdTotal": 300000,
							"totalSupply": "80000000000000000000000"
						},
						"lpBalance": "1000000000000000000000",
						"gaugeStake": "3000000000000000000000"
					}
				]
			}
		}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestCurveGetProtocolMetrics(t *testing.T) {
	server := newCurveTestServer(t)
	adapter := NewCurveAdapter(server.URL, 5*time.Second, nil)

	metrics, err := adapter.GetProtocolMetrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.ProtocolCurve, metrics.Protocol)
	// json.Number preserves the wire text exactly
	assert.Equal(t, "1850000000.5", metrics.TVLUSD)
	assert.Equal(t, "95000000", metrics.Volume24hUSD)
	require.NotNil(t, metrics.Curve)
	assert.Equal(t, 312, metrics.Curve.PoolCount)
	assert.Equal(t, "0.42", metrics.Curve.CRVPriceUSD)
}

func TestCurveGetUserPositions(t *testing.T) {
	server := newCurveTestServer(t)
	adapter := NewCurveAdapter(server.URL, 5*time.Second, nil)

	positions, err := adapter.GetUserPositions(context.Background(), "0xabc")
	require.NoError(t, err)

	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, types.ProtocolCurve, p.SourceProtocol)
	assert.Equal(t, "0x3pool", p.PoolOrMarketID)
	assert.Equal(t, []string{"DAI", "USDC", "USDT"}, p.AssetSymbols)

	// gauge stake counts toward the share: (1000+3000)/80000 = 5%
	assert.Equal(t, "0.05", p.Metrics.LiquidityShare)
	assert.Equal(t, "5000000000000000000000", p.RawBalances["DAI"])
	assert.Equal(t, "5000", p.Balances["DAI"])
	assert.Equal(t, "6000000000", p.RawBalances["USDC"])
	assert.Equal(t, "6000", p.Balances["USDC"])
	assert.Equal(t, "4000", p.Balances["USDT"])

	// 5% of $300000
	assert.Equal(t, "15000", p.ValueUSD)
	assert.Equal(t, "10", p.Metrics.RiskFactor)
}

func TestCurveEnvelopeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": false, "err": "pool registry syncing"}`))
	}))
	defer server.Close()

	adapter := NewCurveAdapter(server.URL, 5*time.Second, nil)
	_, err := adapter.GetUserPositions(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool registry syncing")
}

func TestCurveZeroBalanceSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"success": true,
			"data": {
				"balances": [
					{
						"pool": {
							"address": "0xempty",
							"coins": [{"symbol": "DAI", "decimals": 18, "poolBalance": "1"}],
							"usdTotal": 1,
							"totalSupply": "1"
						},
						"lpBalance": "0"
					}
				]
			}
		}`))
	}))
	defer server.Close()

	adapter := NewCurveAdapter(server.URL, 5*time.Second, nil)
	positions, err := adapter.GetUserPositions(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Empty(t, positions)
}
