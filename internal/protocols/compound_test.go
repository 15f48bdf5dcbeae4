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

func newCompoundTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ctoken", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"cToken": [
				{
					"symbol": "cUSDC",
					"total_supply_usd": {"value": "1200000000.5"},
					"total_borrow_usd": {"value": "400000000"},
					"comp_supply_speed": {"value": "0.25"}
				},
				{
					"symbol": "cDAI",
					"total_supply_usd": {"value": "800000000.25"},
					"total_borrow_usd": {"value": "300000000"},
					"comp_supply_speed": {"value": "0.15"}
				}
			],
			"meta": {"unique_suppliers": 310000}
		}`))
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0xabc", r.URL.Query().Get("addresses[]"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"accounts": [
				{
					"address": "0xabc",
					"health": {"value": "4"},
					"tokens": [
						{
							"symbol": "cDAI",
							"underlying_symbol": "DAI",
							"underlying_decimals": 18,
							"underlying_address": "0x6b17",
							"supply_balance_underlying_raw": "2500000000000000000000",
							"borrow_balance_underlying_raw": "0",
							"supply_rate": {"value": "0.028"},
							"borrow_rate": {"value": "0.041"},
							"supply_balance_underlying_usd": {"value": "2500"}
						},
						{
							"symbol": "cWBTC",
							"underlying_symbol": "WBTC",
							"underlying_decimals": 8,
							"underlying_address": "0x2260",
							"supply_balance_underlying_raw": "0",
							"borrow_balance_underlying_raw": "0",
							"supply_rate": {"value": "0.001"},
							"borrow_rate": {"value": "0.03"},
							"supply_balance_underlying_usd": {"value": "0"}
						}
					]
				}
			]
		}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestCompoundGetProtocolMetrics(t *testing.T) {
	server := newCompoundTestServer(t)
	adapter := NewCompoundAdapter(server.URL, 5*time.Second, nil)

	metrics, err := adapter.GetProtocolMetrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.ProtocolCompound, metrics.Protocol)
	// summed exactly, fractional parts preserved
	assert.Equal(t, "2000000000.75", metrics.TVLUSD)
	assert.Equal(t, int64(310000), metrics.UserCount)
	require.NotNil(t, metrics.Compound)
	assert.Equal(t, "2000000000.75", metrics.Compound.TotalSupplyUSD)
	assert.Equal(t, "700000000", metrics.Compound.TotalBorrowUSD)
	assert.Equal(t, "0.4", metrics.Compound.CompSpeed)
	assert.Equal(t, 2, metrics.Compound.MarketCount)
}

func TestCompoundGetUserPositions(t *testing.T) {
	server := newCompoundTestServer(t)
	adapter := NewCompoundAdapter(server.URL, 5*time.Second, nil)

	positions, err := adapter.GetUserPositions(context.Background(), "0xabc")
	require.NoError(t, err)

	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, types.ProtocolCompound, p.SourceProtocol)
	assert.Equal(t, "0x6b17", p.PoolOrMarketID)
	assert.Equal(t, []string{"DAI"}, p.AssetSymbols)
	assert.Equal(t, "2500000000000000000000", p.RawBalances["DAI"])
	assert.Equal(t, "2500", p.Balances["DAI"])
	assert.Equal(t, "2500", p.ValueUSD)
	assert.Equal(t, "0.028", p.Metrics.SupplyRate)
	assert.Equal(t, "25", p.Metrics.RiskFactor)
}

func TestCompoundNoAccounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accounts": []}`))
	}))
	defer server.Close()

	adapter := NewCompoundAdapter(server.URL, 5*time.Second, nil)
	positions, err := adapter.GetUserPositions(context.Background(), "0xnew")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSumDecimalStrings(t *testing.T) {
	tests := []struct {
		name     string
		values   []string
		expected string
	}{
		{"empty", nil, "0"},
		{"blanks skipped", []string{"", "1.5", ""}, "1.5"},
		{"fractions carry", []string{"0.6", "0.7"}, "1.3"},
		{"large exact", []string{"1200000000.5", "800000000.25"}, "2000000000.75"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum, err := sumDecimalStrings(tt.values)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sum)
		})
	}

	_, err := sumDecimalStrings([]string{"not-a-number"})
	assert.Error(t, err)
}
