package protocols

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/numeric"
	"github.com/defi-aggregator/internal/types"
)

// UniswapAdapter reads the Uniswap subgraph gateway. Responses arrive inside
// a graph-style data envelope with numeric fields as strings; token decimals
// come back as strings too and are parsed defensively.
type UniswapAdapter struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// NewUniswapAdapter creates an adapter against baseURL
func NewUniswapAdapter(baseURL string, timeout time.Duration, logger *logging.Logger) *UniswapAdapter {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &UniswapAdapter{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
		logger:  logger.WithField("adapter", "uniswap"),
	}
}

// Protocol returns the adapter's protocol tag
func (a *UniswapAdapter) Protocol() types.Protocol {
	return types.ProtocolUniswap
}

type uniswapToken struct {
	Symbol   string `json:"symbol"`
	Decimals string `json:"decimals"` // subgraph serializes numbers as strings
}

type uniswapPair struct {
	ID          string       `json:"id"`
	Token0      uniswapToken `json:"token0"`
	Token1      uniswapToken `json:"token1"`
	Reserve0Raw string       `json:"reserve0Raw"` // raw integer, token0 decimals
	Reserve1Raw string       `json:"reserve1Raw"`
	TotalSupply string       `json:"totalSupply"` // raw integer, 18 decimals
	ReserveUSD  string       `json:"reserveUSD"`  // decimal string
}

type uniswapOverviewResponse struct {
	Data struct {
		UniswapFactories []struct {
			PairCount          int    `json:"pairCount"`
			TotalVolumeUSD     string `json:"totalVolumeUSD"`
			UntrackedVolumeUSD string `json:"untrackedVolumeUSD"`
			TotalLiquidityUSD  string `json:"totalLiquidityUSD"`
			TotalFeesUSD       string `json:"totalFeesUSD"`
			TxCount            string `json:"txCount"`
		} `json:"uniswapFactories"`
	} `json:"data"`
}

type uniswapPositionsResponse struct {
	Data struct {
		LiquidityPositions []struct {
			Pair                     uniswapPair `json:"pair"`
			LiquidityTokenBalanceRaw string      `json:"liquidityTokenBalanceRaw"` // raw integer, 18 decimals
		} `json:"liquidityPositions"`
	} `json:"data"`
}

// GetProtocolMetrics returns factory-wide aggregates
func (a *UniswapAdapter) GetProtocolMetrics(ctx context.Context) (*types.ProtocolMetrics, error) {
	var resp uniswapOverviewResponse
	if err := getJSON(ctx, a.client, a.baseURL+"/overview", &resp); err != nil {
		return nil, err
	}
	if len(resp.Data.UniswapFactories) == 0 {
		return nil, fmt.Errorf("overview returned no factories")
	}
	factory := resp.Data.UniswapFactories[0]

	txCount := new(big.Int)
	if factory.TxCount != "" {
		if _, ok := txCount.SetString(factory.TxCount, 10); !ok {
			return nil, fmt.Errorf("bad txCount %q", factory.TxCount)
		}
	}

	return &types.ProtocolMetrics{
		Protocol:     types.ProtocolUniswap,
		TVLUSD:       factory.TotalLiquidityUSD,
		Volume24hUSD: factory.TotalVolumeUSD,
		FeesUSD:      factory.TotalFeesUSD,
		UpdatedAt:    time.Now().UTC(),
		Uniswap: &types.UniswapMetrics{
			PairCount:          factory.PairCount,
			TxCount:            txCount.Int64(),
			TotalFeesUSD:       factory.TotalFeesUSD,
			UntrackedVolumeUSD: factory.UntrackedVolumeUSD,
		},
	}, nil
}

// GetUserPositions returns one NormalizedPosition per liquidity position.
// Underlying balances are the user's pro-rata share of each reserve,
// computed with exact integer arithmetic: balance * reserve / totalSupply.
func (a *UniswapAdapter) GetUserPositions(ctx context.Context, userAddress string) ([]types.NormalizedPosition, error) {
	var resp uniswapPositionsResponse
	url := fmt.Sprintf("%s/users/%s/positions", a.baseURL, userAddress)
	if err := getJSON(ctx, a.client, url, &resp); err != nil {
		return nil, err
	}

	var positions []types.NormalizedPosition
	for _, lp := range resp.Data.LiquidityPositions {
		if lp.LiquidityTokenBalanceRaw == "" || lp.LiquidityTokenBalanceRaw == "0" {
			continue
		}

		position, err := a.normalizePosition(lp.Pair, lp.LiquidityTokenBalanceRaw)
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", lp.Pair.ID, err)
		}
		positions = append(positions, *position)
	}
	return positions, nil
}

func (a *UniswapAdapter) normalizePosition(pair uniswapPair, lpBalanceRaw string) (*types.NormalizedPosition, error) {
	lpBalance, ok := new(big.Int).SetString(lpBalanceRaw, 10)
	if !ok {
		return nil, fmt.Errorf("bad liquidity balance %q", lpBalanceRaw)
	}
	totalSupply, ok := new(big.Int).SetString(pair.TotalSupply, 10)
	if !ok || totalSupply.Sign() <= 0 {
		return nil, fmt.Errorf("bad pair total supply %q", pair.TotalSupply)
	}

	decimals0, err := parseDecimals(pair.Token0.Decimals)
	if err != nil {
		return nil, err
	}
	decimals1, err := parseDecimals(pair.Token1.Decimals)
	if err != nil {
		return nil, err
	}

	reserve0, ok := new(big.Int).SetString(pair.Reserve0Raw, 10)
	if !ok {
		return nil, fmt.Errorf("bad reserve0 %q", pair.Reserve0Raw)
	}
	reserve1, ok := new(big.Int).SetString(pair.Reserve1Raw, 10)
	if !ok {
		return nil, fmt.Errorf("bad reserve1 %q", pair.Reserve1Raw)
	}

	// user's underlying share of each reserve
	share0 := new(big.Int).Mul(lpBalance, reserve0)
	share0.Quo(share0, totalSupply)
	share1 := new(big.Int).Mul(lpBalance, reserve1)
	share1.Quo(share1, totalSupply)

	// fractional pool share at 18 decimals
	shareWad := new(big.Int).Mul(lpBalance, numeric.WadScale())
	shareWad.Quo(shareWad, totalSupply)

	valueUSD := ""
	if pair.ReserveUSD != "" {
		reserveUSDWad, err := numeric.ParseWad(pair.ReserveUSD)
		if err != nil {
			return nil, fmt.Errorf("bad reserveUSD %q: %w", pair.ReserveUSD, err)
		}
		value := new(big.Int).Mul(reserveUSDWad, shareWad)
		value.Quo(value, numeric.WadScale())
		valueUSD = numeric.FormatWad(value)
	}

	sym0, sym1 := pair.Token0.Symbol, pair.Token1.Symbol
	return &types.NormalizedPosition{
		SourceProtocol: types.ProtocolUniswap,
		PoolOrMarketID: pair.ID,
		Network:        types.NetworkEthereum,
		AssetSymbols:   []string{sym0, sym1},
		RawBalances: map[string]string{
			sym0: share0.String(),
			sym1: share1.String(),
		},
		Decimals: map[string]uint8{
			sym0: decimals0,
			sym1: decimals1,
		},
		Balances: map[string]string{
			sym0: numeric.FormatUnits(share0, decimals0),
			sym1: numeric.FormatUnits(share1, decimals1),
		},
		ValueUSD: valueUSD,
		Metrics: types.PositionMetrics{
			LiquidityShare: numeric.FormatWad(shareWad),
			// impermanent loss exposure has no per-position figure here;
			// risk stays unknown
		},
	}, nil
}

func parseDecimals(s string) (uint8, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.Cmp(big.NewInt(77)) > 0 {
		return 0, fmt.Errorf("bad decimals %q", s)
	}
	return uint8(v.Int64()), nil
}
