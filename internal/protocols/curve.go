package protocols

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/numeric"
	"github.com/defi-aggregator/internal/types"
)

// CurveAdapter reads the Curve pools API. Every response is wrapped in a
// {"success": bool, "data": {...}} envelope, and numeric fields arrive as
// JSON numbers rather than strings, so they are decoded as json.Number to
// avoid float conversion.
type CurveAdapter struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// NewCurveAdapter creates an adapter against baseURL
func NewCurveAdapter(baseURL string, timeout time.Duration, logger *logging.Logger) *CurveAdapter {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &CurveAdapter{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
		logger:  logger.WithField("adapter", "curve"),
	}
}

// Protocol returns the adapter's protocol tag
func (a *CurveAdapter) Protocol() types.Protocol {
	return types.ProtocolCurve
}

type curveEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Err     string          `json:"err,omitempty"`
}

type curveCoin struct {
	Symbol         string      `json:"symbol"`
	Decimals       json.Number `json:"decimals"`
	PoolBalanceRaw string      `json:"poolBalance"` // raw integer string
}

type curvePool struct {
	Address        string      `json:"address"`
	Name           string      `json:"name"`
	Coins          []curveCoin `json:"coins"`
	UsdTotal       json.Number `json:"usdTotal"`
	TotalSupplyRaw string      `json:"totalSupply"` // LP token raw supply, 18 decimals
	GaugeRelWeight json.Number `json:"gaugeRelativeWeight,omitempty"`
	VirtualPrice   json.Number `json:"virtualPrice,omitempty"`
}

type curveOverviewData struct {
	PoolCount   int         `json:"poolCount"`
	TvlUSD      json.Number `json:"tvlUsd"`
	Volume24h   json.Number `json:"volume24hUsd"`
	CrvPriceUSD json.Number `json:"crvPriceUsd"`
}

type curveUserBalanceData struct {
	Balances []struct {
		Pool       curvePool `json:"pool"`
		LPBalance  string    `json:"lpBalance"` // raw integer string, 18 decimals
		GaugeStake string    `json:"gaugeStake,omitempty"`
	} `json:"balances"`
}

// GetProtocolMetrics returns registry-wide aggregates
func (a *CurveAdapter) GetProtocolMetrics(ctx context.Context) (*types.ProtocolMetrics, error) {
	var overview curveOverviewData
	if err := a.getEnveloped(ctx, a.baseURL+"/getOverview", &overview); err != nil {
		return nil, err
	}

	return &types.ProtocolMetrics{
		Protocol:     types.ProtocolCurve,
		TVLUSD:       overview.TvlUSD.String(),
		Volume24hUSD: overview.Volume24h.String(),
		UpdatedAt:    time.Now().UTC(),
		Curve: &types.CurveMetrics{
			PoolCount:   overview.PoolCount,
			CRVPriceUSD: overview.CrvPriceUSD.String(),
		},
	}, nil
}

// GetUserPositions returns one multi-asset NormalizedPosition per pool the
// user holds LP tokens in. Staked gauge balances count toward the user's
// share alongside unstaked LP tokens.
func (a *CurveAdapter) GetUserPositions(ctx context.Context, userAddress string) ([]types.NormalizedPosition, error) {
	var data curveUserBalanceData
	url := fmt.Sprintf("%s/getUserBalances/%s", a.baseURL, userAddress)
	if err := a.getEnveloped(ctx, url, &data); err != nil {
		return nil, err
	}

	var positions []types.NormalizedPosition
	for _, entry := range data.Balances {
		lpBalance, ok := new(big.Int).SetString(entry.LPBalance, 10)
		if !ok {
			return nil, fmt.Errorf("pool %s: bad lp balance %q", entry.Pool.Address, entry.LPBalance)
		}
		if entry.GaugeStake != "" {
			staked, ok := new(big.Int).SetString(entry.GaugeStake, 10)
			if !ok {
				return nil, fmt.Errorf("pool %s: bad gauge stake %q", entry.Pool.Address, entry.GaugeStake)
			}
			lpBalance.Add(lpBalance, staked)
		}
		if lpBalance.Sign() == 0 {
			continue
		}

		position, err := a.normalizePosition(entry.Pool, lpBalance)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", entry.Pool.Address, err)
		}
		positions = append(positions, *position)
	}
	return positions, nil
}

func (a *CurveAdapter) normalizePosition(pool curvePool, lpBalance *big.Int) (*types.NormalizedPosition, error) {
	totalSupply, ok := new(big.Int).SetString(pool.TotalSupplyRaw, 10)
	if !ok || totalSupply.Sign() <= 0 {
		return nil, fmt.Errorf("bad total supply %q", pool.TotalSupplyRaw)
	}

	shareWad := new(big.Int).Mul(lpBalance, numeric.WadScale())
	shareWad.Quo(shareWad, totalSupply)

	position := types.NormalizedPosition{
		SourceProtocol: types.ProtocolCurve,
		PoolOrMarketID: pool.Address,
		Network:        types.NetworkEthereum,
		RawBalances:    make(map[string]string, len(pool.Coins)),
		Decimals:       make(map[string]uint8, len(pool.Coins)),
		Balances:       make(map[string]string, len(pool.Coins)),
		Metrics: types.PositionMetrics{
			LiquidityShare: numeric.FormatWad(shareWad),
			RiskFactor:     "10", // stableswap depeg exposure, flat
		},
	}

	for _, coin := range pool.Coins {
		decimals, err := coinDecimals(coin.Decimals)
		if err != nil {
			return nil, fmt.Errorf("coin %s: %w", coin.Symbol, err)
		}
		poolBalance, ok := new(big.Int).SetString(coin.PoolBalanceRaw, 10)
		if !ok {
			return nil, fmt.Errorf("coin %s: bad pool balance %q", coin.Symbol, coin.PoolBalanceRaw)
		}

		share := new(big.Int).Mul(lpBalance, poolBalance)
		share.Quo(share, totalSupply)

		position.AssetSymbols = append(position.AssetSymbols, coin.Symbol)
		position.RawBalances[coin.Symbol] = share.String()
		position.Decimals[coin.Symbol] = decimals
		position.Balances[coin.Symbol] = numeric.FormatUnits(share, decimals)
	}

	if s := pool.UsdTotal.String(); s != "" && s != "0" {
		usdWad, err := numeric.ParseWad(s)
		if err != nil {
			return nil, fmt.Errorf("bad usdTotal %q: %w", s, err)
		}
		value := new(big.Int).Mul(usdWad, shareWad)
		value.Quo(value, numeric.WadScale())
		position.ValueUSD = numeric.FormatWad(value)
	}

	return &position, nil
}

// getEnveloped fetches url, checks the success flag, and decodes data into out
func (a *CurveAdapter) getEnveloped(ctx context.Context, url string, out interface{}) error {
	var envelope curveEnvelope
	if err := getJSON(ctx, a.client, url, &envelope); err != nil {
		return err
	}
	if !envelope.Success {
		if envelope.Err != "" {
			return fmt.Errorf("curve api error: %s", envelope.Err)
		}
		return fmt.Errorf("curve api returned success=false")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding curve data: %w", err)
	}
	return nil
}

func coinDecimals(n json.Number) (uint8, error) {
	v, err := n.Int64()
	if err != nil || v < 0 || v > 77 {
		return 0, fmt.Errorf("bad decimals %q", n.String())
	}
	return uint8(v), nil
}
