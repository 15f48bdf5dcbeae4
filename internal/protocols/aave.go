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

// AaveAdapter reads the Aave market index. The index reports balances as raw
// integer strings in each reserve's native decimals plus USD figures as
// decimal strings.
type AaveAdapter struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// NewAaveAdapter creates an adapter against baseURL
func NewAaveAdapter(baseURL string, timeout time.Duration, logger *logging.Logger) *AaveAdapter {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &AaveAdapter{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
		logger:  logger.WithField("adapter", "aave"),
	}
}

// Protocol returns the adapter's protocol tag
func (a *AaveAdapter) Protocol() types.Protocol {
	return types.ProtocolAave
}

// aaveMarketOverview is the index's market-wide aggregate response
type aaveMarketOverview struct {
	TotalLiquidityUSD   string `json:"totalLiquidityUSD"`
	TotalBorrowsUSD     string `json:"totalBorrowsUSD"`
	AvgStableBorrowRate string `json:"avgStableBorrowRate"`
	ReserveCount        int    `json:"reserveCount"`
	LiquidationCount    int64  `json:"liquidationCount"`
	UserCount           int64  `json:"userCount"`
}

// aaveUserReserves is the per-user response shape
type aaveUserReserves struct {
	HealthFactor string `json:"healthFactor"` // wad decimal string; "-1" when no debt
	UserReserves []struct {
		Reserve struct {
			Symbol          string `json:"symbol"`
			Decimals        uint8  `json:"decimals"`
			UnderlyingAsset string `json:"underlyingAsset"`
		} `json:"reserve"`
		ScaledATokenBalance string `json:"scaledATokenBalance"` // raw integer string
		CurrentTotalDebt    string `json:"currentTotalDebt"`    // raw integer string
		LiquidityRate       string `json:"liquidityRate"`
		VariableBorrowRate  string `json:"variableBorrowRate"`
		USDValue            string `json:"usdValue"`
	} `json:"userReserves"`
}

// GetProtocolMetrics returns Aave's market-wide aggregates
func (a *AaveAdapter) GetProtocolMetrics(ctx context.Context) (*types.ProtocolMetrics, error) {
	var overview aaveMarketOverview
	if err := getJSON(ctx, a.client, a.baseURL+"/markets/overview", &overview); err != nil {
		return nil, err
	}

	return &types.ProtocolMetrics{
		Protocol:  types.ProtocolAave,
		TVLUSD:    overview.TotalLiquidityUSD,
		UserCount: overview.UserCount,
		UpdatedAt: time.Now().UTC(),
		Aave: &types.AaveMetrics{
			TotalBorrowsUSD:  overview.TotalBorrowsUSD,
			AvgStableRate:    overview.AvgStableBorrowRate,
			ReserveCount:     overview.ReserveCount,
			LiquidationCount: overview.LiquidationCount,
		},
	}, nil
}

// GetUserPositions returns one NormalizedPosition per reserve the user holds
func (a *AaveAdapter) GetUserPositions(ctx context.Context, userAddress string) ([]types.NormalizedPosition, error) {
	var resp aaveUserReserves
	url := fmt.Sprintf("%s/users/%s/reserves", a.baseURL, userAddress)
	if err := getJSON(ctx, a.client, url, &resp); err != nil {
		return nil, err
	}

	riskFactor := riskFromHealthFactor(resp.HealthFactor)

	positions := make([]types.NormalizedPosition, 0, len(resp.UserReserves))
	for _, ur := range resp.UserReserves {
		if ur.ScaledATokenBalance == "" || ur.ScaledATokenBalance == "0" {
			continue
		}

		symbol := ur.Reserve.Symbol
		balance, err := numeric.FormatUnitsString(ur.ScaledATokenBalance, ur.Reserve.Decimals)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: bad balance %q: %w", symbol, ur.ScaledATokenBalance, err)
		}

		positions = append(positions, types.NormalizedPosition{
			SourceProtocol: types.ProtocolAave,
			PoolOrMarketID: ur.Reserve.UnderlyingAsset,
			Network:        types.NetworkEthereum,
			AssetSymbols:   []string{symbol},
			RawBalances:    map[string]string{symbol: ur.ScaledATokenBalance},
			Decimals:       map[string]uint8{symbol: ur.Reserve.Decimals},
			Balances:       map[string]string{symbol: balance},
			ValueUSD:       ur.USDValue,
			Metrics: types.PositionMetrics{
				SupplyRate: ur.LiquidityRate,
				BorrowRate: ur.VariableBorrowRate,
				RiskFactor: riskFactor,
			},
		})
	}
	return positions, nil
}

// riskFromHealthFactor maps a lending health factor to a 0..100 risk figure:
// 100/hf capped at 100, empty when the factor is absent or non-positive.
func riskFromHealthFactor(healthFactor string) string {
	if healthFactor == "" || healthFactor == "-1" {
		return ""
	}
	hf, err := numeric.ParseWad(healthFactor)
	if err != nil || hf.Sign() <= 0 {
		return ""
	}

	one := numeric.WadScale()
	if hf.Cmp(one) <= 0 {
		return "100"
	}

	// 100 * 1e18 * 1e18 / hf, then back to a decimal string
	risk := new(big.Int).Mul(big.NewInt(100), one)
	risk.Mul(risk, one)
	risk.Quo(risk, hf)
	return numeric.FormatWad(risk)
}
