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

// lidoSlashingRiskFactor is the flat risk assigned to liquid staking
// positions; stETH carries validator slashing exposure but no liquidation
// or impermanent-loss mechanics.
const lidoSlashingRiskFactor = "5"

// LidoAdapter reads the Lido staking statistics API. The wire format is a
// flat JSON object, no envelope, with ETH amounts as wei integer strings.
type LidoAdapter struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// NewLidoAdapter creates an adapter against baseURL
func NewLidoAdapter(baseURL string, timeout time.Duration, logger *logging.Logger) *LidoAdapter {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LidoAdapter{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
		logger:  logger.WithField("adapter", "lido"),
	}
}

// Protocol returns the adapter's protocol tag
func (a *LidoAdapter) Protocol() types.Protocol {
	return types.ProtocolLido
}

type lidoStatsResponse struct {
	TotalPooledEther string `json:"totalPooledEther"` // wei
	BufferedEther    string `json:"bufferedEther"`    // wei
	StakerCount      int64  `json:"stakerCount"`
	APR              string `json:"apr"` // decimal string, e.g. "0.038"
	EthPriceUSD      string `json:"ethPriceUsd"`
}

type lidoBalanceResponse struct {
	Address      string `json:"address"`
	StETHBalance string `json:"stEthBalance"` // wei
	EthPriceUSD  string `json:"ethPriceUsd"`
	APR          string `json:"apr"`
}

// GetProtocolMetrics returns protocol-wide staking aggregates
func (a *LidoAdapter) GetProtocolMetrics(ctx context.Context) (*types.ProtocolMetrics, error) {
	var stats lidoStatsResponse
	if err := getJSON(ctx, a.client, a.baseURL+"/stats", &stats); err != nil {
		return nil, err
	}

	pooled, ok := new(big.Int).SetString(stats.TotalPooledEther, 10)
	if !ok {
		return nil, fmt.Errorf("bad totalPooledEther %q", stats.TotalPooledEther)
	}

	tvl := ""
	if stats.EthPriceUSD != "" {
		priceWad, err := numeric.ParseWad(stats.EthPriceUSD)
		if err != nil {
			return nil, fmt.Errorf("bad ethPriceUsd %q: %w", stats.EthPriceUSD, err)
		}
		tvl = numeric.FormatWad(numeric.ValueWad(pooled, numeric.WadDecimals, priceWad))
	}

	metrics := &types.ProtocolMetrics{
		Protocol:  types.ProtocolLido,
		TVLUSD:    tvl,
		UserCount: stats.StakerCount,
		UpdatedAt: time.Now().UTC(),
		Lido: &types.LidoMetrics{
			TotalStakedETH: numeric.FormatUnits(pooled, numeric.WadDecimals),
			StakerCount:    stats.StakerCount,
			APR:            stats.APR,
		},
	}
	if stats.BufferedEther != "" {
		buffered, ok := new(big.Int).SetString(stats.BufferedEther, 10)
		if !ok {
			return nil, fmt.Errorf("bad bufferedEther %q", stats.BufferedEther)
		}
		metrics.Lido.BufferedETH = numeric.FormatUnits(buffered, numeric.WadDecimals)
	}
	return metrics, nil
}

// GetUserPositions returns at most one position: the user's stETH balance.
// A zero balance yields no positions.
func (a *LidoAdapter) GetUserPositions(ctx context.Context, userAddress string) ([]types.NormalizedPosition, error) {
	var balance lidoBalanceResponse
	url := fmt.Sprintf("%s/balances/%s", a.baseURL, userAddress)
	if err := getJSON(ctx, a.client, url, &balance); err != nil {
		return nil, err
	}

	if balance.StETHBalance == "" || balance.StETHBalance == "0" {
		return nil, nil
	}
	wei, ok := new(big.Int).SetString(balance.StETHBalance, 10)
	if !ok {
		return nil, fmt.Errorf("bad stEthBalance %q", balance.StETHBalance)
	}

	valueUSD := ""
	if balance.EthPriceUSD != "" {
		priceWad, err := numeric.ParseWad(balance.EthPriceUSD)
		if err != nil {
			return nil, fmt.Errorf("bad ethPriceUsd %q: %w", balance.EthPriceUSD, err)
		}
		valueUSD = numeric.FormatWad(numeric.ValueWad(wei, numeric.WadDecimals, priceWad))
	}

	return []types.NormalizedPosition{{
		SourceProtocol: types.ProtocolLido,
		PoolOrMarketID: "steth",
		Network:        types.NetworkEthereum,
		AssetSymbols:   []string{"stETH"},
		RawBalances:    map[string]string{"stETH": wei.String()},
		Decimals:       map[string]uint8{"stETH": numeric.WadDecimals},
		Balances:       map[string]string{"stETH": numeric.FormatUnits(wei, numeric.WadDecimals)},
		ValueUSD:       valueUSD,
		Metrics: types.PositionMetrics{
			SupplyRate: balance.APR,
			RiskFactor: lidoSlashingRiskFactor,
		},
	}}, nil
}
