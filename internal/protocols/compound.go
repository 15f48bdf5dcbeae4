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

// CompoundAdapter reads the Compound market index. Compound wraps nearly
// every figure in a {"value": "..."} envelope and reports balances twice:
// a display value and a raw integer string. Only the raw form is trusted.
type CompoundAdapter struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// NewCompoundAdapter creates an adapter against baseURL
func NewCompoundAdapter(baseURL string, timeout time.Duration, logger *logging.Logger) *CompoundAdapter {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &CompoundAdapter{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
		logger:  logger.WithField("adapter", "compound"),
	}
}

// Protocol returns the adapter's protocol tag
func (a *CompoundAdapter) Protocol() types.Protocol {
	return types.ProtocolCompound
}

// compoundValue is Compound's ubiquitous value envelope
type compoundValue struct {
	Value string `json:"value"`
}

type compoundMarketsResponse struct {
	CTokens []struct {
		Symbol         string        `json:"symbol"`
		TotalSupplyUSD compoundValue `json:"total_supply_usd"`
		TotalBorrowUSD compoundValue `json:"total_borrow_usd"`
		CompSpeed      compoundValue `json:"comp_supply_speed"`
	} `json:"cToken"`
	Meta struct {
		UniqueSuppliers int64 `json:"unique_suppliers"`
	} `json:"meta"`
}

type compoundAccountResponse struct {
	Accounts []struct {
		Address string        `json:"address"`
		Health  compoundValue `json:"health"`
		Tokens  []struct {
			Symbol                     string        `json:"symbol"`
			UnderlyingSymbol           string        `json:"underlying_symbol"`
			UnderlyingDecimals         uint8         `json:"underlying_decimals"`
			UnderlyingAddress          string        `json:"underlying_address"`
			SupplyBalanceRaw           string        `json:"supply_balance_underlying_raw"`
			BorrowBalanceRaw           string        `json:"borrow_balance_underlying_raw"`
			SupplyRate                 compoundValue `json:"supply_rate"`
			BorrowRate                 compoundValue `json:"borrow_rate"`
			SupplyBalanceUnderlyingUSD compoundValue `json:"supply_balance_underlying_usd"`
		} `json:"tokens"`
	} `json:"accounts"`
}

// GetProtocolMetrics aggregates the per-market figures into one shape
func (a *CompoundAdapter) GetProtocolMetrics(ctx context.Context) (*types.ProtocolMetrics, error) {
	var resp compoundMarketsResponse
	if err := getJSON(ctx, a.client, a.baseURL+"/ctoken", &resp); err != nil {
		return nil, err
	}

	var supplyVals, borrowVals, speedVals []string
	for _, m := range resp.CTokens {
		supplyVals = append(supplyVals, m.TotalSupplyUSD.Value)
		borrowVals = append(borrowVals, m.TotalBorrowUSD.Value)
		speedVals = append(speedVals, m.CompSpeed.Value)
	}

	totalSupply, err := sumDecimalStrings(supplyVals)
	if err != nil {
		return nil, fmt.Errorf("bad total_supply_usd: %w", err)
	}
	totalBorrow, err := sumDecimalStrings(borrowVals)
	if err != nil {
		return nil, fmt.Errorf("bad total_borrow_usd: %w", err)
	}
	compSpeed, err := sumDecimalStrings(speedVals)
	if err != nil {
		return nil, fmt.Errorf("bad comp_supply_speed: %w", err)
	}

	return &types.ProtocolMetrics{
		Protocol:  types.ProtocolCompound,
		TVLUSD:    totalSupply,
		UserCount: resp.Meta.UniqueSuppliers,
		UpdatedAt: time.Now().UTC(),
		Compound: &types.CompoundMetrics{
			TotalSupplyUSD: totalSupply,
			TotalBorrowUSD: totalBorrow,
			CompSpeed:      compSpeed,
			MarketCount:    len(resp.CTokens),
		},
	}, nil
}

// GetUserPositions returns one NormalizedPosition per market the user supplies
func (a *CompoundAdapter) GetUserPositions(ctx context.Context, userAddress string) ([]types.NormalizedPosition, error) {
	var resp compoundAccountResponse
	url := fmt.Sprintf("%s/account?addresses[]=%s", a.baseURL, userAddress)
	if err := getJSON(ctx, a.client, url, &resp); err != nil {
		return nil, err
	}
	if len(resp.Accounts) == 0 {
		return nil, nil
	}

	account := resp.Accounts[0]
	riskFactor := riskFromHealthFactor(account.Health.Value)

	var positions []types.NormalizedPosition
	for _, token := range account.Tokens {
		if token.SupplyBalanceRaw == "" || token.SupplyBalanceRaw == "0" {
			continue
		}

		symbol := token.UnderlyingSymbol
		balance, err := numeric.FormatUnitsString(token.SupplyBalanceRaw, token.UnderlyingDecimals)
		if err != nil {
			return nil, fmt.Errorf("market %s: bad balance %q: %w", token.Symbol, token.SupplyBalanceRaw, err)
		}

		positions = append(positions, types.NormalizedPosition{
			SourceProtocol: types.ProtocolCompound,
			PoolOrMarketID: token.UnderlyingAddress,
			Network:        types.NetworkEthereum,
			AssetSymbols:   []string{symbol},
			RawBalances:    map[string]string{symbol: token.SupplyBalanceRaw},
			Decimals:       map[string]uint8{symbol: token.UnderlyingDecimals},
			Balances:       map[string]string{symbol: balance},
			ValueUSD:       token.SupplyBalanceUnderlyingUSD.Value,
			Metrics: types.PositionMetrics{
				SupplyRate: token.SupplyRate.Value,
				BorrowRate: token.BorrowRate.Value,
				RiskFactor: riskFactor,
			},
		})
	}
	return positions, nil
}

// sumDecimalStrings adds decimal strings exactly via fixed-point integers
func sumDecimalStrings(values []string) (string, error) {
	sum := new(big.Int)
	for _, v := range values {
		if v == "" {
			continue
		}
		wad, err := numeric.ParseWad(v)
		if err != nil {
			return "", err
		}
		sum.Add(sum, wad)
	}
	return numeric.FormatWad(sum), nil
}
