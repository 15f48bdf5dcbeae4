// Package types provides common type definitions for the portfolio aggregator system.
package types

import (
	"strings"
	"time"
)

// Network represents supported blockchain networks
type Network string

const (
	// NetworkEthereum represents the Ethereum mainnet
	NetworkEthereum Network = "ethereum"
	// NetworkPolygon represents the Polygon network
	NetworkPolygon Network = "polygon"
	// NetworkArbitrum represents the Arbitrum network
	NetworkArbitrum Network = "arbitrum"
	// NetworkOptimism represents the Optimism network
	NetworkOptimism Network = "optimism"
	// NetworkBase represents the Base network
	NetworkBase Network = "base"
)

// AllNetworks lists every network the system can be configured for
var AllNetworks = []Network{NetworkEthereum, NetworkPolygon, NetworkArbitrum, NetworkOptimism, NetworkBase}

// ParseNetwork maps a chain name to a Network, case-insensitively
func ParseNetwork(name string) (Network, bool) {
	n := Network(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range AllNetworks {
		if n == known {
			return known, true
		}
	}
	return "", false
}

// Protocol identifies an external protocol index supported by the adapter layer
type Protocol string

const (
	// ProtocolAave represents the Aave lending protocol
	ProtocolAave Protocol = "aave"
	// ProtocolCompound represents the Compound lending protocol
	ProtocolCompound Protocol = "compound"
	// ProtocolUniswap represents the Uniswap AMM protocol
	ProtocolUniswap Protocol = "uniswap"
	// ProtocolCurve represents the Curve stableswap protocol
	ProtocolCurve Protocol = "curve"
	// ProtocolLido represents the Lido liquid staking protocol
	ProtocolLido Protocol = "lido"
)

// AllProtocols lists every protocol the adapter layer supports
var AllProtocols = []Protocol{ProtocolAave, ProtocolCompound, ProtocolUniswap, ProtocolCurve, ProtocolLido}

// ParseProtocol maps a ledger protocol label to a Protocol.
// Labels are matched case-insensitively; an unknown label returns false.
func ParseProtocol(label string) (Protocol, bool) {
	p := Protocol(strings.ToLower(strings.TrimSpace(label)))
	for _, known := range AllProtocols {
		if p == known {
			return known, true
		}
	}
	return "", false
}

// Timeframe represents a metrics series window
type Timeframe string

const (
	// TimeframeDaily covers the last 24 hours
	TimeframeDaily Timeframe = "daily"
	// TimeframeWeekly covers the last 7 days
	TimeframeWeekly Timeframe = "weekly"
	// TimeframeMonthly covers the last 30 days
	TimeframeMonthly Timeframe = "monthly"
	// TimeframeYearly covers the last 365 days
	TimeframeYearly Timeframe = "yearly"
)

// ParseTimeframe validates a timeframe string
func ParseTimeframe(s string) (Timeframe, bool) {
	switch Timeframe(s) {
	case TimeframeDaily, TimeframeWeekly, TimeframeMonthly, TimeframeYearly:
		return Timeframe(s), true
	default:
		return "", false
	}
}

// Window returns the lookback duration covered by the timeframe
func (t Timeframe) Window() time.Duration {
	switch t {
	case TimeframeDaily:
		return 24 * time.Hour
	case TimeframeWeekly:
		return 7 * 24 * time.Hour
	case TimeframeMonthly:
		return 30 * 24 * time.Hour
	case TimeframeYearly:
		return 365 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// TokenInfo holds token metadata, keyed by (network, address).
// Immutable once fetched; TotalSupply is never re-read after the first cache.
type TokenInfo struct {
	Address     string  `json:"address"`
	Symbol      string  `json:"symbol"`
	Decimals    uint8   `json:"decimals"`
	TotalSupply string  `json:"totalSupply"` // native integer units
	Network     Network `json:"network"`
}

// PoolInfo holds AMM pool reserve and supply state.
// Reserve amounts remain in native integer units; no USD conversion here.
type PoolInfo struct {
	Address     string    `json:"address"`
	Network     Network   `json:"network"`
	Token0      TokenInfo `json:"token0"`
	Token1      TokenInfo `json:"token1"`
	Reserve0    string    `json:"reserve0"` // native integer units of token0
	Reserve1    string    `json:"reserve1"` // native integer units of token1
	TotalSupply string    `json:"totalSupply"`
}

// LendingInfo holds a user's lending-account risk state plus one reserve's rates.
// All figures are decimal strings produced from native fixed-point integers.
type LendingInfo struct {
	Pool               string  `json:"pool"`
	User               string  `json:"user"`
	Network            Network `json:"network"`
	TotalCollateralUSD string  `json:"totalCollateralUsd"`
	TotalDebtUSD       string  `json:"totalDebtUsd"`
	AvailableBorrowUSD string  `json:"availableBorrowUsd"`
	HealthFactor       string  `json:"healthFactor"`
	LiquidityRate      string  `json:"liquidityRate"` // supply rate, decimal string
	VariableBorrowRate string  `json:"variableBorrowRate"`
}

// PositionMetrics holds the derived metrics an adapter attaches to a position
type PositionMetrics struct {
	SupplyRate     string `json:"supplyRate,omitempty"`     // decimal string, e.g. "0.0325"
	BorrowRate     string `json:"borrowRate,omitempty"`     // decimal string
	LiquidityShare string `json:"liquidityShare,omitempty"` // fraction of pool, decimal string
	UnrealizedPnL  string `json:"unrealizedPnl,omitempty"`  // USD decimal string, may be negative
	RealizedPnL    string `json:"realizedPnl,omitempty"`    // USD decimal string
	RiskFactor     string `json:"riskFactor,omitempty"`     // 0..100 decimal string; empty when unknown
}

// NormalizedPosition is the common position shape produced by every protocol adapter.
// There is no stable cross-source identity between a NormalizedPosition and a ledger
// Position; reconciliation is best-effort by (owner, protocol, asset symbol).
type NormalizedPosition struct {
	SourceProtocol Protocol          `json:"sourceProtocol"`
	PoolOrMarketID string            `json:"poolOrMarketId"`
	Network        Network           `json:"network"`
	AssetSymbols   []string          `json:"assetSymbols"`
	RawBalances    map[string]string `json:"rawBalances"` // asset symbol -> integer string, native decimals
	Decimals       map[string]uint8  `json:"decimals"`    // asset symbol -> token decimals
	Balances       map[string]string `json:"balances"`    // asset symbol -> exact decimal string
	ValueUSD       string            `json:"valueUsd,omitempty"`
	Metrics        PositionMetrics   `json:"metrics"`
}

// HasSymbol reports whether the position covers the given asset symbol
func (p *NormalizedPosition) HasSymbol(symbol string) bool {
	for _, s := range p.AssetSymbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// AaveMetrics holds Aave-specific aggregate figures
type AaveMetrics struct {
	TotalBorrowsUSD  string `json:"totalBorrowsUsd"`
	AvgStableRate    string `json:"avgStableRate"`
	ReserveCount     int    `json:"reserveCount"`
	LiquidationCount int64  `json:"liquidationCount"`
}

// CompoundMetrics holds Compound-specific aggregate figures
type CompoundMetrics struct {
	TotalSupplyUSD string `json:"totalSupplyUsd"`
	TotalBorrowUSD string `json:"totalBorrowUsd"`
	CompSpeed      string `json:"compSpeed"`
	MarketCount    int    `json:"marketCount"`
}

// UniswapMetrics holds Uniswap-specific aggregate figures
type UniswapMetrics struct {
	PairCount          int    `json:"pairCount"`
	TxCount            int64  `json:"txCount"`
	TotalFeesUSD       string `json:"totalFeesUsd"`
	UntrackedVolumeUSD string `json:"untrackedVolumeUsd,omitempty"`
}

// CurveMetrics holds Curve-specific aggregate figures
type CurveMetrics struct {
	PoolCount        int    `json:"poolCount"`
	CRVPriceUSD      string `json:"crvPriceUsd"`
	TotalGaugeWeight string `json:"totalGaugeWeight,omitempty"`
}

// LidoMetrics holds Lido-specific aggregate figures
type LidoMetrics struct {
	TotalStakedETH string `json:"totalStakedEth"`
	StakerCount    int64  `json:"stakerCount"`
	APR            string `json:"apr"`
	BufferedETH    string `json:"bufferedEth,omitempty"`
}

// ProtocolMetrics holds protocol-wide aggregate figures in a normalized shape.
// The common fields are always populated; exactly one variant pointer is set,
// matching Protocol. Extra is reserved for protocol-specific extensions that
// have no typed home.
type ProtocolMetrics struct {
	Protocol     Protocol  `json:"protocol"`
	TVLUSD       string    `json:"tvlUsd"`
	Volume24hUSD string    `json:"volume24hUsd,omitempty"`
	FeesUSD      string    `json:"feesUsd,omitempty"`
	UserCount    int64     `json:"userCount,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`

	Aave     *AaveMetrics     `json:"aave,omitempty"`
	Compound *CompoundMetrics `json:"compound,omitempty"`
	Uniswap  *UniswapMetrics  `json:"uniswap,omitempty"`
	Curve    *CurveMetrics    `json:"curve,omitempty"`
	Lido     *LidoMetrics     `json:"lido,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// PortfolioPosition is one entry of a portfolio snapshot: a ledger position plus
// its best-effort adapter enrichment, if any was found.
type PortfolioPosition struct {
	Index         uint64    `json:"index"` // ledger index, stable for the owner
	Token         string    `json:"token"`
	Amount        string    `json:"amount"`     // exact decimal string
	RawAmount     string    `json:"rawAmount"`  // native integer string
	EntryPrice    string    `json:"entryPrice"` // exact decimal string
	EntryTime     time.Time `json:"entryTime"`
	ProtocolLabel string    `json:"protocolLabel"`
	Network       Network   `json:"network"`
	ValueUSD      string    `json:"valueUsd"`
	// LiveData is true when the value came from adapter enrichment rather than
	// the ledger-only amount x entryPrice fallback.
	LiveData   bool                 `json:"liveData"`
	RiskFactor string               `json:"riskFactor,omitempty"`
	Enrichment []NormalizedPosition `json:"enrichment,omitempty"`
}

// MetricPoint is one historical portfolio value observation
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	ValueUSD  string    `json:"valueUsd"`
}

// MetricsSeries is a timeframe-scoped historical value series. It is produced on
// a different refresh cadence than snapshot positions and may be stale relative
// to them; LastUpdated tells the caller how fresh it is.
type MetricsSeries struct {
	Owner       string        `json:"owner"`
	Timeframe   Timeframe     `json:"timeframe"`
	Points      []MetricPoint `json:"points"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

// RiskFactorDetail explains one position's contribution to the portfolio risk score
type RiskFactorDetail struct {
	PositionIndex uint64 `json:"positionIndex"`
	ProtocolLabel string `json:"protocolLabel"`
	RiskFactor    string `json:"riskFactor"`
	Known         bool   `json:"known"`
}

// PortfolioSnapshot is a freshly computed, non-persisted aggregate view of a
// user's portfolio as of the call that produced it. Always recomputable from
// the ledger plus the protocol adapters; never a source of truth.
type PortfolioSnapshot struct {
	Owner               string              `json:"owner"`
	TotalValueUSD       string              `json:"totalValueUsd"`
	ActivePositionCount int                 `json:"activePositionCount"`
	NetworksTouched     []Network           `json:"networksTouched"`
	RiskScore           string              `json:"riskScore"`
	RiskFactors         []RiskFactorDetail  `json:"riskFactors"`
	Positions           []PortfolioPosition `json:"positions"`
	MetricsSeries       []MetricPoint       `json:"metricsSeries,omitempty"`
	DegradedProtocols   []Protocol          `json:"degradedProtocols,omitempty"`
	LastUpdated         time.Time           `json:"lastUpdated"`
}
