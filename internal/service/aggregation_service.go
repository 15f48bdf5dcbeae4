// Package service implements the aggregation pipeline that merges ledger
// positions with protocol adapter data into per-user portfolio snapshots.
package service

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/defi-aggregator/internal/ledger"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/numeric"
	"github.com/defi-aggregator/internal/types"
)

// PositionSource supplies the authoritative ledger view. Both the in-process
// ledger and the on-chain reader satisfy it.
type PositionSource interface {
	ActivePositions(ctx context.Context, owner string, networks []types.Network) ([]ledger.Entry, error)
	ActivePositionCount(ctx context.Context, owner string) (int, error)
}

// PositionFetcher supplies adapter positions with per-protocol failure
// isolation; the protocol registry satisfies it.
type PositionFetcher interface {
	FetchUserPositions(ctx context.Context, protocols []types.Protocol, userAddress string) (map[types.Protocol][]types.NormalizedPosition, map[types.Protocol]error)
}

// SeriesReader supplies historical value points for the snapshot's metrics
// series. May be nil when no time-series store is configured.
type SeriesReader interface {
	GetSeries(ctx context.Context, owner string, timeframe types.Timeframe) ([]types.MetricPoint, error)
}

// PositionMatcher decides which adapter positions enrich a ledger position.
// Matching is heuristic: there is no stable cross-source identity, so any
// implementation may under- or over-match.
type PositionMatcher interface {
	Match(entry ledger.Entry, candidates []types.NormalizedPosition) []types.NormalizedPosition
}

// SymbolMatcher matches an adapter position when its asset symbols include
// the ledger position's token, compared case-insensitively.
type SymbolMatcher struct{}

// Match implements PositionMatcher
func (SymbolMatcher) Match(entry ledger.Entry, candidates []types.NormalizedPosition) []types.NormalizedPosition {
	var matches []types.NormalizedPosition
	for _, c := range candidates {
		if c.HasSymbol(entry.Token) {
			matches = append(matches, c)
		}
	}
	return matches
}

// RiskPolicy names how positions without a risk figure enter the portfolio
// risk mean.
type RiskPolicy string

const (
	// RiskUnknownAsZero counts an unknown risk figure as zero. This
	// underestimates risk and is the historical behavior.
	RiskUnknownAsZero RiskPolicy = "unknown_as_zero"
	// RiskUnknownExcluded leaves positions without a risk figure out of
	// the mean entirely.
	RiskUnknownExcluded RiskPolicy = "unknown_excluded"
)

// AggregationService builds portfolio snapshots
type AggregationService struct {
	source     PositionSource
	fetcher    PositionFetcher
	series     SeriesReader
	matcher    PositionMatcher
	riskPolicy RiskPolicy
	logger     *logging.Logger
}

// NewAggregationService creates an aggregation service. series may be nil;
// a nil matcher defaults to SymbolMatcher and an empty riskPolicy to
// RiskUnknownAsZero.
func NewAggregationService(source PositionSource, fetcher PositionFetcher, series SeriesReader, matcher PositionMatcher, riskPolicy RiskPolicy, logger *logging.Logger) *AggregationService {
	if matcher == nil {
		matcher = SymbolMatcher{}
	}
	if riskPolicy == "" {
		riskPolicy = RiskUnknownAsZero
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &AggregationService{
		source:     source,
		fetcher:    fetcher,
		series:     series,
		matcher:    matcher,
		riskPolicy: riskPolicy,
		logger:     logger.WithField("component", "aggregation_service"),
	}
}

// SnapshotOptions scope one snapshot request
type SnapshotOptions struct {
	Networks  []types.Network
	Timeframe types.Timeframe // empty: no metrics series attached
}

// BuildSnapshot produces a fresh portfolio snapshot for owner. A ledger
// read failure aborts the call; adapter failures degrade their protocol's
// contribution to absence. The result is never cached.
func (s *AggregationService) BuildSnapshot(ctx context.Context, owner string, opts SnapshotOptions) (*types.PortfolioSnapshot, error) {
	entries, err := s.source.ActivePositions(ctx, owner, opts.Networks)
	if err != nil {
		return nil, err
	}

	adapterPositions, degraded := s.fetchAdapterData(ctx, owner, entries)

	snapshot := &types.PortfolioSnapshot{
		Owner:               owner,
		ActivePositionCount: len(entries),
		Positions:           make([]types.PortfolioPosition, 0, len(entries)),
		LastUpdated:         time.Now().UTC(),
	}
	for p := range degraded {
		snapshot.DegradedProtocols = append(snapshot.DegradedProtocols, p)
	}
	sort.Slice(snapshot.DegradedProtocols, func(i, j int) bool {
		return snapshot.DegradedProtocols[i] < snapshot.DegradedProtocols[j]
	})

	totalValue := new(big.Int)
	networks := make(map[types.Network]struct{})
	var riskValues []*big.Int

	for _, entry := range entries {
		position := s.buildPosition(entry, adapterPositions)
		networks[entry.Network] = struct{}{}
		for _, enriched := range position.Enrichment {
			if enriched.Network != "" {
				networks[enriched.Network] = struct{}{}
			}
		}

		if position.ValueUSD != "" {
			if v, err := numeric.ParseWad(position.ValueUSD); err == nil {
				totalValue.Add(totalValue, v)
			}
		}

		detail := types.RiskFactorDetail{
			PositionIndex: position.Index,
			ProtocolLabel: position.ProtocolLabel,
			RiskFactor:    position.RiskFactor,
			Known:         position.RiskFactor != "",
		}
		snapshot.RiskFactors = append(snapshot.RiskFactors, detail)

		if detail.Known {
			if r, err := numeric.ParseWad(position.RiskFactor); err == nil {
				riskValues = append(riskValues, r)
			} else if s.riskPolicy == RiskUnknownAsZero {
				riskValues = append(riskValues, new(big.Int))
			}
		} else if s.riskPolicy == RiskUnknownAsZero {
			riskValues = append(riskValues, new(big.Int))
		}

		snapshot.Positions = append(snapshot.Positions, position)
	}

	snapshot.TotalValueUSD = numeric.FormatWad(totalValue)
	snapshot.RiskScore = numeric.FormatWad(numeric.MeanWad(riskValues))
	snapshot.NetworksTouched = sortedNetworks(networks)

	if opts.Timeframe != "" && s.series != nil {
		points, err := s.series.GetSeries(ctx, owner, opts.Timeframe)
		if err != nil {
			// series staleness or absence never fails the snapshot
			s.logger.WithError(err).WithField("owner", owner).
				Warn("Metrics series unavailable, returning snapshot without it")
		} else {
			snapshot.MetricsSeries = points
		}
	}

	return snapshot, nil
}

// fetchAdapterData queries the adapters for every protocol labeled on the
// owner's ledger positions. Unknown labels are skipped: their positions
// still appear, valued from ledger fields alone.
func (s *AggregationService) fetchAdapterData(ctx context.Context, owner string, entries []ledger.Entry) (map[types.Protocol][]types.NormalizedPosition, map[types.Protocol]error) {
	seen := make(map[types.Protocol]struct{})
	var wanted []types.Protocol
	for _, entry := range entries {
		protocol, ok := types.ParseProtocol(entry.ProtocolLabel)
		if !ok {
			continue
		}
		if _, dup := seen[protocol]; dup {
			continue
		}
		seen[protocol] = struct{}{}
		wanted = append(wanted, protocol)
	}
	if len(wanted) == 0 {
		return nil, nil
	}
	return s.fetcher.FetchUserPositions(ctx, wanted, owner)
}

// buildPosition merges one ledger entry with its matching adapter data.
// Without a match the position is valued as amount x entryPrice from ledger
// fields alone, a degraded-accuracy path rather than an error.
func (s *AggregationService) buildPosition(entry ledger.Entry, adapterPositions map[types.Protocol][]types.NormalizedPosition) types.PortfolioPosition {
	position := types.PortfolioPosition{
		Index:         entry.Index,
		Token:         entry.Token,
		RawAmount:     entry.Amount.String(),
		EntryPrice:    numeric.FormatWad(entry.EntryPrice),
		EntryTime:     entry.EntryTimestamp,
		ProtocolLabel: entry.ProtocolLabel,
		Network:       entry.Network,
	}

	var candidates []types.NormalizedPosition
	if protocol, ok := types.ParseProtocol(entry.ProtocolLabel); ok {
		candidates = adapterPositions[protocol]
	}
	matches := s.matcher.Match(entry, candidates)
	position.Enrichment = matches

	// token decimals are not recorded on the ledger; a match supplies them,
	// otherwise 18 is assumed
	decimals := uint8(numeric.WadDecimals)
	if d, ok := matchedDecimals(entry.Token, matches); ok {
		decimals = d
	}
	position.Amount = numeric.FormatUnits(entry.Amount, decimals)

	if value, risk, ok := enrichedValue(matches); ok {
		position.ValueUSD = value
		position.RiskFactor = risk
		position.LiveData = true
		return position
	}

	position.ValueUSD = numeric.FormatWad(numeric.ValueWad(entry.Amount, decimals, entry.EntryPrice))
	for _, m := range matches {
		if m.Metrics.RiskFactor != "" {
			position.RiskFactor = m.Metrics.RiskFactor
			break
		}
	}
	return position
}

// enrichedValue sums the matched positions' USD values exactly. Reports
// false when no match carries a value, sending the caller down the
// ledger-only path.
func enrichedValue(matches []types.NormalizedPosition) (value, risk string, ok bool) {
	sum := new(big.Int)
	found := false
	for _, m := range matches {
		if m.ValueUSD == "" {
			continue
		}
		v, err := numeric.ParseWad(m.ValueUSD)
		if err != nil {
			continue
		}
		sum.Add(sum, v)
		found = true
		if risk == "" {
			risk = m.Metrics.RiskFactor
		}
	}
	if !found {
		return "", "", false
	}
	return numeric.FormatWad(sum), risk, true
}

func matchedDecimals(token string, matches []types.NormalizedPosition) (uint8, bool) {
	for _, m := range matches {
		for symbol, d := range m.Decimals {
			if strings.EqualFold(symbol, token) {
				return d, true
			}
		}
	}
	return 0, false
}

func sortedNetworks(set map[types.Network]struct{}) []types.Network {
	out := make([]types.Network, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
