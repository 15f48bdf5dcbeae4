package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/service"
	"github.com/defi-aggregator/internal/types"
)

// PortfolioSummary is the condensed header of a portfolio response
type PortfolioSummary struct {
	Owner               string           `json:"owner"`
	TotalValueUSD       string           `json:"totalValueUsd"`
	ActivePositionCount int              `json:"activePositionCount"`
	NetworksTouched     []types.Network  `json:"networksTouched"`
	RiskScore           string           `json:"riskScore"`
	DegradedProtocols   []types.Protocol `json:"degradedProtocols,omitempty"`
	LastUpdated         string           `json:"lastUpdated"`
}

// PortfolioResponse is the full portfolio payload
type PortfolioResponse struct {
	Summary   PortfolioSummary          `json:"summary"`
	Positions []types.PortfolioPosition `json:"positions"`
	Metrics   []types.MetricPoint       `json:"metrics,omitempty"`
}

// handleGetPortfolio returns the full portfolio snapshot for an address.
// Partial adapter failures still yield a snapshot; only a ledger failure
// or configuration absence produces an error response.
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	networks, err := parseChainIDs(r)
	if err != nil {
		respondCategorizedError(w, err)
		return
	}

	snapshot, err := s.snapshots.BuildSnapshot(r.Context(), address, service.SnapshotOptions{
		Networks:  networks,
		Timeframe: types.TimeframeWeekly,
	})
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Portfolio snapshot failed")
		respondCategorizedError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, PortfolioResponse{
		Summary:   summarize(snapshot),
		Positions: snapshot.Positions,
		Metrics:   snapshot.MetricsSeries,
	})
}

// handleGetPositions returns only the position list
func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	networks, err := parseChainIDs(r)
	if err != nil {
		respondCategorizedError(w, err)
		return
	}

	snapshot, err := s.snapshots.BuildSnapshot(r.Context(), address, service.SnapshotOptions{Networks: networks})
	if err != nil {
		respondCategorizedError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"positions": snapshot.Positions,
	})
}

// handleGetMetrics returns the timeframe-scoped historical value series.
// The series runs on its own refresh cadence; lastUpdated reports how
// fresh it is relative to the live snapshot.
func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	timeframe, ok := types.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if !ok {
		respondCategorizedError(w, errors.NewInvalidParameterError("timeframe",
			"must be one of daily, weekly, monthly, yearly"))
		return
	}

	series, err := s.metrics.GetSeries(r.Context(), address, timeframe)
	if err != nil {
		respondCategorizedError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":     series.Points,
		"timeframe":   series.Timeframe,
		"lastUpdated": series.LastUpdated,
	})
}

// handleGetRisk returns the portfolio risk score with its per-position factors
func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	snapshot, err := s.snapshots.BuildSnapshot(r.Context(), address, service.SnapshotOptions{})
	if err != nil {
		respondCategorizedError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"riskScore": snapshot.RiskScore,
		"factors":   snapshot.RiskFactors,
	})
}

// handleGetProtocolMetrics returns one protocol's aggregate figures
func (s *Server) handleGetProtocolMetrics(w http.ResponseWriter, r *http.Request) {
	label := mux.Vars(r)["protocol"]

	metrics, err := s.metrics.GetProtocolMetrics(r.Context(), label)
	if err != nil {
		respondCategorizedError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, metrics)
}

func summarize(snapshot *types.PortfolioSnapshot) PortfolioSummary {
	return PortfolioSummary{
		Owner:               snapshot.Owner,
		TotalValueUSD:       snapshot.TotalValueUSD,
		ActivePositionCount: snapshot.ActivePositionCount,
		NetworksTouched:     snapshot.NetworksTouched,
		RiskScore:           snapshot.RiskScore,
		DegradedProtocols:   snapshot.DegradedProtocols,
		LastUpdated:         snapshot.LastUpdated.UTC().Format(time.RFC3339),
	}
}

// parseChainIDs reads the optional chainIds query parameter
func parseChainIDs(r *http.Request) ([]types.Network, error) {
	raw := r.URL.Query().Get("chainIds")
	if raw == "" {
		return nil, nil
	}

	var networks []types.Network
	for _, part := range strings.Split(raw, ",") {
		network, ok := types.ParseNetwork(part)
		if !ok {
			return nil, errors.NewInvalidParameterError("chainIds", "unknown network "+strings.TrimSpace(part))
		}
		networks = append(networks, network)
	}
	return networks, nil
}
