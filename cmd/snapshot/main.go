// Package main provides a one-shot CLI that builds a portfolio snapshot
// for an owner address and prints it as JSON. It reads the on-chain ledger
// and the live protocol indexes; no databases are touched.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/defi-aggregator/internal/chain"
	"github.com/defi-aggregator/internal/config"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/protocols"
	"github.com/defi-aggregator/internal/service"
	"github.com/defi-aggregator/internal/types"
)

func main() {
	var (
		owner    = flag.String("owner", "", "Owner address to snapshot (required)")
		networks = flag.String("networks", "", "Comma-separated network filter (default: all configured)")
		timeout  = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *owner == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	var filter []types.Network
	if *networks != "" {
		for _, part := range strings.Split(*networks, ",") {
			network, ok := types.ParseNetwork(part)
			if !ok {
				log.Fatalf("Unknown network: %s", part)
			}
			filter = append(filter, network)
		}
	}

	pools, err := chain.NewPools(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize RPC pools")
	}
	defer pools.Close()

	reader, err := chain.NewLedgerReader(cfg, pools, logger)
	if err != nil {
		logger.WithError(err).Fatal("No ledger contract addresses configured")
	}

	registry := protocols.NewRegistry(logger)
	registry.Register(protocols.NewAaveAdapter(cfg.Protocols.AaveURL, cfg.Protocols.Timeout, logger))
	registry.Register(protocols.NewCompoundAdapter(cfg.Protocols.CompoundURL, cfg.Protocols.Timeout, logger))
	registry.Register(protocols.NewUniswapAdapter(cfg.Protocols.UniswapURL, cfg.Protocols.Timeout, logger))
	registry.Register(protocols.NewCurveAdapter(cfg.Protocols.CurveURL, cfg.Protocols.Timeout, logger))
	registry.Register(protocols.NewLidoAdapter(cfg.Protocols.LidoURL, cfg.Protocols.Timeout, logger))

	aggregationService := service.NewAggregationService(reader, registry, nil, nil, service.RiskUnknownAsZero, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	snapshot, err := aggregationService.BuildSnapshot(ctx, *owner, service.SnapshotOptions{Networks: filter})
	if err != nil {
		logger.WithError(err).Fatal("Failed to build snapshot")
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		logger.WithError(err).Fatal("Failed to encode snapshot")
	}
	fmt.Println(string(out))
}
