// Package main provides the API server entry point for the portfolio aggregator.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/defi-aggregator/internal/api"
	"github.com/defi-aggregator/internal/chain"
	"github.com/defi-aggregator/internal/config"
	"github.com/defi-aggregator/internal/ledger"
	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/protocols"
	"github.com/defi-aggregator/internal/service"
	"github.com/defi-aggregator/internal/storage"
	"github.com/defi-aggregator/internal/types"
	"github.com/defi-aggregator/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	// Initialize repositories and caches
	eventRepo := storage.NewPositionEventRepository(postgres)
	metricsRepo := storage.NewMetricsRepository(clickhouse)
	metricsCache := storage.NewMetricsCache(redis, cfg.Cache.MetricsTTL)

	// Initialize protocol index adapters
	logger.Info("Initializing protocol adapters...")
	registry := protocols.NewRegistry(logger)
	registry.Register(protocols.NewAaveAdapter(cfg.Protocols.AaveURL, cfg.Protocols.Timeout, logger))
	registry.Register(protocols.NewCompoundAdapter(cfg.Protocols.CompoundURL, cfg.Protocols.Timeout, logger))
	registry.Register(protocols.NewUniswapAdapter(cfg.Protocols.UniswapURL, cfg.Protocols.Timeout, logger))
	registry.Register(protocols.NewCurveAdapter(cfg.Protocols.CurveURL, cfg.Protocols.Timeout, logger))
	registry.Register(protocols.NewLidoAdapter(cfg.Protocols.LidoURL, cfg.Protocols.Timeout, logger))

	// Connect RPC pools for every network with endpoints configured
	pools, err := chain.NewPools(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize RPC pools")
	}
	defer pools.Close()

	// The position source is the deployed ledger contracts when addresses
	// are configured; otherwise an in-process ledger backs the service and
	// the indexer mirrors its events into Postgres and ClickHouse.
	var (
		source       service.PositionSource
		localLedger  *ledger.Ledger
		localNetwork = types.NetworkEthereum
	)
	reader, err := chain.NewLedgerReader(cfg, pools, logger)
	if err != nil {
		logger.WithError(err).Warn("No on-chain ledger configured, using in-process ledger")
		localLedger = ledger.NewLedger(logger)
		source = ledger.NewLocalSource(localLedger, localNetwork)
	} else {
		source = reader
		logger.WithField("networks", len(reader.Networks())).Info("On-chain ledger reader initialized")
	}

	// Initialize services
	aggregationService := service.NewAggregationService(source, registry, metricsRepo, nil, service.RiskUnknownAsZero, logger)
	metricsService := service.NewMetricsService(metricsRepo, registry, metricsCache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The indexer consumes the local event stream; on-chain deployments
	// journal through their own chain indexer instead.
	var indexer *worker.LedgerIndexer
	if localLedger != nil {
		indexer, err = worker.NewLedgerIndexer(&worker.LedgerIndexerConfig{
			Ledger:       localLedger,
			Network:      localNetwork,
			Journal:      eventRepo,
			Recorder:     metricsRepo,
			Snapshots:    aggregationService,
			PollInterval: cfg.Indexer.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create ledger indexer")
		}
		if err := indexer.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start ledger indexer")
		}
		logger.Info("Ledger indexer started")
	}

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		FreeTierRPM:     cfg.RateLimit.FreeTier,
		BasicTierRPM:    cfg.RateLimit.BasicTier,
		PremiumTierRPM:  cfg.RateLimit.PremiumTier,
	}

	server := api.NewServer(serverConfig, aggregationService, metricsService, logger)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Portfolio aggregator API server started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	if indexer != nil {
		indexer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
