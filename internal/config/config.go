// Package config provides configuration management for the portfolio
// aggregator. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Networks    NetworksConfig
	Protocols   ProtocolsConfig
	Cache       CacheConfig
	Indexer     IndexerConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// NetworksConfig holds per-network chain configuration
type NetworksConfig struct {
	Enabled  []string
	Networks map[string]NetworkConfig
}

// NetworkConfig holds configuration for a specific network
type NetworkConfig struct {
	RPCEndpoints  []string
	LedgerAddress string
}

// ProtocolsConfig holds protocol index API configuration
type ProtocolsConfig struct {
	AaveURL     string
	CompoundURL string
	UniswapURL  string
	CurveURL    string
	LidoURL     string
	Timeout     time.Duration
}

// CacheConfig holds cache configuration. Token metadata is cached for the
// process lifetime and has no TTL here.
type CacheConfig struct {
	MetricsTTL time.Duration
}

// IndexerConfig holds ledger indexer worker configuration
type IndexerConfig struct {
	PollInterval time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	FreeTier    int
	BasicTier   int
	PremiumTier int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// IsProduction reports whether the process runs in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "defi_aggregator"),
				User:           getEnv("POSTGRES_USER", "aggregator"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 100),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "defi_aggregator"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Protocols: ProtocolsConfig{
			AaveURL:     getEnv("AAVE_INDEX_URL", "https://api.aave.example/v3"),
			CompoundURL: getEnv("COMPOUND_INDEX_URL", "https://api.compound.example/v2"),
			UniswapURL:  getEnv("UNISWAP_INDEX_URL", "https://api.uniswap.example/v3"),
			CurveURL:    getEnv("CURVE_INDEX_URL", "https://api.curve.example/v1"),
			LidoURL:     getEnv("LIDO_INDEX_URL", "https://api.lido.example/v1"),
			Timeout:     getEnvAsDuration("PROTOCOL_API_TIMEOUT", 10*time.Second),
		},
		Cache: CacheConfig{
			MetricsTTL: getEnvAsDuration("METRICS_CACHE_TTL", 30*time.Second),
		},
		Indexer: IndexerConfig{
			PollInterval: getEnvAsDuration("INDEXER_POLL_INTERVAL", 15*time.Second),
		},
		RateLimit: RateLimitConfig{
			FreeTier:    getEnvAsInt("RATE_LIMIT_FREE_TIER", 1000),
			BasicTier:   getEnvAsInt("RATE_LIMIT_BASIC_TIER", 10000),
			PremiumTier: getEnvAsInt("RATE_LIMIT_PREMIUM_TIER", 100000),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Networks = loadNetworkConfigs()

	return config, nil
}

// loadNetworkConfigs loads network-specific configurations
func loadNetworkConfigs() NetworksConfig {
	enabled := strings.Split(getEnv("ENABLED_NETWORKS", "ethereum,polygon,arbitrum,optimism,base"), ",")

	networks := make(map[string]NetworkConfig)
	for _, network := range enabled {
		network = strings.TrimSpace(network)
		if network == "" {
			continue
		}

		prefix := strings.ToUpper(network)
		networks[network] = NetworkConfig{
			RPCEndpoints:  splitAndTrim(getEnv(prefix+"_RPC_ENDPOINTS", "")),
			LedgerAddress: getEnv(prefix+"_LEDGER_ADDRESS", ""),
		}
	}

	return NetworksConfig{
		Enabled:  enabled,
		Networks: networks,
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
