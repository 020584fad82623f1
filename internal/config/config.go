// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	Network        string // Named network from the registry, e.g. "arbitrum_sepolia"
	RPCURLOverride string // Overrides the registry RPC URL when set

	// Delivery eligibility scanner
	ScanInterval time.Duration
	GraceWindow  time.Duration

	// Chainlink Functions oracle settings for api-approval deliveries.
	// Process-wide, not per-request.
	FunctionsSubscriptionID uint64
	FunctionsDonID          string // bytes32 DON name, e.g. "fun-arbitrum-sepolia-1", or 0x hex
	FunctionsSlotID         int
	FunctionsSecretsVersion uint64
	FunctionsGasLimit       uint32
	TweetScriptPath         string // oracle source for tweet_repost checks
	CrosschainScriptPath    string // oracle source for crosschain_nft checks

	// Security
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultNetwork      = "arbitrum_sepolia"
	DefaultRateLimit    = 100
	DefaultScanInterval = 30 * time.Second
	DefaultGraceWindow  = time.Hour

	DefaultFunctionsDonID    = "fun-arbitrum-sepolia-1"
	DefaultFunctionsGasLimit = 300_000
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Network:        getEnv("NETWORK", DefaultNetwork),
		RPCURLOverride: os.Getenv("RPC_URL"),
		ScanInterval:   getEnvDuration("SCAN_INTERVAL", DefaultScanInterval),
		GraceWindow:    getEnvDuration("DELIVERY_GRACE_WINDOW", DefaultGraceWindow),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),

		FunctionsSubscriptionID: uint64(getEnvInt64("FUNCTIONS_SUBSCRIPTION_ID", 0)),
		FunctionsDonID:          getEnv("FUNCTIONS_DON_ID", DefaultFunctionsDonID),
		FunctionsSlotID:         int(getEnvInt64("FUNCTIONS_SLOT_ID", 0)),
		FunctionsSecretsVersion: uint64(getEnvInt64("FUNCTIONS_SECRETS_VERSION", 0)),
		FunctionsGasLimit:       uint32(getEnvInt64("FUNCTIONS_GAS_LIMIT", DefaultFunctionsGasLimit)),
		TweetScriptPath:         os.Getenv("TWEET_SCRIPT_PATH"),
		CrosschainScriptPath:    os.Getenv("CROSSCHAIN_SCRIPT_PATH"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("NETWORK is required")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL must be positive")
	}
	if c.GraceWindow <= 0 {
		return fmt.Errorf("DELIVERY_GRACE_WINDOW must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
