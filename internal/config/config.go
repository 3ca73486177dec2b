// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration for both the compute node and the analysis service.
// The two binaries read the subsets they need; Validate is split accordingly.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (service side; in-memory history store if unset)
	DatabaseURL string

	// Rollup host (node side)
	RollupServerURL string // base URL of the rollup HTTP API (/finish, /notice, /report)

	// Cartesi node (service side)
	CartesiNodeURL string // base URL for /nonce, /submit and /graphql
	DAppAddress    string // application contract address work items are sent to
	ChainID        int64  // EIP-712 domain chain id
	PrivateKey     string // hex-encoded signer key, with or without 0x prefix

	// Result polling
	PollMaxAttempts int
	PollInterval    time.Duration

	// Token data sources
	RPCURL           string // Ethereum JSON-RPC for contract code lookups
	EtherscanAPIKey  string
	CoinGeckoAPIKey  string
	EthplorerAPIKey  string
	BlockscoutAPIURL string
	SubgraphURL      string // Uniswap v3 subgraph for pool snapshots

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled if empty
}

// Sepolia defaults matching the deployed appchain.
const (
	DefaultPort            = "4200"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultRollupServerURL = "http://127.0.0.1:5004"
	DefaultCartesiNodeURL  = "http://localhost:8080"
	DefaultDAppAddress     = "0x2291ba684ea6bCA81caCE56fcc1194A84086C912"
	DefaultChainID         = 11155111 // Sepolia
	DefaultPollAttempts    = 10
	DefaultPollInterval    = 2 * time.Second
	DefaultRPCURL          = "https://eth-mainnet.g.alchemy.com/v2/demo"
	DefaultBlockscoutURL   = "https://eth.blockscout.com/api/v2"
)

// Load reads configuration from environment variables.
// It loads .env if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RollupServerURL:  getEnv("ROLLUP_HTTP_SERVER_URL", DefaultRollupServerURL),
		CartesiNodeURL:   getEnv("CARTESI_NODE_URL", DefaultCartesiNodeURL),
		DAppAddress:      getEnv("DAPP_ADDRESS", DefaultDAppAddress),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:       os.Getenv("PRIVATE_KEY"), // Required by the service, no default
		PollMaxAttempts:  int(getEnvInt64("POLL_MAX_ATTEMPTS", DefaultPollAttempts)),
		PollInterval:     getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		EtherscanAPIKey:  os.Getenv("ETHERSCAN_API_KEY"),
		CoinGeckoAPIKey:  os.Getenv("COINGECKO_API_KEY"),
		EthplorerAPIKey:  getEnv("ETHPLORER_API_KEY", "freekey"),
		BlockscoutAPIURL: getEnv("BLOCKSCOUT_API_URL", DefaultBlockscoutURL),
		SubgraphURL:      os.Getenv("SUBGRAPH_URL"), // Optional; pool analysis disabled if unset
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	return cfg, nil
}

// ValidateNode checks the configuration the compute node needs.
func (c *Config) ValidateNode() error {
	if c.RollupServerURL == "" {
		return fmt.Errorf("ROLLUP_HTTP_SERVER_URL is required")
	}
	return nil
}

// ValidateService checks the configuration the analysis service needs.
func (c *Config) ValidateService() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.CartesiNodeURL == "" {
		return fmt.Errorf("CARTESI_NODE_URL is required")
	}
	if c.DAppAddress == "" {
		return fmt.Errorf("DAPP_ADDRESS is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID is required")
	}
	if c.PollMaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
