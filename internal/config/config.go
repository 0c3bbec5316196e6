// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/hillside/hillside-escrow/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL   string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBAutoMigrate bool   // apply embedded migrations at startup

	// Security
	AdminSecret        string // Required on operator routes via X-Admin-Secret
	CORSAllowedOrigins []string
	RateLimitPerMinute int // per client IP on operator routes

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // root span sampling, 1 = everything

	// Feature flags
	FeatureShadowWrite             bool
	FeatureOnchainLock             bool
	FeatureReconciliationScheduler bool

	Chains         ChainsConfig
	Escrow         EscrowConfig
	Reconciliation ReconciliationConfig
}

// ChainsConfig carries the raw per-network settings. The chains package turns
// it into a registry.
type ChainsConfig struct {
	ActiveKey   string
	AllowedKeys string // comma-separated allow-list of enabled network keys

	Sepolia NetworkConfig
	Amoy    NetworkConfig
}

// NetworkConfig is the environment view of one EVM network.
type NetworkConfig struct {
	RPCURL            string
	ChainID           int64
	EscrowContract    string
	GuestPassContract string
	SignerKey         string
	ExplorerBaseURL   string
}

// EscrowConfig controls settlement transactions.
type EscrowConfig struct {
	LockAmountWei     *big.Int
	ReceiptTimeoutSec int
}

// ReconciliationConfig controls the reconciliation monitor.
type ReconciliationConfig struct {
	IntervalSec             int
	Limit                   int
	ChainKey                string // empty = active chain
	Concurrency             int
	MismatchThreshold       int
	MissingOnchainThreshold int
	SkippedThreshold        int
}

// Public testnet defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultActiveChain          = "sepolia"
	DefaultAllowedChains        = "sepolia,amoy"
	DefaultChainIDSepolia       = 11155111
	DefaultChainIDAmoy          = 80002
	DefaultExplorerSepolia      = "https://sepolia.etherscan.io/tx/"
	DefaultExplorerAmoy         = "https://amoy.polygonscan.com/tx/"
	DefaultLockAmountWei        = "1"
	DefaultReceiptTimeoutSec    = 90
	DefaultReconcileIntervalSec = 300
	DefaultReconcileLimit       = 200
	DefaultReconcileConcurrency = 4
	DefaultAlertThreshold       = 1
	DefaultCORSOrigins          = "http://localhost:5173,http://localhost:3000"
	DefaultRateLimitPerMinute   = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	activeKey := strings.ToLower(strings.TrimSpace(getEnv("CHAIN_ACTIVE_KEY", DefaultActiveChain)))
	legacySigner := os.Getenv("ESCROW_SIGNER_PRIVATE_KEY")

	// The legacy single-contract setting only ever described the amoy deployment.
	amoyContract := os.Getenv("ESCROW_CONTRACT_ADDRESS_AMOY")
	if amoyContract == "" && activeKey == "amoy" {
		amoyContract = os.Getenv("ESCROW_CONTRACT_ADDRESS")
	}

	lockAmount, ok := new(big.Int).SetString(strings.TrimSpace(getEnv("ESCROW_LOCK_AMOUNT_WEI", DefaultLockAmountWei)), 10)
	if !ok {
		return nil, fmt.Errorf("ESCROW_LOCK_AMOUNT_WEI must be a base-10 integer")
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DBAutoMigrate:      getEnvBool("DB_AUTO_MIGRATE", false),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		CORSAllowedOrigins: splitList(getEnv("API_CORS_ALLOWED_ORIGINS", DefaultCORSOrigins)),
		RateLimitPerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:   getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),

		FeatureShadowWrite:             getEnvBool("FEATURE_ESCROW_SHADOW_WRITE", false),
		FeatureOnchainLock:             getEnvBool("FEATURE_ESCROW_ONCHAIN_LOCK", false),
		FeatureReconciliationScheduler: getEnvBool("FEATURE_ESCROW_RECONCILIATION_SCHEDULER", false),

		Chains: ChainsConfig{
			ActiveKey:   activeKey,
			AllowedKeys: getEnv("CHAIN_ALLOWED_KEYS", DefaultAllowedChains),
			Sepolia: NetworkConfig{
				RPCURL:            strings.TrimSpace(os.Getenv("EVM_RPC_URL_SEPOLIA")),
				ChainID:           getEnvInt64("CHAIN_ID_SEPOLIA", DefaultChainIDSepolia),
				EscrowContract:    strings.TrimSpace(os.Getenv("ESCROW_CONTRACT_ADDRESS_SEPOLIA")),
				GuestPassContract: strings.TrimSpace(os.Getenv("GUEST_PASS_CONTRACT_ADDRESS_SEPOLIA")),
				SignerKey:         strings.TrimSpace(firstNonEmpty(os.Getenv("ESCROW_SIGNER_PRIVATE_KEY_SEPOLIA"), legacySigner)),
				ExplorerBaseURL:   strings.TrimSpace(getEnv("EXPLORER_BASE_URL_SEPOLIA", DefaultExplorerSepolia)),
			},
			Amoy: NetworkConfig{
				RPCURL:            strings.TrimSpace(firstNonEmpty(os.Getenv("EVM_RPC_URL_AMOY"), os.Getenv("POLYGON_RPC_URL_AMOY"))),
				ChainID:           getEnvInt64("CHAIN_ID_AMOY", getEnvInt64("CHAIN_ID", DefaultChainIDAmoy)),
				EscrowContract:    strings.TrimSpace(amoyContract),
				GuestPassContract: strings.TrimSpace(os.Getenv("GUEST_PASS_CONTRACT_ADDRESS_AMOY")),
				SignerKey:         strings.TrimSpace(firstNonEmpty(os.Getenv("ESCROW_SIGNER_PRIVATE_KEY_AMOY"), legacySigner)),
				ExplorerBaseURL:   strings.TrimSpace(getEnv("EXPLORER_BASE_URL_AMOY", DefaultExplorerAmoy)),
			},
		},

		Escrow: EscrowConfig{
			LockAmountWei:     lockAmount,
			ReceiptTimeoutSec: int(getEnvInt64("ESCROW_TX_RECEIPT_TIMEOUT_SEC", DefaultReceiptTimeoutSec)),
		},

		Reconciliation: ReconciliationConfig{
			IntervalSec:             int(getEnvInt64("ESCROW_RECONCILIATION_INTERVAL_SEC", DefaultReconcileIntervalSec)),
			Limit:                   int(getEnvInt64("ESCROW_RECONCILIATION_LIMIT", DefaultReconcileLimit)),
			ChainKey:                strings.ToLower(strings.TrimSpace(os.Getenv("ESCROW_RECONCILIATION_CHAIN_KEY"))),
			Concurrency:             int(getEnvInt64("ESCROW_RECONCILIATION_CONCURRENCY", DefaultReconcileConcurrency)),
			MismatchThreshold:       int(getEnvInt64("ESCROW_RECONCILIATION_ALERT_MISMATCH_THRESHOLD", DefaultAlertThreshold)),
			MissingOnchainThreshold: int(getEnvInt64("ESCROW_RECONCILIATION_ALERT_MISSING_ONCHAIN_THRESHOLD", DefaultAlertThreshold)),
			SkippedThreshold:        int(getEnvInt64("ESCROW_RECONCILIATION_ALERT_SKIPPED_THRESHOLD", DefaultAlertThreshold)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
// Missing chain settings are not errors here: an unconfigured network is
// reported per operation, so the API can still start.
func (c *Config) Validate() error {
	if c.Escrow.LockAmountWei == nil || c.Escrow.LockAmountWei.Sign() < 0 {
		return fmt.Errorf("ESCROW_LOCK_AMOUNT_WEI must be a non-negative integer")
	}
	if c.Escrow.ReceiptTimeoutSec <= 0 {
		return fmt.Errorf("ESCROW_TX_RECEIPT_TIMEOUT_SEC must be positive")
	}
	if c.Reconciliation.IntervalSec <= 0 {
		return fmt.Errorf("ESCROW_RECONCILIATION_INTERVAL_SEC must be positive")
	}
	if c.Reconciliation.Limit <= 0 {
		return fmt.Errorf("ESCROW_RECONCILIATION_LIMIT must be positive")
	}
	if c.Reconciliation.Concurrency <= 0 {
		return fmt.Errorf("ESCROW_RECONCILIATION_CONCURRENCY must be positive")
	}
	for name, v := range map[string]int{
		"ESCROW_RECONCILIATION_ALERT_MISMATCH_THRESHOLD":        c.Reconciliation.MismatchThreshold,
		"ESCROW_RECONCILIATION_ALERT_MISSING_ONCHAIN_THRESHOLD": c.Reconciliation.MissingOnchainThreshold,
		"ESCROW_RECONCILIATION_ALERT_SKIPPED_THRESHOLD":         c.Reconciliation.SkippedThreshold,
	} {
		// Zero would raise the alert on every run.
		if v < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}

	for name, addr := range map[string]string{
		"ESCROW_CONTRACT_ADDRESS_SEPOLIA":     c.Chains.Sepolia.EscrowContract,
		"ESCROW_CONTRACT_ADDRESS_AMOY":        c.Chains.Amoy.EscrowContract,
		"GUEST_PASS_CONTRACT_ADDRESS_SEPOLIA": c.Chains.Sepolia.GuestPassContract,
		"GUEST_PASS_CONTRACT_ADDRESS_AMOY":    c.Chains.Amoy.GuestPassContract,
	} {
		if addr != "" && !validation.IsValidEthAddress(addr) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", name)
		}
	}

	for name, key := range map[string]string{
		"ESCROW_SIGNER_PRIVATE_KEY_SEPOLIA": c.Chains.Sepolia.SignerKey,
		"ESCROW_SIGNER_PRIVATE_KEY_AMOY":    c.Chains.Amoy.SignerKey,
	} {
		if key == "" {
			continue
		}
		// Allow both with and without 0x prefix
		if len(strings.TrimPrefix(key, "0x")) != 64 {
			return fmt.Errorf("%s must be 64 hex characters (with or without 0x prefix)", name)
		}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
