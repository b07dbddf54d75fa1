// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for escrowd.
type Config struct {
	// Server
	Port     string
	GinMode  string
	LogLevel string
	LogJSON  bool

	// Persistence. Empty means in-memory stores.
	PostgresURL string

	// Payments
	PaymentMethod     string // "custodial" or "onchain" default for new contracts
	SettlementTimeout time.Duration
	StripeSecretKey   string
	EthRPCURL         string
	EthPrivateKey     string
	EthChainID        int64
	EscrowWalletAddr  string
	ChainConfirmation int

	// Disputes
	PanelSize        int
	VotingWindow     time.Duration
	DefaultArbitrator string
	AnalysisTimeout  time.Duration

	// Retry / breaker tuning
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Rate limiting
	RateLimitPerMinute int
	RateLimitBurst     int

	// CORS
	AllowedOrigins []string

	// Events
	WebhookSigningSecret string

	// Tracing
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from the environment, with .env as a fallback
// for local development.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "release"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getBool("LOG_JSON", true),

		PostgresURL: os.Getenv("POSTGRES_URL"),

		PaymentMethod:     getEnv("PAYMENT_METHOD", "custodial"),
		SettlementTimeout: getDuration("SETTLEMENT_TIMEOUT", 30*time.Second),
		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		EthRPCURL:         os.Getenv("ETH_RPC_URL"),
		EthPrivateKey:     os.Getenv("ETH_PRIVATE_KEY"),
		EthChainID:        int64(getInt("ETH_CHAIN_ID", 84532)),
		EscrowWalletAddr:  os.Getenv("ESCROW_WALLET_ADDR"),
		ChainConfirmation: getInt("CHAIN_CONFIRMATIONS", 3),

		PanelSize:         getInt("DISPUTE_PANEL_SIZE", 3),
		VotingWindow:      getDuration("DISPUTE_VOTING_WINDOW", 72*time.Hour),
		DefaultArbitrator: getEnv("DEFAULT_ARBITRATOR", "admin_default"),
		AnalysisTimeout:   getDuration("DISPUTE_ANALYSIS_TIMEOUT", 15*time.Second),

		RetryAttempts:    getInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:   getDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
		BreakerThreshold: getInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getDuration("BREAKER_COOLDOWN", 30*time.Second),

		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:     getInt("RATE_LIMIT_BURST", 20),

		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),

		WebhookSigningSecret: os.Getenv("WEBHOOK_SIGNING_SECRET"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  getEnv("SERVICE_NAME", "escrowd"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.PaymentMethod {
	case "custodial", "onchain":
	default:
		return fmt.Errorf("config: PAYMENT_METHOD must be custodial or onchain, got %q", c.PaymentMethod)
	}
	if c.PanelSize < 1 {
		return fmt.Errorf("config: DISPUTE_PANEL_SIZE must be >= 1, got %d", c.PanelSize)
	}
	if c.SettlementTimeout <= 0 {
		return fmt.Errorf("config: SETTLEMENT_TIMEOUT must be positive")
	}
	return nil
}

// IsProduction reports whether the server runs in release mode.
func (c *Config) IsProduction() bool {
	return c.GinMode == "release"
}

// IsDevelopment is the inverse of IsProduction.
func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
