// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AdvisorySource is one external dispute advisor.
type AdvisorySource struct {
	Name string
	URL  string
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Money
	Currency         string
	FeeRateBps       int64
	CommunityRateBps int64
	CommentRateBps   int64

	// Daily payout
	PayoutTopN  int
	PayoutRunAt string // "HH:MM" UTC

	// Gateways
	StripeSecretKey string // gateway_a; in-memory gateway when empty
	GatewayBURL     string // gateway_b; in-memory gateway when empty
	GatewayBAPIKey  string

	// Disputes
	AdvisorySources []AdvisorySource
	AdvisoryAPIKey  string
	AdvisoryTimeout time.Duration
	EvidenceTimeout time.Duration

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Security
	IdentitySecret string // HMAC secret shared with the identity provider

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultCurrency         = "EUR"
	DefaultFeeRateBps       = 1000
	DefaultCommunityRateBps = 200
	DefaultCommentRateBps   = 500
	DefaultPayoutTopN       = 50
	DefaultPayoutRunAt      = "00:10"
	DefaultAdvisoryTimeout  = 20 * time.Second
	DefaultEvidenceTimeout  = 72 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	sources, err := parseSources(os.Getenv("ADVISORY_SOURCES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", true),
		Currency:            strings.ToUpper(getEnv("CURRENCY", DefaultCurrency)),
		FeeRateBps:          getEnvInt64("FEE_RATE_BPS", DefaultFeeRateBps),
		CommunityRateBps:    getEnvInt64("COMMUNITY_RATE_BPS", DefaultCommunityRateBps),
		CommentRateBps:      getEnvInt64("COMMENT_REWARD_RATE_BPS", DefaultCommentRateBps),
		PayoutTopN:          int(getEnvInt64("PAYOUT_TOP_N", DefaultPayoutTopN)),
		PayoutRunAt:         getEnv("PAYOUT_RUN_AT", DefaultPayoutRunAt),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		GatewayBURL:         os.Getenv("GATEWAY_B_URL"),
		GatewayBAPIKey:      os.Getenv("GATEWAY_B_API_KEY"),
		AdvisorySources:     sources,
		AdvisoryAPIKey:      os.Getenv("ADVISORY_API_KEY"),
		AdvisoryTimeout:     getEnvDuration("ADVISORY_TIMEOUT", DefaultAdvisoryTimeout),
		EvidenceTimeout:     getEnvDuration("EVIDENCE_TIMEOUT", DefaultEvidenceTimeout),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		IdentitySecret:      os.Getenv("IDENTITY_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.FeeRateBps < 0 || c.FeeRateBps > 10000 {
		return fmt.Errorf("FEE_RATE_BPS must be between 0 and 10000")
	}
	if c.CommunityRateBps < 0 || c.CommunityRateBps > c.FeeRateBps {
		return fmt.Errorf("COMMUNITY_RATE_BPS must be between 0 and FEE_RATE_BPS")
	}
	if c.CommentRateBps < 0 || c.CommentRateBps > 10000 {
		return fmt.Errorf("COMMENT_REWARD_RATE_BPS must be between 0 and 10000")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code")
	}
	if c.PayoutTopN <= 0 {
		return fmt.Errorf("PAYOUT_TOP_N must be positive")
	}
	if _, err := time.Parse("15:04", c.PayoutRunAt); err != nil {
		return fmt.Errorf("PAYOUT_RUN_AT must be HH:MM")
	}
	if c.AdvisoryTimeout <= 0 || c.EvidenceTimeout <= 0 {
		return fmt.Errorf("ADVISORY_TIMEOUT and EVIDENCE_TIMEOUT must be positive")
	}
	if c.GatewayBURL != "" && c.GatewayBAPIKey == "" {
		return fmt.Errorf("GATEWAY_B_API_KEY is required when GATEWAY_B_URL is set")
	}

	if c.IsProduction() {
		if c.IdentitySecret == "" {
			return fmt.Errorf("IDENTITY_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" || c.GatewayBURL == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY and GATEWAY_B_URL are required in production")
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

// parseSources parses "name=url,name=url".
func parseSources(raw string) ([]AdvisorySource, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []AdvisorySource
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(part), "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("ADVISORY_SOURCES entry %q must be name=url", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("ADVISORY_SOURCES has duplicate source %q", name)
		}
		seen[name] = true
		out = append(out, AdvisorySource{Name: name, URL: url})
	}
	return out, nil
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
