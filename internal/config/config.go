// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment processor
	StripeAPIKey        string
	StripeWebhookSecret string // If set, payout webhooks must carry a valid Stripe signature
	Currency            string // ISO currency code, lowercase (single-currency platform)

	// Settlement rates, in basis points
	PlatformFeeBPS int64 // Platform share of gross order value
	ExpressFeeBPS  int64 // Surcharge on express payouts

	// Clearing and reconciliation
	ClearingDays       int           // Days between order completion and fund availability
	SnapshotTTL        time.Duration // Balance snapshot cache lifetime
	ReconcileTolerance int64         // Allowed drift in minor units before a discrepancy is raised
	ReconcileInterval  time.Duration // 0 disables the scheduled sweep

	// Tracing
	OTLPEndpoint string
}

// Defaults. The fee rates are the product-decided values; both remain
// overridable per environment.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultCurrency           = "eur"
	DefaultPlatformFeeBPS     = 350 // 3.5%
	DefaultExpressFeeBPS      = 450 // 4.5%
	DefaultClearingDays       = 2
	DefaultSnapshotTTL        = 5 * time.Minute
	DefaultReconcileTolerance = 100 // 1.00 in minor units, covers processor settlement lag
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		PlatformFeeBPS:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		ExpressFeeBPS:       getEnvInt64("EXPRESS_FEE_BPS", DefaultExpressFeeBPS),
		ClearingDays:        int(getEnvInt64("CLEARING_DAYS", DefaultClearingDays)),
		SnapshotTTL:         getEnvDuration("SNAPSHOT_TTL", DefaultSnapshotTTL),
		ReconcileTolerance:  getEnvInt64("RECONCILE_TOLERANCE", DefaultReconcileTolerance),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 0),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000, got %d", c.PlatformFeeBPS)
	}
	if c.ExpressFeeBPS < 0 || c.ExpressFeeBPS > 10000 {
		return fmt.Errorf("EXPRESS_FEE_BPS must be between 0 and 10000, got %d", c.ExpressFeeBPS)
	}
	if c.ClearingDays < 0 {
		return fmt.Errorf("CLEARING_DAYS must not be negative, got %d", c.ClearingDays)
	}
	if c.ReconcileTolerance < 0 {
		return fmt.Errorf("RECONCILE_TOLERANCE must not be negative, got %d", c.ReconcileTolerance)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}
	if c.IsProduction() && c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required in production")
	}
	return nil
}

// ClearingWindow returns the clearing delay as a duration.
func (c *Config) ClearingWindow() time.Duration {
	return time.Duration(c.ClearingDays) * 24 * time.Hour
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
