package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearSettlementEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL",
		"STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET", "CURRENCY",
		"PLATFORM_FEE_BPS", "EXPRESS_FEE_BPS", "CLEARING_DAYS",
		"SNAPSHOT_TTL", "RECONCILE_TOLERANCE", "RECONCILE_INTERVAL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearSettlementEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, int64(350), cfg.PlatformFeeBPS)
	assert.Equal(t, int64(450), cfg.ExpressFeeBPS)
	assert.Equal(t, 2, cfg.ClearingDays)
	assert.Equal(t, 48*time.Hour, cfg.ClearingWindow())
	assert.Equal(t, DefaultSnapshotTTL, cfg.SnapshotTTL)
	assert.Equal(t, int64(DefaultReconcileTolerance), cfg.ReconcileTolerance)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	clearSettlementEnv(t)
	t.Setenv("PLATFORM_FEE_BPS", "300")
	t.Setenv("EXPRESS_FEE_BPS", "300")
	t.Setenv("CLEARING_DAYS", "7")
	t.Setenv("SNAPSHOT_TTL", "30s")
	t.Setenv("CURRENCY", "usd")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(300), cfg.PlatformFeeBPS)
	assert.Equal(t, int64(300), cfg.ExpressFeeBPS)
	assert.Equal(t, 7, cfg.ClearingDays)
	assert.Equal(t, 30*time.Second, cfg.SnapshotTTL)
	assert.Equal(t, "usd", cfg.Currency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"negative platform fee", func(c *Config) { c.PlatformFeeBPS = -1 }, true},
		{"platform fee over 100%", func(c *Config) { c.PlatformFeeBPS = 10001 }, true},
		{"negative express fee", func(c *Config) { c.ExpressFeeBPS = -1 }, true},
		{"negative clearing days", func(c *Config) { c.ClearingDays = -1 }, true},
		{"negative tolerance", func(c *Config) { c.ReconcileTolerance = -5 }, true},
		{"bad currency", func(c *Config) { c.Currency = "euro" }, true},
		{"production without stripe key", func(c *Config) { c.Env = "production" }, true},
		{"production with stripe key", func(c *Config) {
			c.Env = "production"
			c.StripeAPIKey = "sk_test_xyz"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Env:            DefaultEnv,
				Currency:       DefaultCurrency,
				PlatformFeeBPS: DefaultPlatformFeeBPS,
				ExpressFeeBPS:  DefaultExpressFeeBPS,
				ClearingDays:   DefaultClearingDays,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
