package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("WALLET_ADDRESS", "TWallet")

	cfg, err := parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DB.Driver)
	assert.Equal(t, "19.9", cfg.Shop.SubscriptionPrice.String())
	assert.Equal(t, 10*time.Minute, cfg.Shop.Window)
	assert.Equal(t, int64(1000), cfg.Shop.ToleranceMicros)
	assert.Equal(t, 31*24*time.Hour, cfg.Shop.SubscriptionTerm)
	assert.False(t, cfg.TestMode)
}

func TestParse_EnvThenFlags(t *testing.T) {
	t.Setenv("WALLET_ADDRESS", "TWallet")
	t.Setenv("PORT", "9000")
	t.Setenv("TEST_MODE", "true")
	t.Setenv("TELEGRAM_SERVICE_PRICE", "25")
	t.Setenv("SWEEP_GRACE", "1h")

	cfg, err := parse([]string{"-port", "9100"})
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.True(t, cfg.TestMode)
	assert.Equal(t, "25", cfg.Shop.SubscriptionPrice.String())
	assert.Equal(t, time.Hour, cfg.Sweeper.Grace)
}

func TestParse_Invalid(t *testing.T) {
	t.Setenv("WALLET_ADDRESS", "TWallet")

	_, err := parse([]string{"-db-driver", "mysql"})
	assert.Error(t, err)

	_, err = parse([]string{"-subscription-price", "abc"})
	assert.Error(t, err)

	t.Setenv("WALLET_ADDRESS", "")
	_, err = parse(nil)
	assert.Error(t, err)
}
