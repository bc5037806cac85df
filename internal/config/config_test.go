package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "ZAR", cfg.SettlementCurrency)
	assert.Equal(t, "USD", cfg.ReferenceCurrency)
	assert.Equal(t, 3, cfg.RecurringPauseStreak)
	assert.Equal(t, 15*time.Minute, cfg.ReconcilePending)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, "18.5", cfg.FXFallbackRates["USD:ZAR"].String())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RECURRING_FAILURE_PAUSE_STREAK", "5")
	t.Setenv("FX_TIMEOUT", "250ms")
	t.Setenv("SETTLEMENT_CURRENCY", "zar")
	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5, cfg.RecurringPauseStreak)
	assert.Equal(t, 250*time.Millisecond, cfg.FXTimeout)
	assert.Equal(t, "ZAR", cfg.SettlementCurrency)
}

func TestLoadInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("RECONCILE_INTERVAL", "soon")
	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
}

func TestLoadRejectsDefaultSecretInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	_, err := load(viper.New())
	require.Error(t, err)
}

func TestParseRates(t *testing.T) {
	rates, err := ParseRates("usd:zar=18.50, GBP:ZAR=23.10")
	require.NoError(t, err)
	assert.Len(t, rates, 2)
	assert.Equal(t, "23.1", rates["GBP:ZAR"].String())

	_, err = ParseRates("USDZAR=1")
	assert.Error(t, err)
	_, err = ParseRates("USD:ZAR=-1")
	assert.Error(t, err)
}
