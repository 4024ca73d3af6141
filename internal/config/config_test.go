package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CONFIG_FILE", "PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "KAFKA_BROKERS",
	"FAILURE_TOPIC", "TICK_CHANNEL", "JWT_SECRET", "JWT_ISSUER", "COMMISSION_PCT",
	"MIN_STAKE", "PRICE_TIMEOUT", "SWEEP_INTERVAL", "MIRROR_INTERVAL", "SETTLE_WORKERS",
	"SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "spread.failures", cfg.FailureTopic)
	require.Equal(t, "odds", cfg.TickChannel)
	require.True(t, cfg.CommissionPct.Equal(decimal.NewFromInt(2)))
	require.True(t, cfg.MinStake.Equal(decimal.NewFromInt(1)))
	require.Equal(t, 2*time.Second, cfg.PriceTimeout)
	require.Equal(t, 5*time.Second, cfg.SweepInterval)
	require.Equal(t, 30*time.Second, cfg.MirrorInterval)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, 4, cfg.SettleWorkers)
	require.Len(t, cfg.StakeBuckets, 3)
	require.Empty(t, cfg.KafkaBrokers)
	require.Empty(t, cfg.Markets)
}

func TestLoad_Env(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("COMMISSION_PCT", "2.5")
	t.Setenv("MIRROR_INTERVAL", "0s")
	t.Setenv("SETTLE_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.True(t, cfg.CommissionPct.Equal(decimal.RequireFromString("2.5")))
	require.Zero(t, cfg.MirrorInterval)
	require.Equal(t, 8, cfg.SettleWorkers)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"PORT":             "not-a-number",
		"LOG_LEVEL":        "verbose",
		"COMMISSION_PCT":   "100",
		"MIN_STAKE":        "0",
		"PRICE_TIMEOUT":    "soon",
		"SWEEP_INTERVAL":   "0s",
		"SETTLE_WORKERS":   "0",
		"SHUTDOWN_TIMEOUT": "-1s",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, val)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "spread.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7000
commission_pct: 3
stake_buckets:
  - {min_odds: 1.01, max_odds: 3, max_stake: 250}
  - {min_odds: 3, max_odds: 1000, max_stake: "40.5"}
markets:
  - id: epl-ars-che
    selections: [ars, che, draw]
    enabled: true
    max_odds: 50
    buy: {max_profit: 5000, max_loss: 2500}
    sell: {max_profit: 4000, max_loss: 2000}
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7100")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 7100, cfg.Port, "env overrides file")
	require.True(t, cfg.CommissionPct.Equal(decimal.NewFromInt(3)))

	require.Len(t, cfg.StakeBuckets, 2)
	require.True(t, cfg.StakeBuckets[1].MaxStake.Equal(decimal.RequireFromString("40.5")))

	require.Len(t, cfg.Markets, 1)
	m := cfg.Markets[0].Market()
	require.Equal(t, "epl-ars-che", m.ID)
	require.Equal(t, []string{"ars", "che", "draw"}, m.Selections)
	require.True(t, m.Enabled)
	require.True(t, m.MaxOdds.Equal(decimal.NewFromInt(50)))
	require.True(t, m.Sell.MaxLoss.Equal(decimal.NewFromInt(2000)))
}

func TestLoad_FileInvalidMarket(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "spread.yaml")
	require.NoError(t, os.WriteFile(path, []byte("markets:\n  - id: m1\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
}
