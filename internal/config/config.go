// Package config loads runtime configuration from an optional YAML file and
// the environment. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/model"
)

// Config holds all runtime configuration for the spread engine.
type Config struct {
	Port            int
	LogLevel        string
	DatabaseURL     string
	RedisURL        string
	KafkaBrokers    []string
	FailureTopic    string
	TickChannel     string
	JWTSecret       string
	JWTIssuer       string
	CommissionPct   decimal.Decimal
	MinStake        decimal.Decimal
	StakeBuckets    []market.Bucket
	PriceTimeout    time.Duration
	SweepInterval   time.Duration
	MirrorInterval  time.Duration
	SettleWorkers   int
	ShutdownTimeout time.Duration
	Markets         []MarketConfig
}

// MarketConfig seeds one market into the catalog.
type MarketConfig struct {
	ID         string          `mapstructure:"id"`
	Selections []string        `mapstructure:"selections"`
	Enabled    bool            `mapstructure:"enabled"`
	MaxOdds    decimal.Decimal `mapstructure:"max_odds"`
	Buy        BoundConfig     `mapstructure:"buy"`
	Sell       BoundConfig     `mapstructure:"sell"`
}

// BoundConfig is the exposure envelope for one side.
type BoundConfig struct {
	MaxProfit decimal.Decimal `mapstructure:"max_profit"`
	MaxLoss   decimal.Decimal `mapstructure:"max_loss"`
}

// Market converts the seed entry into an open catalog market.
func (m MarketConfig) Market() market.Market {
	return market.Market{
		ID:         m.ID,
		Selections: m.Selections,
		Enabled:    m.Enabled,
		Status:     model.MarketOpen,
		MaxOdds:    m.MaxOdds,
		Buy:        market.Bound{MaxProfit: m.Buy.MaxProfit, MaxLoss: m.Buy.MaxLoss},
		Sell:       market.Bound{MaxProfit: m.Sell.MaxProfit, MaxLoss: m.Sell.MaxLoss},
	}
}

var defaults = map[string]any{
	"port":             "8080",
	"log_level":        "info",
	"database_url":     "",
	"redis_url":        "",
	"kafka_brokers":    "",
	"failure_topic":    "spread.failures",
	"tick_channel":     "odds",
	"jwt_secret":       "",
	"jwt_issuer":       "",
	"commission_pct":   "2",
	"min_stake":        "1",
	"price_timeout":    "2s",
	"sweep_interval":   "5s",
	"mirror_interval":  "30s",
	"settle_workers":   "4",
	"shutdown_timeout": "10s",
}

// Load reads configuration, applies defaults, and validates values. It
// returns an error for any invalid value. The file is taken from CONFIG_FILE,
// or config.yaml in the working directory when present.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL:  v.GetString("database_url"),
		RedisURL:     v.GetString("redis_url"),
		FailureTopic: v.GetString("failure_topic"),
		TickChannel:  v.GetString("tick_channel"),
		JWTSecret:    v.GetString("jwt_secret"),
		JWTIssuer:    v.GetString("jwt_issuer"),
		KafkaBrokers: splitList(v.GetString("kafka_brokers")),
	}

	var err error
	if cfg.Port, err = getInt(v, "port"); err != nil {
		return nil, err
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", cfg.Port)
	}

	cfg.LogLevel = strings.ToLower(v.GetString("log_level"))
	if !isValidLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	if cfg.CommissionPct, err = getDecimal(v, "commission_pct"); err != nil {
		return nil, err
	}
	if cfg.CommissionPct.IsNegative() || cfg.CommissionPct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("invalid COMMISSION_PCT: %s, must be in [0, 100)", cfg.CommissionPct)
	}
	if cfg.MinStake, err = getDecimal(v, "min_stake"); err != nil {
		return nil, err
	}
	if !cfg.MinStake.IsPositive() {
		return nil, fmt.Errorf("invalid MIN_STAKE: %s, must be positive", cfg.MinStake)
	}

	for key, dst := range map[string]*time.Duration{
		"price_timeout":    &cfg.PriceTimeout,
		"sweep_interval":   &cfg.SweepInterval,
		"mirror_interval":  &cfg.MirrorInterval,
		"shutdown_timeout": &cfg.ShutdownTimeout,
	} {
		if *dst, err = getDuration(v, key); err != nil {
			return nil, err
		}
	}
	if cfg.PriceTimeout <= 0 || cfg.SweepInterval <= 0 || cfg.ShutdownTimeout <= 0 {
		return nil, errors.New("invalid config: PRICE_TIMEOUT, SWEEP_INTERVAL and SHUTDOWN_TIMEOUT must be positive")
	}

	if cfg.SettleWorkers, err = getInt(v, "settle_workers"); err != nil {
		return nil, err
	}
	if cfg.SettleWorkers < 1 {
		return nil, fmt.Errorf("invalid SETTLE_WORKERS: %d, must be at least 1", cfg.SettleWorkers)
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(decimalHook, mapstructure.StringToSliceHookFunc(",")))
	if err := v.UnmarshalKey("stake_buckets", &cfg.StakeBuckets, hook); err != nil {
		return nil, fmt.Errorf("invalid stake_buckets: %w", err)
	}
	if len(cfg.StakeBuckets) == 0 {
		cfg.StakeBuckets = market.DefaultBuckets()
	}
	for i, b := range cfg.StakeBuckets {
		if !b.MaxOdds.GreaterThan(b.MinOdds) || !b.MaxStake.IsPositive() {
			return nil, fmt.Errorf("invalid stake_buckets[%d]: need min_odds < max_odds and positive max_stake", i)
		}
	}

	if err := v.UnmarshalKey("markets", &cfg.Markets, hook); err != nil {
		return nil, fmt.Errorf("invalid markets: %w", err)
	}
	for i, m := range cfg.Markets {
		if m.ID == "" || len(m.Selections) == 0 {
			return nil, fmt.Errorf("invalid markets[%d]: id and selections are required", i)
		}
	}

	return cfg, nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes YAML numbers and strings into decimal.Decimal.
func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch val := data.(type) {
	case string:
		return decimal.NewFromString(val)
	case float64:
		return decimal.NewFromFloat(val), nil
	case float32:
		return decimal.NewFromFloat32(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	}
	return nil, fmt.Errorf("cannot decode %s into decimal", from)
}

func getInt(v *viper.Viper, key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
	}
	return n, nil
}

func getDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
	}
	return d, nil
}

func getDecimal(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
