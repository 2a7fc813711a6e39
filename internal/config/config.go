// Package config loads and validates the engine configuration. Validation
// happens once at startup; an invalid configuration is fatal and no
// evaluation cycle starts until it is fixed.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/driftdesk/rebalance-engine/internal/model"
)

// ErrInvalid is returned (wrapped) for any configuration failure.
var ErrInvalid = errors.New("config: invalid configuration")

// targetSumEpsilon bounds the tolerated deviation of Σ target_percent
// from 100.
var targetSumEpsilon = decimal.NewFromFloat(1e-6)

var (
	symbolRegex  = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)
	addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{4,40}$`)
)

// Config is the full engine configuration surface.
type Config struct {
	Port        string `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`

	TrackedSymbols     []string       `mapstructure:"tracked_symbols"`
	TargetPercents     []float64      `mapstructure:"target_percents"`
	VariationThreshold float64        `mapstructure:"variation_threshold"`
	HolderAddress      string         `mapstructure:"holder_address"`
	Principals         []string       `mapstructure:"principals"`
	TokenDecimals      map[string]int `mapstructure:"token_decimals"`

	// StaticPrices pins USD quotes per symbol for setups without a live
	// market-data provider. Every tracked symbol needs an entry.
	StaticPrices map[string]float64 `mapstructure:"static_prices"`

	CycleIntervalSeconds int `mapstructure:"cycle_interval_seconds"`
	SubmitTimeoutSeconds int `mapstructure:"submit_timeout_seconds"`
	PriceCacheTTLSeconds int `mapstructure:"price_cache_ttl_seconds"`
	EventBuffer          int `mapstructure:"event_buffer"`

	MaxSymbolNotionalUSD float64 `mapstructure:"max_symbol_notional_usd"`
	MaxBatchNotionalUSD  float64 `mapstructure:"max_batch_notional_usd"`
}

// Load reads configuration from the given file, applies defaults, lets
// environment variables override file values, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"port":                    "8080",
		"variation_threshold":     3.0,
		"cycle_interval_seconds":  60,
		"submit_timeout_seconds":  30,
		"price_cache_ttl_seconds": 30,
		"event_buffer":            256,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about; bind the
	// deployment-environment keys explicitly so env-only values survive
	// Unmarshal without a file entry.
	for _, key := range []string{"port", "database_url", "redis_url"} {
		v.BindEnv(key, strings.ToUpper(key))
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return &cfg, cfg.Validate()
}

// Validate checks every invariant the engine relies on. Exported so tests
// and embedders can validate hand-built configs.
func (c *Config) Validate() error {
	if len(c.TrackedSymbols) == 0 {
		return fmt.Errorf("%w: tracked_symbols is empty", ErrInvalid)
	}
	if len(c.TargetPercents) != len(c.TrackedSymbols) {
		return fmt.Errorf("%w: %d target_percents for %d tracked_symbols",
			ErrInvalid, len(c.TargetPercents), len(c.TrackedSymbols))
	}

	seen := make(map[string]bool, len(c.TrackedSymbols))
	sum := decimal.Zero
	for i, symbol := range c.TrackedSymbols {
		if !symbolRegex.MatchString(symbol) {
			return fmt.Errorf("%w: bad symbol %q", ErrInvalid, symbol)
		}
		if seen[symbol] {
			return fmt.Errorf("%w: duplicate symbol %q", ErrInvalid, symbol)
		}
		seen[symbol] = true

		pct := decimal.NewFromFloat(c.TargetPercents[i])
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: target for %s is %s, must be in [0, 100]",
				ErrInvalid, symbol, pct)
		}
		sum = sum.Add(pct)
	}
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(targetSumEpsilon) {
		return fmt.Errorf("%w: target_percents sum to %s, expected 100", ErrInvalid, sum)
	}

	if c.VariationThreshold <= 0 {
		return fmt.Errorf("%w: variation_threshold must be positive", ErrInvalid)
	}
	if !addressRegex.MatchString(c.HolderAddress) {
		return fmt.Errorf("%w: bad holder_address %q", ErrInvalid, c.HolderAddress)
	}
	if len(c.Principals) == 0 {
		return fmt.Errorf("%w: principals is empty", ErrInvalid)
	}
	for _, p := range c.Principals {
		if !addressRegex.MatchString(p) {
			return fmt.Errorf("%w: bad principal address %q", ErrInvalid, p)
		}
	}
	for symbol, dec := range c.TokenDecimals {
		if !seen[symbol] {
			return fmt.Errorf("%w: token_decimals for untracked symbol %q", ErrInvalid, symbol)
		}
		if dec < 0 || dec > 18 {
			return fmt.Errorf("%w: decimals for %s is %d, must be in [0, 18]",
				ErrInvalid, symbol, dec)
		}
	}
	for symbol, price := range c.StaticPrices {
		if !seen[symbol] {
			return fmt.Errorf("%w: static_prices for untracked symbol %q", ErrInvalid, symbol)
		}
		if price <= 0 {
			return fmt.Errorf("%w: static price for %s must be positive", ErrInvalid, symbol)
		}
	}
	if c.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("%w: cycle_interval_seconds must be positive", ErrInvalid)
	}
	if c.SubmitTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: submit_timeout_seconds must be positive", ErrInvalid)
	}
	return nil
}

// Targets returns the allocation set in decimal form.
func (c *Config) Targets() []model.TargetAllocation {
	out := make([]model.TargetAllocation, 0, len(c.TrackedSymbols))
	for i, symbol := range c.TrackedSymbols {
		out = append(out, model.TargetAllocation{
			Symbol:        symbol,
			TargetPercent: decimal.NewFromFloat(c.TargetPercents[i]),
		})
	}
	return out
}

// Threshold returns the variation threshold in decimal form.
func (c *Config) Threshold() decimal.Decimal {
	return decimal.NewFromFloat(c.VariationThreshold)
}

// Decimals returns the per-symbol base-unit scale map.
func (c *Config) Decimals() map[string]int32 {
	out := make(map[string]int32, len(c.TokenDecimals))
	for symbol, dec := range c.TokenDecimals {
		out[symbol] = int32(dec)
	}
	return out
}

// CycleInterval returns the evaluation cadence.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

// SubmitTimeout returns the batch submission deadline.
func (c *Config) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutSeconds) * time.Second
}

// PriceCacheTTL returns how long cached quotes stay valid.
func (c *Config) PriceCacheTTL() time.Duration {
	return time.Duration(c.PriceCacheTTLSeconds) * time.Second
}
