// Package config loads runtime (R) and per-symbol strategy (S) configuration
// for the grid engine via viper, matching the teacher's load/validate shape:
// defaults set up front, a config file read if present, then POLYMM_-prefixed
// environment overrides, then Validate() before anything starts.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"gridmm/internal/marketfilter"
)

// GridMode selects between the dynamic grid and Avellaneda-Stoikov quoting.
type GridMode string

const (
	GridModeDynamic GridMode = "dynamic"
	GridModeAS      GridMode = "as"
)

// OrderSizeMode selects how order_size_value is interpreted.
type OrderSizeMode string

const (
	OrderSizeNotional OrderSizeMode = "notional"
	OrderSizeBase     OrderSizeMode = "base"
)

// StrategyConfig is the per-symbol strategy configuration (S) from spec §3.
type StrategyConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	MarketID int64    `mapstructure:"market_id"`
	GridMode GridMode `mapstructure:"grid_mode"`
	GridStep decimal.Decimal `mapstructure:"grid_step"`
	LevelsUp   int `mapstructure:"levels_up"`
	LevelsDown int `mapstructure:"levels_down"`

	OrderSizeMode  OrderSizeMode   `mapstructure:"order_size_mode"`
	OrderSizeValue decimal.Decimal `mapstructure:"order_size_value"`
	PostOnly       bool            `mapstructure:"post_only"`

	MaxOpenOrders             int             `mapstructure:"max_open_orders"`
	MaxPositionNotional       decimal.Decimal `mapstructure:"max_position_notional"`
	ReducePositionNotional    decimal.Decimal `mapstructure:"reduce_position_notional"`
	ReduceOrderSizeMultiplier decimal.Decimal `mapstructure:"reduce_order_size_multiplier"`

	// Avellaneda-Stoikov parameters, used only when GridMode == GridModeAS.
	Gamma          float64         `mapstructure:"gamma"`
	K              float64         `mapstructure:"k"`
	TauSec         float64         `mapstructure:"tau_sec"`
	VolPoints      int             `mapstructure:"vol_points"`
	StepMultiplier float64         `mapstructure:"step_multiplier"`
	MaxDrawdown    decimal.Decimal `mapstructure:"max_drawdown"`

	// MarketFilter gates new order placement on an ATR/ADX regime read,
	// independent of grid mode.
	MarketFilter marketfilter.Config `mapstructure:"market_filter"`
}

// ReduceExit returns the hysteresis exit threshold for reduce-mode per spec
// §4.5.6: reduce_position_notional if it is strictly between 0 and
// max_position_notional, else 0.8*max. Validate rejects the reduce>=max
// misconfiguration at load time rather than silently coercing it, so by the
// time this is called reduce_position_notional is always usable as-is when
// positive.
func (s StrategyConfig) ReduceExit() decimal.Decimal {
	if s.ReducePositionNotional.Sign() > 0 && s.ReducePositionNotional.LessThan(s.MaxPositionNotional) {
		return s.ReducePositionNotional
	}
	return s.MaxPositionNotional.Mul(decimal.NewFromFloat(0.8))
}

// RuntimeConfig is the global runtime configuration (R) from spec §3.
type RuntimeConfig struct {
	DryRun              bool            `mapstructure:"dry_run"`
	SimulateFill        bool            `mapstructure:"simulate_fill"`
	LoopIntervalMs      int64           `mapstructure:"loop_interval_ms"`
	AutoRestart         bool            `mapstructure:"auto_restart"`
	RestartDelayMs      int64           `mapstructure:"restart_delay_ms"`
	RestartMax          int             `mapstructure:"restart_max"`
	RestartWindowMs     int64           `mapstructure:"restart_window_ms"`
	StopAfterMinutes    int64           `mapstructure:"stop_after_minutes"`
	StopAfterVolume     decimal.Decimal `mapstructure:"stop_after_volume"`
	StopCheckIntervalMs int64           `mapstructure:"stop_check_interval_ms"`
}

func (r RuntimeConfig) LoopInterval() time.Duration {
	return time.Duration(r.LoopIntervalMs) * time.Millisecond
}

func (r RuntimeConfig) RestartDelay() time.Duration {
	return time.Duration(r.RestartDelayMs) * time.Millisecond
}

func (r RuntimeConfig) RestartWindow() time.Duration {
	return time.Duration(r.RestartWindowMs) * time.Millisecond
}

// WalletConfig holds the signer key material used to authenticate against
// venues. The key itself is resolved externally (spec treats credential
// resolution as an outside collaborator); this only names where it lives.
type WalletConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
	ChainID       int64  `mapstructure:"chain_id"`
}

// VenueConfig names one venue connection the engine can route symbols to.
type VenueConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full persisted configuration (spec §6's "auth, runtime,
// exchange, strategies" top-level keys).
type Config struct {
	Wallet     WalletConfig              `mapstructure:"auth"`
	Runtime    RuntimeConfig             `mapstructure:"runtime"`
	Venues     []VenueConfig             `mapstructure:"exchange"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Strategies map[string]StrategyConfig `mapstructure:"strategies"`
}

// Load reads configuration from path (if non-empty and present), applies
// POLYMM_-prefixed environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POLYMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.dry_run", true)
	v.SetDefault("runtime.simulate_fill", true)
	v.SetDefault("runtime.loop_interval_ms", 1000)
	v.SetDefault("runtime.auto_restart", true)
	v.SetDefault("runtime.restart_delay_ms", 2000)
	v.SetDefault("runtime.restart_max", 5)
	v.SetDefault("runtime.restart_window_ms", 600000)
	v.SetDefault("runtime.stop_check_interval_ms", 5000)
	v.SetDefault("auth.chain_id", 1)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate enforces the structural invariants from spec §3/§8 and the two
// decided Open Questions: AS mode ignoring max_open_orders is made explicit
// rather than silently assumed, and reduce_position_notional >=
// max_position_notional is rejected rather than coerced to 0.8*max.
func (c *Config) Validate() error {
	if c.Runtime.LoopIntervalMs <= 0 {
		return fmt.Errorf("config: runtime.loop_interval_ms must be > 0")
	}
	if c.Runtime.RestartMax < 0 {
		return fmt.Errorf("config: runtime.restart_max must be >= 0")
	}
	for symbol, s := range c.Strategies {
		if !s.Enabled {
			continue
		}
		if s.GridMode != GridModeDynamic && s.GridMode != GridModeAS {
			return fmt.Errorf("config: strategy %s: grid_mode must be %q or %q", symbol, GridModeDynamic, GridModeAS)
		}
		if s.GridMode == GridModeDynamic && s.GridStep.Sign() <= 0 {
			return fmt.Errorf("config: strategy %s: grid_step must be > 0 in dynamic mode", symbol)
		}
		if s.GridMode == GridModeAS && (s.LevelsUp != 1 || s.LevelsDown != 1) {
			return fmt.Errorf("config: strategy %s: as mode forces levels_up=1, levels_down=1; got %d/%d", symbol, s.LevelsUp, s.LevelsDown)
		}
		if s.LevelsUp < 0 || s.LevelsUp > maxLevelPerSide || s.LevelsDown < 0 || s.LevelsDown > maxLevelPerSide {
			return fmt.Errorf("config: strategy %s: levels_up/levels_down must be in [0, %d]", symbol, maxLevelPerSide)
		}
		if s.OrderSizeMode != OrderSizeNotional && s.OrderSizeMode != OrderSizeBase {
			return fmt.Errorf("config: strategy %s: order_size_mode must be %q or %q", symbol, OrderSizeNotional, OrderSizeBase)
		}
		if s.OrderSizeValue.Sign() <= 0 {
			return fmt.Errorf("config: strategy %s: order_size_value must be > 0", symbol)
		}
		if s.MaxOpenOrders < 0 {
			return fmt.Errorf("config: strategy %s: max_open_orders must be >= 0", symbol)
		}
		if s.MaxPositionNotional.Sign() > 0 && s.ReducePositionNotional.GreaterThanOrEqual(s.MaxPositionNotional) {
			return fmt.Errorf("config: strategy %s: reduce_position_notional (%s) must be < max_position_notional (%s)",
				symbol, s.ReducePositionNotional, s.MaxPositionNotional)
		}
		if s.ReduceOrderSizeMultiplier.Sign() != 0 && s.ReduceOrderSizeMultiplier.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("config: strategy %s: reduce_order_size_multiplier must be >= 1", symbol)
		}
		if s.MarketFilter.Enabled && (s.MarketFilter.ATRPeriod <= 0 || s.MarketFilter.ADXPeriod <= 0) {
			return fmt.Errorf("config: strategy %s: market_filter.atr_period and adx_period must be > 0 when enabled", symbol)
		}
		if s.GridMode == GridModeAS && s.MaxOpenOrders != 0 {
			// Explicit per the AS-mode decision: AS always quotes exactly one
			// level per side and ignores this field; a nonzero value here is
			// almost certainly a leftover from a dynamic-mode config and
			// should be caught at load time rather than silently ignored.
			return fmt.Errorf("config: strategy %s: max_open_orders is ignored in as mode and must be left at 0", symbol)
		}
	}
	return nil
}

const maxLevelPerSide = 3999
