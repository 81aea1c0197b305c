package config

import (
	"testing"

	"github.com/shopspring/decimal"
)

func validStrategy() StrategyConfig {
	return StrategyConfig{
		Enabled:                true,
		MarketID:               1,
		GridMode:                GridModeDynamic,
		GridStep:                decimal.NewFromFloat(0.5),
		LevelsUp:                3,
		LevelsDown:              3,
		OrderSizeMode:           OrderSizeNotional,
		OrderSizeValue:          decimal.NewFromInt(100),
		MaxOpenOrders:           6,
		MaxPositionNotional:     decimal.NewFromInt(1000),
		ReducePositionNotional:  decimal.NewFromInt(800),
		ReduceOrderSizeMultiplier: decimal.NewFromInt(2),
	}
}

func TestValidateAcceptsWellFormedStrategy(t *testing.T) {
	t.Parallel()
	c := &Config{
		Runtime:    RuntimeConfig{LoopIntervalMs: 1000},
		Strategies: map[string]StrategyConfig{"BTC-PERP": validStrategy()},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsReduceAtOrAboveMax(t *testing.T) {
	t.Parallel()
	s := validStrategy()
	s.ReducePositionNotional = decimal.NewFromInt(1000)
	c := &Config{
		Runtime:    RuntimeConfig{LoopIntervalMs: 1000},
		Strategies: map[string]StrategyConfig{"BTC-PERP": s},
	}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for reduce_position_notional >= max_position_notional")
	}
}

func TestValidateRejectsASModeWithOpenOrdersCap(t *testing.T) {
	t.Parallel()
	s := validStrategy()
	s.GridMode = GridModeAS
	s.LevelsUp, s.LevelsDown = 1, 1
	s.MaxOpenOrders = 4
	c := &Config{
		Runtime:    RuntimeConfig{LoopIntervalMs: 1000},
		Strategies: map[string]StrategyConfig{"BTC-PERP": s},
	}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for as mode with nonzero max_open_orders")
	}
}

func TestValidateRejectsASModeWithNonOneLevel(t *testing.T) {
	t.Parallel()
	s := validStrategy()
	s.GridMode = GridModeAS
	s.LevelsUp, s.LevelsDown = 2, 1
	c := &Config{
		Runtime:    RuntimeConfig{LoopIntervalMs: 1000},
		Strategies: map[string]StrategyConfig{"BTC-PERP": s},
	}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for as mode levels != 1/1")
	}
}

func TestReduceExitUsesConfiguredValueWhenValid(t *testing.T) {
	t.Parallel()
	s := validStrategy()
	got := s.ReduceExit()
	if !got.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("ReduceExit() = %s, want 800", got)
	}
}

func TestReduceExitFallsBackToEightyPercent(t *testing.T) {
	t.Parallel()
	s := validStrategy()
	s.ReducePositionNotional = decimal.Zero
	got := s.ReduceExit()
	if !got.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("ReduceExit() = %s, want 800 (0.8*1000)", got)
	}
}

func TestValidateRejectsZeroLoopInterval(t *testing.T) {
	t.Parallel()
	c := &Config{Runtime: RuntimeConfig{LoopIntervalMs: 0}}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for loop_interval_ms <= 0")
	}
}
