// Package strategy holds the signal-producing strategies and the evaluator
// that runs them.
//
// A strategy is a closed capability set over two operations: OnBars produces
// an entry signal (or hold) from recent bars, ShouldExit decides whether an
// open position should be unwound. Five kinds are implemented:
//
//	levels          — previous-session high/low range trading
//	momentum        — RSI recovery + MACD cross + volume confluence
//	meanreversion   — Bollinger lower-band touch + z-score
//	breakout        — N-bar range break with volume and ATR confirmation
//	multitimeframe  — higher-timeframe trend gate, lower-timeframe timing
//
// Strategies are pure over their inputs: no I/O, no clocks beyond bar
// timestamps. Shared math lives in indicators.go (talib wrappers, z-score).
// The Evaluator owns instances, invokes strategies panic-safely, and hands
// non-hold signals to registered callbacks through a bounded dispatch queue.
package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// Strategy is the capability set every kind implements.
type Strategy interface {
	// Kind returns the config name of the variant.
	Kind() string

	// Lookback is the minimum number of bars OnBars needs. Fewer bars
	// produce a hold, never an error.
	Lookback() int

	// OnBars evaluates recent bars against the strategy's entry rules.
	// open is the currently open position for the symbol, nil when flat.
	// Returns hold when no action is warranted.
	OnBars(bars []types.Bar, open *OpenPosition) types.Signal

	// ShouldExit decides whether an open position should be closed now,
	// with a reason when it should.
	ShouldExit(pos *OpenPosition, bars []types.Bar) (bool, string)
}

// OpenPosition is the strategy-facing view of an open position. The store
// row carries more; strategies only see what entry/exit rules consult.
type OpenPosition struct {
	Symbol       string
	Quantity     int64
	AveragePrice decimal.Decimal
	CurrentPrice decimal.Decimal
	OpenedAt     time.Time
}

// Instance binds a Strategy implementation to its configured identity.
// ID is the persisted strategy_instances row id, carried onto trades.
type Instance struct {
	ID        uint
	Kind      string
	Symbol    string
	Timeframe types.Timeframe
	Enabled   bool
	Impl      Strategy
}

// New builds the Strategy implementation for one config entry.
// Zero-valued parameters fall back to the kind's documented defaults.
func New(cfg config.StrategyConfig) (Strategy, error) {
	switch cfg.Kind {
	case "levels":
		return newLevels(cfg), nil
	case "momentum":
		return newMomentum(cfg), nil
	case "meanreversion":
		return newMeanReversion(cfg), nil
	case "breakout":
		return newBreakout(cfg), nil
	case "multitimeframe":
		return newMultiTimeframe(cfg), nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", cfg.Kind)
	}
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// decPtr returns a pointer to a decimal built from a float price.
func decPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}
