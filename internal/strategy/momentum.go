package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// Momentum buys RSI recoveries confirmed by MACD and volume.
//
// Three confluence legs, each documented where it is checked:
//
//  1. RSI(period) crossed back up through the oversold line this bar.
//  2. MACD(12,26,9) is bullish: line above signal with the histogram
//     rising or having just turned positive.
//  3. Volume above volumeMult × SMA(20) of volume.
//
// The RSI recovery is mandatory; it is the trigger. Confidence reflects
// the confluence count: trigger alone produces hold, trigger plus one
// confirmation 0.65, all three legs 0.9.
type Momentum struct {
	symbol      string
	rsiPeriod   int
	rsiOversold float64
	volumeMult  float64
}

const momentumVolumePeriod = 20

func newMomentum(cfg config.StrategyConfig) *Momentum {
	m := &Momentum{
		symbol:      cfg.Symbol,
		rsiPeriod:   cfg.RSIPeriod,
		rsiOversold: cfg.RSIOversold,
		volumeMult:  cfg.VolumeMult,
	}
	if m.rsiPeriod <= 0 {
		m.rsiPeriod = 14
	}
	if m.rsiOversold <= 0 {
		m.rsiOversold = 30
	}
	if m.volumeMult <= 0 {
		m.volumeMult = 1.5
	}
	return m
}

func (m *Momentum) Kind() string { return "momentum" }

// Lookback: the MACD slow EMA plus its signal line dominates.
func (m *Momentum) Lookback() int { return 26 + 9 + 1 }

func (m *Momentum) OnBars(bars []types.Bar, open *OpenPosition) types.Signal {
	if len(bars) < m.Lookback() {
		return types.Hold(m.symbol, "insufficient bars")
	}
	if open != nil {
		return types.Hold(m.symbol, "position already open")
	}

	cls := closes(bars)

	// Leg 1 (trigger): RSI recovery through the oversold line.
	rsiNow := lastRSI(cls, m.rsiPeriod)
	rsiPrev := prevRSI(cls, m.rsiPeriod)
	if math.IsNaN(rsiNow) || math.IsNaN(rsiPrev) {
		return types.Hold(m.symbol, "rsi unavailable")
	}
	if !(rsiPrev < m.rsiOversold && rsiNow >= m.rsiOversold) {
		return types.Hold(m.symbol, "no rsi recovery")
	}

	legs := 1

	// Leg 2: MACD bullish.
	macd, ok := lastMACD(cls)
	macdBullish := ok && macd.macd > macd.signal && macd.hist > macd.prevHist
	if macdBullish {
		legs++
	}

	// Leg 3: volume surge over the 20-bar average.
	volRatio := volumeRatio(volumes(bars), momentumVolumePeriod)
	volumeSurge := !math.IsNaN(volRatio) && volRatio >= m.volumeMult
	if volumeSurge {
		legs++
	}

	if legs < 2 {
		return types.Hold(m.symbol, "rsi recovery without confirmation")
	}

	confidence := 0.65
	if legs == 3 {
		confidence = 0.9
	}
	price := bars[len(bars)-1].Close
	return types.Signal{
		Kind:        types.SignalBuy,
		Symbol:      m.symbol,
		Price:       decimal.NewFromFloat(price),
		Confidence:  confidence,
		Reason:      fmt.Sprintf("rsi %.1f recovered %.0f, macd=%t volume=%t", rsiNow, m.rsiOversold, macdBullish, volumeSurge),
		GeneratedAt: time.Now().UTC(),
	}
}

// ShouldExit closes on RSI overbought or a MACD bearish cross.
func (m *Momentum) ShouldExit(pos *OpenPosition, bars []types.Bar) (bool, string) {
	if len(bars) < m.Lookback() {
		return false, ""
	}
	cls := closes(bars)

	if rsi := lastRSI(cls, m.rsiPeriod); !math.IsNaN(rsi) && rsi >= 70 {
		return true, fmt.Sprintf("rsi overbought: %.1f", rsi)
	}
	if macd, ok := lastMACD(cls); ok && macd.macd < macd.signal && macd.prevHist > 0 && macd.hist < 0 {
		return true, "macd bearish cross"
	}
	return false, ""
}
