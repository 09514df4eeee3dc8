package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// Breakout buys closes above an N-bar consolidation range.
//
// The range is the high/low of the rangeBars bars preceding the last one.
// Entry needs the last close above the range high, volume at or above
// volumeSurgeMult × the range's average volume, and ATR(atrPeriod)
// expanding versus its own recent average (a breakout on contracting
// volatility is usually a fakeout).
//
// Stop-loss sits at the broken range high (the retest level); take-profit
// projects the range height above the breakout.
//
// Confidence: 0.6 base, up to +0.2 as volume exceeds the surge threshold,
// up to +0.15 as ATR expands beyond 1×, capped at 0.95.
type Breakout struct {
	symbol          string
	rangeBars       int
	atrPeriod       int
	volumeSurgeMult float64
}

func newBreakout(cfg config.StrategyConfig) *Breakout {
	b := &Breakout{
		symbol:          cfg.Symbol,
		rangeBars:       cfg.RangeBars,
		atrPeriod:       cfg.ATRPeriod,
		volumeSurgeMult: cfg.VolumeSurgeMult,
	}
	if b.rangeBars <= 0 {
		b.rangeBars = 20
	}
	if b.atrPeriod <= 0 {
		b.atrPeriod = 14
	}
	if b.volumeSurgeMult <= 0 {
		b.volumeSurgeMult = 2
	}
	return b
}

func (b *Breakout) Kind() string { return "breakout" }

func (b *Breakout) Lookback() int {
	// The range window plus enough history for a stable ATR comparison.
	return b.rangeBars + 2*b.atrPeriod + 1
}

// rangeBounds returns the high/low of the rangeBars bars before the last.
func (b *Breakout) rangeBounds(bars []types.Bar) (high, low float64) {
	window := bars[len(bars)-1-b.rangeBars : len(bars)-1]
	high, low = window[0].High, window[0].Low
	for _, bar := range window[1:] {
		if bar.High > high {
			high = bar.High
		}
		if bar.Low < low {
			low = bar.Low
		}
	}
	return high, low
}

func (b *Breakout) OnBars(bars []types.Bar, open *OpenPosition) types.Signal {
	if len(bars) < b.Lookback() {
		return types.Hold(b.symbol, "insufficient bars")
	}
	if open != nil {
		return types.Hold(b.symbol, "position already open")
	}

	rangeHigh, rangeLow := b.rangeBounds(bars)
	price := bars[len(bars)-1].Close
	if price <= rangeHigh {
		return types.Hold(b.symbol, "inside range")
	}

	volRatio := volumeRatio(volumes(bars), b.rangeBars)
	if math.IsNaN(volRatio) || volRatio < b.volumeSurgeMult {
		return types.Hold(b.symbol, "breakout without volume surge")
	}

	// ATR expansion: the latest ATR against its average over the prior
	// range window.
	atrNow := lastATR(bars, b.atrPeriod)
	atrRef := meanOver(atrSeries(bars[:len(bars)-1], b.atrPeriod), b.rangeBars)
	if math.IsNaN(atrNow) || math.IsNaN(atrRef) || atrRef <= 0 || atrNow <= atrRef {
		return types.Hold(b.symbol, "no volatility expansion")
	}

	rangeHeight := rangeHigh - rangeLow
	confidence := 0.6 +
		0.2*clamp((volRatio-b.volumeSurgeMult)/b.volumeSurgeMult, 0, 1) +
		0.15*clamp(atrNow/atrRef-1, 0, 1)

	return types.Signal{
		Kind:        types.SignalBuy,
		Symbol:      b.symbol,
		Price:       decimal.NewFromFloat(price),
		Confidence:  clamp(confidence, 0, 0.95),
		Reason:      fmt.Sprintf("close %.2f broke %d-bar high %.2f, vol %.1fx, atr %.2fx", price, b.rangeBars, rangeHigh, volRatio, atrNow/atrRef),
		EntryLevel:  decPtr(rangeHigh),
		StopLoss:    decPtr(rangeHigh),
		TakeProfit:  decPtr(price + rangeHeight),
		GeneratedAt: time.Now().UTC(),
	}
}

// ShouldExit closes a failed breakout (close back inside the range) or a
// reached measured-move target.
func (b *Breakout) ShouldExit(pos *OpenPosition, bars []types.Bar) (bool, string) {
	if len(bars) < b.Lookback() {
		return false, ""
	}
	rangeHigh, rangeLow := b.rangeBounds(bars)
	price := bars[len(bars)-1].Close
	entry, _ := pos.AveragePrice.Float64()

	if price < rangeHigh && entry > rangeHigh {
		return true, fmt.Sprintf("breakout failed: %.2f back inside range top %.2f", price, rangeHigh)
	}
	if target := entry + (rangeHigh - rangeLow); entry > 0 && price >= target {
		return true, fmt.Sprintf("measured move reached: %.2f >= %.2f", price, target)
	}
	return false, ""
}

