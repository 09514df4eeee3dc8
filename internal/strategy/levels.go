package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// Levels trades the previous session's high/low range.
//
// Each evaluation derives yesterday's high and low from the bars. A buy
// fires when the last close sits within proximityPct of the previous low
// (the level is expected to hold), optionally requiring above-average
// volume. Stop-loss is stopLossPct below the level; take-profit is the
// approach to the opposite level (previous high shaved by proximityPct).
//
// Confidence: 0.5 at the proximity edge, rising linearly to 0.8 at the
// level itself, +0.15 when volume confirms. A close below the low by more
// than proximityPct is a broken level and produces hold.
type Levels struct {
	symbol        string
	proximityPct  float64
	stopLossPct   float64
	volumeConfirm bool
}

const (
	defaultProximityPct = 0.005
	defaultStopLossPct  = 0.02
	levelsVolumePeriod  = 20
)

func newLevels(cfg config.StrategyConfig) *Levels {
	l := &Levels{
		symbol:        cfg.Symbol,
		proximityPct:  cfg.ProximityPct,
		stopLossPct:   cfg.StopLossPct,
		volumeConfirm: cfg.VolumeConfirm,
	}
	if l.proximityPct <= 0 {
		l.proximityPct = defaultProximityPct
	}
	if l.stopLossPct <= 0 {
		l.stopLossPct = defaultStopLossPct
	}
	return l
}

func (l *Levels) Kind() string { return "levels" }

// Lookback: enough intraday bars to cover the previous session plus the
// volume average window.
func (l *Levels) Lookback() int { return 2 * levelsVolumePeriod }

// sessionRange returns the high and low of the most recent completed UTC
// session before the last bar's date. ok is false when the bars span a
// single session.
func sessionRange(bars []types.Bar) (high, low float64, ok bool) {
	if len(bars) == 0 {
		return 0, 0, false
	}
	lastDate := bars[len(bars)-1].Time.UTC().Truncate(24 * time.Hour)

	found := false
	for i := len(bars) - 1; i >= 0; i-- {
		d := bars[i].Time.UTC().Truncate(24 * time.Hour)
		if d.Equal(lastDate) {
			continue
		}
		if !found {
			// First bar of the previous session (walking backwards).
			lastDate = d
			high, low = bars[i].High, bars[i].Low
			found = true
			continue
		}
		if !d.Equal(lastDate) {
			break // reached the session before the previous one
		}
		if bars[i].High > high {
			high = bars[i].High
		}
		if bars[i].Low < low {
			low = bars[i].Low
		}
	}
	return high, low, found
}

func (l *Levels) OnBars(bars []types.Bar, open *OpenPosition) types.Signal {
	symbol := l.symbol
	if len(bars) < l.Lookback() {
		return types.Hold(symbol, "insufficient bars")
	}
	if open != nil {
		return types.Hold(symbol, "position already open")
	}

	prevHigh, prevLow, ok := sessionRange(bars)
	if !ok || prevLow <= 0 || prevHigh <= prevLow {
		return types.Hold(symbol, "no previous session range")
	}

	price := bars[len(bars)-1].Close
	// Distance to the level as a fraction of the level. Negative means the
	// level broke.
	dist := (price - prevLow) / prevLow
	if dist < -l.proximityPct {
		return types.Hold(symbol, "previous low broken")
	}
	if dist > l.proximityPct {
		return types.Hold(symbol, "not near previous low")
	}

	confidence := 0.5 + 0.3*(1-clamp(dist/l.proximityPct, 0, 1))

	volRatio := volumeRatio(volumes(bars), levelsVolumePeriod)
	volConfirmed := volRatio >= 1
	if l.volumeConfirm && !volConfirmed {
		return types.Hold(symbol, "volume below average at level")
	}
	if volConfirmed {
		confidence += 0.15
	}

	sig := types.Signal{
		Kind:        types.SignalBuy,
		Symbol:      symbol,
		Price:       decimal.NewFromFloat(price),
		Confidence:  clamp(confidence, 0, 1),
		Reason:      fmt.Sprintf("price %.2f within %.2f%% of previous low %.2f", price, l.proximityPct*100, prevLow),
		EntryLevel:  decPtr(prevLow),
		StopLoss:    decPtr(prevLow * (1 - l.stopLossPct)),
		TakeProfit:  decPtr(prevHigh * (1 - l.proximityPct)),
		GeneratedAt: time.Now().UTC(),
	}
	return sig
}

func (l *Levels) ShouldExit(pos *OpenPosition, bars []types.Bar) (bool, string) {
	if len(bars) == 0 {
		return false, ""
	}
	price := bars[len(bars)-1].Close
	entry, _ := pos.AveragePrice.Float64()

	if entry > 0 && price <= entry*(1-l.stopLossPct) {
		return true, fmt.Sprintf("stop loss: %.2f below %.2f%% of entry %.2f", price, l.stopLossPct*100, entry)
	}
	if prevHigh, _, ok := sessionRange(bars); ok && price >= prevHigh*(1-l.proximityPct) {
		return true, fmt.Sprintf("take profit: %.2f approaching previous high %.2f", price, prevHigh)
	}
	return false, ""
}
