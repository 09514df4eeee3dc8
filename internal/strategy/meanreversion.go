package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// MeanReversion buys statistically oversold dips.
//
// Entry needs both: the last close at or below the Bollinger(period, k)
// lower band, and the close's z-score against the preceding window at or
// below −zScoreEntry. Exit is reversion to the middle band.
//
// Confidence grows with |z|: |z| at the entry threshold maps to 0.6,
// each further standard deviation adds 0.15, capped at 0.95. A three-sigma
// dip is a stronger bet than a two-sigma one.
type MeanReversion struct {
	symbol          string
	bollingerPeriod int
	bollingerStdDev float64
	zScoreEntry     float64
}

func newMeanReversion(cfg config.StrategyConfig) *MeanReversion {
	m := &MeanReversion{
		symbol:          cfg.Symbol,
		bollingerPeriod: cfg.BollingerPeriod,
		bollingerStdDev: cfg.BollingerStdDev,
		zScoreEntry:     cfg.ZScoreEntry,
	}
	if m.bollingerPeriod <= 0 {
		m.bollingerPeriod = 20
	}
	if m.bollingerStdDev <= 0 {
		m.bollingerStdDev = 2
	}
	if m.zScoreEntry <= 0 {
		m.zScoreEntry = 2
	}
	return m
}

func (m *MeanReversion) Kind() string { return "meanreversion" }

func (m *MeanReversion) Lookback() int { return m.bollingerPeriod + 1 }

func (m *MeanReversion) OnBars(bars []types.Bar, open *OpenPosition) types.Signal {
	if len(bars) < m.Lookback() {
		return types.Hold(m.symbol, "insufficient bars")
	}
	if open != nil {
		return types.Hold(m.symbol, "position already open")
	}

	cls := closes(bars)
	price := cls[len(cls)-1]

	_, middle, lower, ok := lastBBands(cls, m.bollingerPeriod, m.bollingerStdDev)
	if !ok {
		return types.Hold(m.symbol, "bollinger unavailable")
	}
	if price > lower {
		return types.Hold(m.symbol, "above lower band")
	}

	z := zScore(cls, m.bollingerPeriod)
	if math.IsNaN(z) || z > -m.zScoreEntry {
		return types.Hold(m.symbol, "z-score above entry threshold")
	}

	confidence := clamp(0.6+0.15*(math.Abs(z)-m.zScoreEntry), 0, 0.95)
	return types.Signal{
		Kind:        types.SignalBuy,
		Symbol:      m.symbol,
		Price:       decimal.NewFromFloat(price),
		Confidence:  confidence,
		Reason:      fmt.Sprintf("close %.2f below lower band %.2f, z=%.2f", price, lower, z),
		TakeProfit:  decPtr(middle),
		GeneratedAt: time.Now().UTC(),
	}
}

// ShouldExit closes once price reverts to the middle band.
func (m *MeanReversion) ShouldExit(pos *OpenPosition, bars []types.Bar) (bool, string) {
	if len(bars) < m.Lookback() {
		return false, ""
	}
	cls := closes(bars)

	_, middle, _, ok := lastBBands(cls, m.bollingerPeriod, m.bollingerStdDev)
	if !ok {
		return false, ""
	}
	if price := cls[len(cls)-1]; price >= middle {
		return true, fmt.Sprintf("reverted to mean: %.2f >= %.2f", price, middle)
	}
	return false, ""
}
