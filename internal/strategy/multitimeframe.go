package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// MultiTimeframe gates lower-timeframe timing with a higher-timeframe trend.
//
// The higher timeframe is resampled from the evaluation bars (one fetch, two
// views), so the trend and the timing always describe the same price path.
// Trend gate: fastEMA above slowEMA on the resampled trend bars. Timing:
// on the evaluation timeframe, the close crossed above EMA(fast) this bar.
//
// Confidence: 0.55 base, up to +0.25 with trend strength (fast/slow EMA
// separation), +0.1 when the trend bar count comfortably exceeds the slow
// period.
type MultiTimeframe struct {
	symbol         string
	evalTimeframe  types.Timeframe
	trendTimeframe types.Timeframe
	fastEMA        int
	slowEMA        int
}

func newMultiTimeframe(cfg config.StrategyConfig) *MultiTimeframe {
	m := &MultiTimeframe{
		symbol:         cfg.Symbol,
		evalTimeframe:  types.Timeframe(cfg.Timeframe),
		trendTimeframe: types.Timeframe(cfg.TrendTimeframe),
		fastEMA:        cfg.FastEMA,
		slowEMA:        cfg.SlowEMA,
	}
	if !m.evalTimeframe.Valid() {
		m.evalTimeframe = types.Timeframe5Min
	}
	if !m.trendTimeframe.Valid() {
		m.trendTimeframe = types.Timeframe1Hour
	}
	if m.fastEMA <= 0 {
		m.fastEMA = 9
	}
	if m.slowEMA <= 0 {
		m.slowEMA = 21
	}
	return m
}

func (m *MultiTimeframe) Kind() string { return "multitimeframe" }

func (m *MultiTimeframe) Lookback() int {
	// Enough evaluation bars to resample slowEMA trend bars.
	ratio := int(m.trendTimeframe.Duration() / m.evalTimeframe.Duration())
	if ratio < 1 {
		ratio = 1
	}
	return m.slowEMA * ratio
}

// resample aggregates bars into buckets of the trend timeframe, aligned to
// the bucket start. Partial trailing buckets are kept; the trend gate cares
// about direction, not bar completeness.
func resample(bars []types.Bar, tf types.Timeframe) []types.Bar {
	if len(bars) == 0 {
		return nil
	}
	period := tf.Duration()
	var out []types.Bar
	for _, b := range bars {
		bucket := b.Time.UTC().Truncate(period)
		if len(out) == 0 || !out[len(out)-1].Time.Equal(bucket) {
			out = append(out, types.Bar{
				Time: bucket, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			})
			continue
		}
		last := &out[len(out)-1]
		if b.High > last.High {
			last.High = b.High
		}
		if b.Low < last.Low {
			last.Low = b.Low
		}
		last.Close = b.Close
		last.Volume += b.Volume
	}
	return out
}

func (m *MultiTimeframe) OnBars(bars []types.Bar, open *OpenPosition) types.Signal {
	if open != nil {
		return types.Hold(m.symbol, "position already open")
	}

	trendBars := resample(bars, m.trendTimeframe)
	if len(trendBars) < m.slowEMA {
		return types.Hold(m.symbol, "insufficient trend bars")
	}

	trendCloses := closes(trendBars)
	fast := lastEMA(trendCloses, m.fastEMA)
	slow := lastEMA(trendCloses, m.slowEMA)
	if math.IsNaN(fast) || math.IsNaN(slow) || slow <= 0 {
		return types.Hold(m.symbol, "trend emas unavailable")
	}
	if fast <= slow {
		return types.Hold(m.symbol, "higher timeframe not trending up")
	}

	// Timing on the evaluation timeframe: close crossed above EMA(fast)
	// this bar.
	cls := closes(bars)
	if len(cls) < m.fastEMA+1 {
		return types.Hold(m.symbol, "insufficient bars")
	}
	emaNow := lastEMA(cls, m.fastEMA)
	emaPrev := lastEMA(cls[:len(cls)-1], m.fastEMA)
	price := cls[len(cls)-1]
	prevPrice := cls[len(cls)-2]
	if math.IsNaN(emaNow) || math.IsNaN(emaPrev) {
		return types.Hold(m.symbol, "timing ema unavailable")
	}
	if !(prevPrice <= emaPrev && price > emaNow) {
		return types.Hold(m.symbol, "no timing cross")
	}

	trendStrength := clamp((fast/slow-1)*50, 0, 1) // 2% separation saturates
	confidence := 0.55 + 0.25*trendStrength
	if len(trendBars) >= 2*m.slowEMA {
		confidence += 0.1
	}

	return types.Signal{
		Kind:        types.SignalBuy,
		Symbol:      m.symbol,
		Price:       decimal.NewFromFloat(price),
		Confidence:  clamp(confidence, 0, 0.95),
		Reason:      fmt.Sprintf("%s trend up (ema%d %.2f > ema%d %.2f), timing cross at %.2f", m.trendTimeframe, m.fastEMA, fast, m.slowEMA, slow, price),
		GeneratedAt: time.Now().UTC(),
	}
}

// ShouldExit closes when the higher-timeframe trend flips or the close
// falls back below the timing EMA.
func (m *MultiTimeframe) ShouldExit(pos *OpenPosition, bars []types.Bar) (bool, string) {
	trendBars := resample(bars, m.trendTimeframe)
	if len(trendBars) >= m.slowEMA {
		trendCloses := closes(trendBars)
		fast := lastEMA(trendCloses, m.fastEMA)
		slow := lastEMA(trendCloses, m.slowEMA)
		if !math.IsNaN(fast) && !math.IsNaN(slow) && fast < slow {
			return true, fmt.Sprintf("%s trend flipped down", m.trendTimeframe)
		}
	}

	cls := closes(bars)
	if len(cls) >= m.fastEMA {
		ema := lastEMA(cls, m.fastEMA)
		if price := cls[len(cls)-1]; !math.IsNaN(ema) && price < ema {
			return true, fmt.Sprintf("close %.2f below ema%d %.2f", price, m.fastEMA, ema)
		}
	}
	return false, ""
}
