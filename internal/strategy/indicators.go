package strategy

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"equities-bot/pkg/types"
)

// Series extraction. talib and gonum take []float64; bars carry the source
// of truth, so conversion happens once per evaluation at this boundary.

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func highs(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

func lows(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

func volumes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = float64(b.Volume)
	}
	return out
}

// lastRSI returns the most recent RSI value, or NaN when the series is too
// short. talib needs period+1 closes for one RSI value.
func lastRSI(cls []float64, period int) float64 {
	if len(cls) < period+1 {
		return math.NaN()
	}
	rsi := talib.Rsi(cls, period)
	return rsi[len(rsi)-1]
}

// prevRSI returns the RSI one bar back, NaN when unavailable.
func prevRSI(cls []float64, period int) float64 {
	if len(cls) < period+2 {
		return math.NaN()
	}
	rsi := talib.Rsi(cls, period)
	return rsi[len(rsi)-2]
}

// macdState is the latest MACD line, signal line, and histogram, plus the
// previous histogram for cross detection.
type macdState struct {
	macd, signal, hist, prevHist float64
}

// lastMACD computes MACD(12,26,9). ok is false when the series is too short
// for two stable histogram values.
func lastMACD(cls []float64) (macdState, bool) {
	const fast, slow, signal = 12, 26, 9
	if len(cls) < slow+signal+1 {
		return macdState{}, false
	}
	macd, sig, hist := talib.Macd(cls, fast, slow, signal)
	n := len(hist)
	st := macdState{
		macd:     macd[n-1],
		signal:   sig[n-1],
		hist:     hist[n-1],
		prevHist: hist[n-2],
	}
	if math.IsNaN(st.hist) || math.IsNaN(st.prevHist) {
		return macdState{}, false
	}
	return st, true
}

// lastBBands returns the latest Bollinger upper/middle/lower bands.
func lastBBands(cls []float64, period int, stdDev float64) (upper, middle, lower float64, ok bool) {
	if len(cls) < period {
		return 0, 0, 0, false
	}
	up, mid, low := talib.BBands(cls, period, stdDev, stdDev, talib.SMA)
	n := len(cls)
	if math.IsNaN(mid[n-1]) {
		return 0, 0, 0, false
	}
	return up[n-1], mid[n-1], low[n-1], true
}

// lastATR returns the latest Average True Range value, NaN when short.
func lastATR(bars []types.Bar, period int) float64 {
	if len(bars) < period+1 {
		return math.NaN()
	}
	atr := talib.Atr(highs(bars), lows(bars), closes(bars), period)
	return atr[len(atr)-1]
}

// atrSeries returns the full ATR series (leading values NaN), nil when the
// bars cannot seed one value.
func atrSeries(bars []types.Bar, period int) []float64 {
	if len(bars) < period+1 {
		return nil
	}
	return talib.Atr(highs(bars), lows(bars), closes(bars), period)
}

// lastEMA returns the latest EMA value, NaN when the series is too short.
func lastEMA(cls []float64, period int) float64 {
	if len(cls) < period {
		return math.NaN()
	}
	ema := talib.Ema(cls, period)
	return ema[len(ema)-1]
}

// meanOver returns the arithmetic mean of the last n values of xs,
// skipping NaNs. Returns NaN when nothing usable remains.
func meanOver(xs []float64, n int) float64 {
	if n > len(xs) {
		n = len(xs)
	}
	window := xs[len(xs)-n:]
	clean := make([]float64, 0, len(window))
	for _, v := range window {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return math.NaN()
	}
	return stat.Mean(clean, nil)
}

// zScore returns how many standard deviations the last value of xs sits
// from the mean of the preceding window. NaN when the window is degenerate.
func zScore(xs []float64, window int) float64 {
	if len(xs) < window+1 {
		return math.NaN()
	}
	ref := xs[len(xs)-1-window : len(xs)-1]
	mean := stat.Mean(ref, nil)
	sd := stat.StdDev(ref, nil)
	if sd == 0 || math.IsNaN(sd) {
		return math.NaN()
	}
	return (xs[len(xs)-1] - mean) / sd
}

// volumeRatio is last volume over the SMA of the preceding smaPeriod
// volumes. NaN when the series is too short or the average is zero.
func volumeRatio(vols []float64, smaPeriod int) float64 {
	if len(vols) < smaPeriod+1 {
		return math.NaN()
	}
	avg := stat.Mean(vols[len(vols)-1-smaPeriod:len(vols)-1], nil)
	if avg == 0 {
		return math.NaN()
	}
	return vols[len(vols)-1] / avg
}
