package strategy

import (
	"testing"
	"time"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

func newTestMTF() *MultiTimeframe {
	return newMultiTimeframe(config.StrategyConfig{
		Kind:      "multitimeframe",
		Symbol:    "SPY",
		Timeframe: "5min",
	})
}

func TestResampleAggregatesBuckets(t *testing.T) {
	t.Parallel()

	// Twelve 5-minute bars spanning one full hour bucket plus a partial.
	start := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 14)
	for i := range bars {
		c := 100 + float64(i)
		bars[i] = types.Bar{
			Time: start.Add(time.Duration(i) * 5 * time.Minute),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 100,
		}
	}

	hourly := resample(bars, types.Timeframe1Hour)
	if len(hourly) != 2 {
		t.Fatalf("buckets = %d, want 2", len(hourly))
	}
	first := hourly[0]
	if first.Open != 100 || first.Close != 111 {
		t.Errorf("first bucket open/close = %v/%v, want 100/111", first.Open, first.Close)
	}
	if first.High != 112 || first.Low != 99 {
		t.Errorf("first bucket high/low = %v/%v, want 112/99", first.High, first.Low)
	}
	if first.Volume != 1200 {
		t.Errorf("first bucket volume = %d, want 1200", first.Volume)
	}
	if second := hourly[1]; second.Volume != 200 {
		t.Errorf("partial bucket volume = %d, want 200", second.Volume)
	}
}

func TestMultiTimeframeHoldsInDowntrend(t *testing.T) {
	t.Parallel()

	m := newTestMTF()

	bars := barSeries(300, func(i int) float64 { return 200 - 0.1*float64(i) }, nil)
	if sig := m.OnBars(bars, nil); sig.Kind != types.SignalHold {
		t.Fatalf("kind = %s, want hold when the higher timeframe trends down", sig.Kind)
	}
}

func TestMultiTimeframeHoldsWithoutTimingCross(t *testing.T) {
	t.Parallel()

	m := newTestMTF()

	// A monotonic climb keeps the close permanently above its EMA: the
	// trend gate passes but the cross never happens on the last bar.
	bars := barSeries(300, func(i int) float64 { return 100 + 0.1*float64(i) }, nil)
	sig := m.OnBars(bars, nil)
	if sig.Kind != types.SignalHold {
		t.Fatalf("kind = %s, want hold", sig.Kind)
	}
	if sig.Reason != "no timing cross" {
		t.Errorf("reason = %q, want %q", sig.Reason, "no timing cross")
	}
}

func TestMultiTimeframeHoldsOnShortSeries(t *testing.T) {
	t.Parallel()

	m := newTestMTF()
	if sig := m.OnBars(flatSeries(30, 100), nil); sig.Kind != types.SignalHold {
		t.Fatalf("kind = %s, want hold on short series", sig.Kind)
	}
}

func TestMultiTimeframeExitOnTrendFlip(t *testing.T) {
	t.Parallel()

	m := newTestMTF()

	bars := barSeries(300, func(i int) float64 { return 200 - 0.1*float64(i) }, nil)
	exit, reason := m.ShouldExit(openPos("SPY", 10, 190, 170), bars)
	if !exit {
		t.Fatal("expected exit when the trend flips down")
	}
	if reason == "" {
		t.Error("expected a reason")
	}
}

func TestMultiTimeframeNoExitInUptrend(t *testing.T) {
	t.Parallel()

	m := newTestMTF()

	bars := barSeries(300, func(i int) float64 { return 100 + 0.1*float64(i) }, nil)
	if exit, _ := m.ShouldExit(openPos("SPY", 10, 110, 129), bars); exit {
		t.Fatal("did not expect an exit in a clean uptrend")
	}
}
