package strategy

import (
	"testing"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// rangeThenBreak chops sideways around base, then closes breakAt on the
// last bar with lastVolume.
func rangeThenBreak(n int, base, breakAt float64, lastVolume int64) []types.Bar {
	return barSeries(n,
		func(i int) float64 {
			if i == n-1 {
				return breakAt
			}
			if i%2 == 0 {
				return base - 0.5
			}
			return base + 0.5
		},
		func(i int) int64 {
			if i == n-1 {
				return lastVolume
			}
			return 10000
		},
	)
}

func TestBreakoutBuysRangeBreakWithVolume(t *testing.T) {
	t.Parallel()

	b := newBreakout(config.StrategyConfig{Kind: "breakout", Symbol: "TSLA"})

	bars := rangeThenBreak(60, 100, 104, 40000)
	sig := b.OnBars(bars, nil)
	if sig.Kind != types.SignalBuy {
		t.Fatalf("kind = %s (%s), want buy", sig.Kind, sig.Reason)
	}
	if sig.Confidence < 0.6 || sig.Confidence > 0.95 {
		t.Errorf("confidence = %v, want in [0.6,0.95]", sig.Confidence)
	}
	if sig.StopLoss == nil || sig.TakeProfit == nil {
		t.Fatal("expected stop loss and take profit")
	}
	// Stop at the broken range top, target a range-height projection.
	if !sig.StopLoss.LessThan(sig.Price) {
		t.Errorf("stop %s not below entry %s", sig.StopLoss, sig.Price)
	}
	if !sig.TakeProfit.GreaterThan(sig.Price) {
		t.Errorf("target %s not above entry %s", sig.TakeProfit, sig.Price)
	}
}

func TestBreakoutHoldsWithoutVolumeSurge(t *testing.T) {
	t.Parallel()

	b := newBreakout(config.StrategyConfig{Kind: "breakout", Symbol: "TSLA"})

	bars := rangeThenBreak(60, 100, 104, 10000)
	if sig := b.OnBars(bars, nil); sig.Kind != types.SignalHold {
		t.Fatalf("kind = %s (%s), want hold", sig.Kind, sig.Reason)
	}
}

func TestBreakoutHoldsInsideRange(t *testing.T) {
	t.Parallel()

	b := newBreakout(config.StrategyConfig{Kind: "breakout", Symbol: "TSLA"})

	bars := rangeThenBreak(60, 100, 100.2, 40000)
	if sig := b.OnBars(bars, nil); sig.Kind != types.SignalHold {
		t.Fatalf("kind = %s (%s), want hold inside the range", sig.Kind, sig.Reason)
	}
}

func TestBreakoutExitOnFailedBreak(t *testing.T) {
	t.Parallel()

	b := newBreakout(config.StrategyConfig{Kind: "breakout", Symbol: "TSLA"})

	// Entered above the range at 104; price slid back inside it.
	bars := rangeThenBreak(60, 100, 100.2, 10000)
	exit, reason := b.ShouldExit(openPos("TSLA", 10, 104, 100.2), bars)
	if !exit {
		t.Fatal("expected failed-breakout exit")
	}
	if reason == "" {
		t.Error("expected a reason")
	}
}

func TestBreakoutExitAtMeasuredMove(t *testing.T) {
	t.Parallel()

	b := newBreakout(config.StrategyConfig{Kind: "breakout", Symbol: "TSLA"})

	// Range height just over 1; entry 104, price beyond 104 + height.
	bars := rangeThenBreak(60, 100, 106, 10000)
	exit, _ := b.ShouldExit(openPos("TSLA", 10, 104, 106), bars)
	if !exit {
		t.Fatal("expected measured-move exit")
	}
}
