package strategy

import (
	"testing"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// declineThenBounce: a long slide that pins RSI near zero, then one strong
// up bar that pops it back over the oversold line.
func declineThenBounce(n int, bounce float64, lastVolume int64) []types.Bar {
	return barSeries(n,
		func(i int) float64 {
			if i == n-1 {
				return 120 - 0.5*float64(n-2) + bounce
			}
			return 120 - 0.5*float64(i)
		},
		func(i int) int64 {
			if i == n-1 {
				return lastVolume
			}
			return 10000
		},
	)
}

func TestMomentumBuysRSIRecoveryWithVolume(t *testing.T) {
	t.Parallel()

	m := newMomentum(config.StrategyConfig{Kind: "momentum", Symbol: "NVDA"})

	// RSI recovery plus a 3x volume surge: two legs, confidence 0.65.
	bars := declineThenBounce(41, 5, 30000)
	sig := m.OnBars(bars, nil)
	if sig.Kind != types.SignalBuy {
		t.Fatalf("kind = %s (%s), want buy", sig.Kind, sig.Reason)
	}
	if sig.Confidence != 0.65 && sig.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.65 or 0.9", sig.Confidence)
	}
}

func TestMomentumHoldsInSteadyDecline(t *testing.T) {
	t.Parallel()

	m := newMomentum(config.StrategyConfig{Kind: "momentum", Symbol: "NVDA"})

	bars := barSeries(41, func(i int) float64 { return 120 - 0.5*float64(i) }, nil)
	if sig := m.OnBars(bars, nil); sig.Kind != types.SignalHold {
		t.Fatalf("kind = %s, want hold without an rsi recovery", sig.Kind)
	}
}

func TestMomentumHoldsOnShortSeries(t *testing.T) {
	t.Parallel()

	m := newMomentum(config.StrategyConfig{Kind: "momentum", Symbol: "NVDA"})
	if sig := m.OnBars(flatSeries(10, 100), nil); sig.Kind != types.SignalHold {
		t.Fatalf("kind = %s, want hold on short series", sig.Kind)
	}
}

func TestMomentumExitsOverbought(t *testing.T) {
	t.Parallel()

	m := newMomentum(config.StrategyConfig{Kind: "momentum", Symbol: "NVDA"})

	// A relentless climb pins RSI at 100.
	bars := barSeries(50, func(i int) float64 { return 100 + float64(i) }, nil)
	exit, reason := m.ShouldExit(openPos("NVDA", 10, 100, 149), bars)
	if !exit {
		t.Fatal("expected overbought exit")
	}
	if reason == "" {
		t.Error("expected a reason")
	}
}

func TestMomentumNoExitInQuietMarket(t *testing.T) {
	t.Parallel()

	m := newMomentum(config.StrategyConfig{Kind: "momentum", Symbol: "NVDA"})

	// Alternating closes keep RSI near the middle.
	bars := barSeries(50, func(i int) float64 {
		if i%2 == 0 {
			return 100
		}
		return 100.5
	}, nil)
	if exit, _ := m.ShouldExit(openPos("NVDA", 10, 100, 100.5), bars); exit {
		t.Fatal("did not expect an exit in a quiet market")
	}
}
