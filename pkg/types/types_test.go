package types

import (
	"testing"
	"time"
)

func TestTimeframeDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tf   Timeframe
		want time.Duration
	}{
		{Timeframe1Min, time.Minute},
		{Timeframe5Min, 5 * time.Minute},
		{Timeframe15Min, 15 * time.Minute},
		{Timeframe1Hour, time.Hour},
		{Timeframe1Day, 24 * time.Hour},
		{Timeframe("unknown"), time.Minute}, // default
	}

	for _, tt := range tests {
		if got := tt.tf.Duration(); got != tt.want {
			t.Errorf("Timeframe(%q).Duration() = %v, want %v", tt.tf, got, tt.want)
		}
	}
}

func TestTimeframeValid(t *testing.T) {
	t.Parallel()

	valid := []Timeframe{Timeframe1Min, Timeframe5Min, Timeframe15Min, Timeframe1Hour, Timeframe1Day}
	for _, tf := range valid {
		if !tf.Valid() {
			t.Errorf("Timeframe(%q).Valid() = false, want true", tf)
		}
	}
	if Timeframe("2min").Valid() {
		t.Error(`Timeframe("2min").Valid() = true, want false`)
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if got := SideBuy.Opposite(); got != SideSell {
		t.Errorf("SideBuy.Opposite() = %q, want %q", got, SideSell)
	}
	if got := SideSell.Opposite(); got != SideBuy {
		t.Errorf("SideSell.Opposite() = %q, want %q", got, SideBuy)
	}
}

func TestSignalKindActionable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind SignalKind
		want bool
	}{
		{SignalBuy, true},
		{SignalSell, true},
		{SignalExit, true},
		{SignalHold, false},
	}

	for _, tt := range tests {
		if got := tt.kind.Actionable(); got != tt.want {
			t.Errorf("SignalKind(%q).Actionable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
