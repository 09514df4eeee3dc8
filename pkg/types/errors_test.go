package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"tagged", E(KindTimeout, "broker.positions", base), KindTimeout},
		{"wrapped tagged", fmt.Errorf("cycle failed: %w", E(KindDisconnected, "broker.place_order", nil)), KindDisconnected},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindUnavailable},
		{"plain", base, KindInternal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := E(KindUnavailable, "marketdata.bars", errors.New("status 503"))
	want := "marketdata.bars: unavailable: status 503"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := E(KindCapacity, "stream.accept", nil)
	if bare.Error() != "stream.accept: capacity" {
		t.Errorf("Error() = %q, want %q", bare.Error(), "stream.accept: capacity")
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("dial tcp: refused")
	err := E(KindUnavailable, "broker.connect", base)
	if !errors.Is(err, base) {
		t.Error("errors.Is(err, base) = false, want true")
	}
	if !IsKind(err, KindUnavailable) {
		t.Error("IsKind(err, KindUnavailable) = false, want true")
	}
	if IsKind(err, KindTimeout) {
		t.Error("IsKind(err, KindTimeout) = true, want false")
	}
}
