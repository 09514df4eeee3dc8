package marketdata

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"equities-bot/pkg/types"
)

// countingSource serves synthetic bars and counts upstream fetches.
type countingSource struct {
	calls atomic.Int64
	err   error
}

func (s *countingSource) Bars(ctx context.Context, symbol string, timeframe types.Timeframe, n int) ([]types.Bar, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	bars := make([]types.Bar, n)
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = types.Bar{
			Time:  base.Add(time.Duration(i) * timeframe.Duration()),
			Close: 100 + float64(i),
		}
	}
	return bars, nil
}

func TestCacheHit(t *testing.T) {
	t.Parallel()

	src := &countingSource{}
	cache := NewCache(src, time.Minute, discardLogger())
	ctx := context.Background()

	first, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 20)
	if err != nil {
		t.Fatalf("first Bars: %v", err)
	}
	second, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 20)
	if err != nil {
		t.Fatalf("second Bars: %v", err)
	}

	if got := src.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if len(first) != 20 || len(second) != 20 {
		t.Errorf("lens = %d, %d, want 20, 20", len(first), len(second))
	}

	// Mutating the returned slice must not poison the cache.
	second[0].Close = -1
	third, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 20)
	if err != nil {
		t.Fatalf("third Bars: %v", err)
	}
	if third[0].Close == -1 {
		t.Error("cache entry was mutated through a returned slice")
	}
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()

	src := &countingSource{}
	cache := NewCache(src, 10*time.Millisecond, discardLogger())
	ctx := context.Background()

	if _, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 5); err != nil {
		t.Fatalf("Bars: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 5); err != nil {
		t.Fatalf("Bars after expiry: %v", err)
	}

	if got := src.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestCacheSmallerRequestServedFromEntry(t *testing.T) {
	t.Parallel()

	src := &countingSource{}
	cache := NewCache(src, time.Minute, discardLogger())
	ctx := context.Background()

	if _, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 50); err != nil {
		t.Fatalf("Bars: %v", err)
	}
	bars, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 10)
	if err != nil {
		t.Fatalf("smaller Bars: %v", err)
	}

	if got := src.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if len(bars) != 10 {
		t.Errorf("len(bars) = %d, want 10 (newest slice of cached 50)", len(bars))
	}
	// The newest bar of the 50 is Close = 149.
	if bars[len(bars)-1].Close != 149 {
		t.Errorf("newest close = %v, want 149", bars[len(bars)-1].Close)
	}
}

func TestCacheLargerRequestRefetches(t *testing.T) {
	t.Parallel()

	src := &countingSource{}
	cache := NewCache(src, time.Minute, discardLogger())
	ctx := context.Background()

	if _, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 10); err != nil {
		t.Fatalf("Bars: %v", err)
	}
	bars, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 50)
	if err != nil {
		t.Fatalf("larger Bars: %v", err)
	}

	if got := src.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
	if len(bars) != 50 {
		t.Errorf("len(bars) = %d, want 50", len(bars))
	}
}

func TestCacheErrorNotCached(t *testing.T) {
	t.Parallel()

	src := &countingSource{err: types.Errorf(types.KindUnavailable, "marketdata.bars", "down")}
	cache := NewCache(src, time.Minute, discardLogger())
	ctx := context.Background()

	if _, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 5); !types.IsKind(err, types.KindUnavailable) {
		t.Errorf("kind = %v, want %v", types.KindOf(err), types.KindUnavailable)
	}

	// Upstream recovers; the failed attempt must not have been cached.
	src.err = nil
	bars, err := cache.Bars(ctx, "AAPL", types.Timeframe5Min, 5)
	if err != nil {
		t.Fatalf("Bars after recovery: %v", err)
	}
	if len(bars) != 5 {
		t.Errorf("len(bars) = %d, want 5", len(bars))
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}
