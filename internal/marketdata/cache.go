package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"equities-bot/pkg/types"
)

// Cache memoizes bars per (symbol, timeframe) for a short TTL. Concurrent
// misses for the same key collapse into one upstream fetch. Upstream errors
// pass through unchanged; a stale entry is never served in their place.
type Cache struct {
	source Source
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry

	group  singleflight.Group
	logger *slog.Logger
}

type cacheKey struct {
	symbol    string
	timeframe types.Timeframe
}

type cacheEntry struct {
	bars      []types.Bar
	n         int // how many bars were requested when this was stored
	fetchedAt time.Time
}

// NewCache wraps a Source with TTL memoization.
func NewCache(source Source, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		source:  source,
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
		logger:  logger.With("component", "marketdata_cache"),
	}
}

// Bars returns cached bars when the entry is fresh and was fetched with at
// least n bars; otherwise it fetches from the source.
func (c *Cache) Bars(ctx context.Context, symbol string, timeframe types.Timeframe, n int) ([]types.Bar, error) {
	key := cacheKey{symbol: symbol, timeframe: timeframe}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && entry.n >= n && time.Since(entry.fetchedAt) < c.ttl {
		return lastN(entry.bars, n), nil
	}

	flightKey := fmt.Sprintf("%s/%s/%d", symbol, timeframe, n)
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		// Re-check: another caller may have filled the entry while this
		// one waited on the flight.
		c.mu.RLock()
		entry, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && entry.n >= n && time.Since(entry.fetchedAt) < c.ttl {
			return entry.bars, nil
		}

		bars, err := c.source.Bars(ctx, symbol, timeframe, n)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = cacheEntry{bars: bars, n: n, fetchedAt: time.Now()}
		c.mu.Unlock()
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return lastN(v.([]types.Bar), n), nil
}

// lastN copies the newest n bars so callers cannot mutate the cache.
func lastN(bars []types.Bar, n int) []types.Bar {
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	return out
}

var _ Source = (*Cache)(nil)
