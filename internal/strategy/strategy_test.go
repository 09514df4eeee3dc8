package strategy

import (
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// barSeries builds n contiguous 5-minute bars ending near start+n*5m. Each
// bar's OHLC derives from the close produced by closeFn(i); volume from
// volFn(i) when given, else 10000.
func barSeries(n int, closeFn func(i int) float64, volFn func(i int) int64) []types.Bar {
	start := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	bars := make([]types.Bar, n)
	for i := range bars {
		c := closeFn(i)
		vol := int64(10000)
		if volFn != nil {
			vol = volFn(i)
		}
		bars[i] = types.Bar{
			Time:   start.Add(time.Duration(i) * 5 * time.Minute),
			Open:   c,
			High:   c * 1.001,
			Low:    c * 0.999,
			Close:  c,
			Volume: vol,
		}
	}
	return bars
}

// flatSeries is a constant-price series, the trivial hold case.
func flatSeries(n int, price float64) []types.Bar {
	return barSeries(n, func(int) float64 { return price }, nil)
}

func configFor(kind, symbol string) config.StrategyConfig {
	return config.StrategyConfig{Kind: kind, Symbol: symbol, Timeframe: "5min", Enabled: true}
}

func openPos(symbol string, qty int64, avg, current float64) *OpenPosition {
	return &OpenPosition{
		Symbol:       symbol,
		Quantity:     qty,
		AveragePrice: decimal.NewFromFloat(avg),
		CurrentPrice: decimal.NewFromFloat(current),
		OpenedAt:     time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC),
	}
}
