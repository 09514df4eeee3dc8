// Package marketdata produces recent OHLCV bars for a symbol and timeframe.
//
// Client talks to an Alpaca-style stock data API:
//   - Bars: GET /v2/stocks/{symbol}/bars — recent bars, ascending, ending
//     at or before now
//
// Cache wraps any Source with a short TTL so several strategies evaluating
// the same symbol within one tick share a single upstream fetch.
package marketdata

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"context"

	"github.com/go-resty/resty/v2"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// Source produces up to n recent bars. If fewer bars exist it returns what
// there is, possibly none. Failures surface whole; never partial results.
type Source interface {
	Bars(ctx context.Context, symbol string, timeframe types.Timeframe, n int) ([]types.Bar, error)
}

// Client fetches bars from the HTTP data API.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a bars client with retry on upstream 5xx.
func NewClient(cfg config.MarketDataConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	if cfg.APIKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "marketdata"),
	}
}

type barsResponse struct {
	Bars   []types.Bar `json:"bars"`
	Symbol string      `json:"symbol"`
}

// Bars fetches up to n recent bars for a symbol, oldest first.
func (c *Client) Bars(ctx context.Context, symbol string, timeframe types.Timeframe, n int) ([]types.Bar, error) {
	if symbol == "" {
		return nil, types.Errorf(types.KindInvalidRequest, "marketdata.bars", "empty symbol")
	}
	if n <= 0 {
		return nil, types.Errorf(types.KindInvalidRequest, "marketdata.bars", "bar count %d must be positive", n)
	}
	if !timeframe.Valid() {
		return nil, types.Errorf(types.KindInvalidRequest, "marketdata.bars", "unknown timeframe %q", timeframe)
	}

	var result barsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetQueryParam("timeframe", apiTimeframe(timeframe)).
		SetQueryParam("limit", strconv.Itoa(n)).
		SetResult(&result).
		Get("/v2/stocks/{symbol}/bars")
	if err != nil {
		return nil, types.E(types.KindUnavailable, "marketdata.bars", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, types.Errorf(types.KindUnavailable, "marketdata.bars",
			"status %d: %s", resp.StatusCode(), resp.String())
	}

	bars := result.Bars
	// Consumers rely on ascending time order.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// apiTimeframe maps a timeframe to the data API's spelling.
func apiTimeframe(tf types.Timeframe) string {
	switch tf {
	case types.Timeframe1Min:
		return "1Min"
	case types.Timeframe5Min:
		return "5Min"
	case types.Timeframe15Min:
		return "15Min"
	case types.Timeframe1Hour:
		return "1Hour"
	case types.Timeframe1Day:
		return "1Day"
	default:
		return fmt.Sprintf("%v", tf)
	}
}

var _ Source = (*Client)(nil)
