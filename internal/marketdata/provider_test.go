package marketdata

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientBars(t *testing.T) {
	t.Parallel()

	var gotPath, gotTimeframe, gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTimeframe = r.URL.Query().Get("timeframe")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"symbol": "AAPL",
			"bars": [
				{"t":"2025-03-10T14:30:00Z","o":150.0,"h":151.0,"l":149.5,"c":150.5,"v":10000},
				{"t":"2025-03-10T14:35:00Z","o":150.5,"h":152.0,"l":150.4,"c":151.8,"v":12000}
			]
		}`))
	}))
	defer server.Close()

	c := NewClient(config.MarketDataConfig{BaseURL: server.URL, Timeout: 2 * time.Second}, discardLogger())

	bars, err := c.Bars(context.Background(), "AAPL", types.Timeframe5Min, 10)
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}

	if gotPath != "/v2/stocks/AAPL/bars" {
		t.Errorf("path = %q, want /v2/stocks/AAPL/bars", gotPath)
	}
	if gotTimeframe != "5Min" {
		t.Errorf("timeframe param = %q, want 5Min", gotTimeframe)
	}
	if gotLimit != "10" {
		t.Errorf("limit param = %q, want 10", gotLimit)
	}

	if len(bars) != 2 {
		t.Fatalf("len(bars) = %d, want 2", len(bars))
	}
	if !bars[0].Time.Before(bars[1].Time) {
		t.Error("bars not ascending")
	}
	if bars[1].Close != 151.8 {
		t.Errorf("close = %v, want 151.8", bars[1].Close)
	}
	if bars[0].Volume != 10000 {
		t.Errorf("volume = %d, want 10000", bars[0].Volume)
	}
}

func TestClientBarsUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(config.MarketDataConfig{BaseURL: server.URL, Timeout: 2 * time.Second}, discardLogger())

	_, err := c.Bars(context.Background(), "AAPL", types.Timeframe5Min, 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsKind(err, types.KindUnavailable) {
		t.Errorf("kind = %v, want %v", types.KindOf(err), types.KindUnavailable)
	}
}

func TestClientBarsEmpty(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"NEWIPO","bars":[]}`))
	}))
	defer server.Close()

	c := NewClient(config.MarketDataConfig{BaseURL: server.URL, Timeout: 2 * time.Second}, discardLogger())

	bars, err := c.Bars(context.Background(), "NEWIPO", types.Timeframe1Day, 100)
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 0 {
		t.Errorf("len(bars) = %d, want 0", len(bars))
	}
}

func TestClientBarsValidation(t *testing.T) {
	t.Parallel()

	c := NewClient(config.MarketDataConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, discardLogger())
	ctx := context.Background()

	tests := []struct {
		name      string
		symbol    string
		timeframe types.Timeframe
		n         int
	}{
		{"empty symbol", "", types.Timeframe5Min, 10},
		{"zero count", "AAPL", types.Timeframe5Min, 0},
		{"bad timeframe", "AAPL", "7min", 10},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := c.Bars(ctx, tt.symbol, tt.timeframe, tt.n)
			if !types.IsKind(err, types.KindInvalidRequest) {
				t.Errorf("kind = %v, want %v", types.KindOf(err), types.KindInvalidRequest)
			}
		})
	}
}
