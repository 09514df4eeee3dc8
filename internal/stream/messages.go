package stream

import (
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/pkg/types"
)

// Wire formats. Field sets and names are part of the public contract with
// dashboard consumers.

type priceEntry struct {
	Price     float64 `json:"price"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Open      float64 `json:"open"`
	Close     float64 `json:"close"`
}

type priceUpdateMessage struct {
	Type      string                `json:"type"`
	Symbols   map[string]priceEntry `json:"symbols"`
	Timestamp time.Time             `json:"timestamp"`
}

func newPriceUpdate(symbols map[string]priceEntry) priceUpdateMessage {
	return priceUpdateMessage{
		Type:      "price_update",
		Symbols:   symbols,
		Timestamp: time.Now().UTC(),
	}
}

type signalMessage struct {
	Type       string          `json:"type"`
	SignalType string          `json:"signal_type"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity,omitempty"`
	Confidence float64         `json:"confidence"`
	Timestamp  time.Time       `json:"timestamp"`
}

func newSignalMessage(sig types.Signal) signalMessage {
	return signalMessage{
		Type:       "signal",
		SignalType: string(sig.Kind),
		Symbol:     sig.Symbol,
		Price:      sig.Price,
		Quantity:   sig.Quantity,
		Confidence: sig.Confidence,
		Timestamp:  time.Now().UTC(),
	}
}

type tradeMessage struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

func newTradeMessage(fill types.Fill) tradeMessage {
	return tradeMessage{
		Type:      "trade_executed",
		Symbol:    fill.Symbol,
		Side:      string(fill.Side),
		Quantity:  fill.Quantity,
		Price:     fill.Price,
		Timestamp: time.Now().UTC(),
	}
}

type portfolioPosition struct {
	Quantity         int64           `json:"quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct float64         `json:"unrealized_pnl_pct"`
}

type portfolioData struct {
	Positions     map[string]portfolioPosition `json:"positions"`
	TotalPnL      decimal.Decimal              `json:"total_pnl"`
	PositionCount int                          `json:"position_count"`
}

type portfolioMessage struct {
	Type      string        `json:"type"`
	Channel   string        `json:"channel"`
	Timestamp time.Time     `json:"timestamp"`
	Data      portfolioData `json:"data"`
}

func newPortfolioMessage(data portfolioData) portfolioMessage {
	return portfolioMessage{
		Type:      "portfolio_update",
		Channel:   "portfolio",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

type pongFrame struct {
	Type string `json:"type"`
}

func pongMessage() pongFrame { return pongFrame{Type: "pong"} }

type errorFrame struct {
	Type      string    `json:"type"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func errorMessage(msg string) errorFrame {
	return errorFrame{Type: "error", Error: msg, Timestamp: time.Now().UTC()}
}
