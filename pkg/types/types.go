// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: order sides and types,
// OHLCV bars, quotes, strategy signals, and broker snapshots. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Core enums

// Side represents the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderMarket OrderType = "market" // fill at best available price
	OrderLimit  OrderType = "limit"  // fill at limit price or better
)

// SignalKind is the action a strategy recommends.
type SignalKind string

const (
	SignalBuy  SignalKind = "buy"
	SignalSell SignalKind = "sell"
	SignalHold SignalKind = "hold"
	SignalExit SignalKind = "exit"
)

// Actionable reports whether the signal asks for an order.
func (k SignalKind) Actionable() bool {
	return k == SignalBuy || k == SignalSell || k == SignalExit
}

// Timeframe is the bar aggregation period for market data requests.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe5Min  Timeframe = "5min"
	Timeframe15Min Timeframe = "15min"
	Timeframe1Hour Timeframe = "1h"
	Timeframe1Day  Timeframe = "1d"
)

// Duration returns the bar period as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1Min:
		return time.Minute
	case Timeframe5Min:
		return 5 * time.Minute
	case Timeframe15Min:
		return 15 * time.Minute
	case Timeframe1Hour:
		return time.Hour
	case Timeframe1Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe1Min, Timeframe5Min, Timeframe15Min, Timeframe1Hour, Timeframe1Day:
		return true
	}
	return false
}

// Market data

// Bar is a single OHLCV candle. Bars returned by the market data facade are
// contiguous, ascending by time, and end at or before now.
type Bar struct {
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume int64     `json:"v"`
}

// Quote is a point-in-time market data snapshot for one symbol.
// May carry stale values outside market hours.
type Quote struct {
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Open   float64   `json:"open"`
	Close  float64   `json:"close"` // previous session close
	Volume int64     `json:"volume"`
	Time   time.Time `json:"time"`
}

// Signals

// Signal is a strategy-produced recommendation to act. Ephemeral: signals
// are not persisted, they only influence trades. Quantity 0 means the risk
// engine decides sizing. Confidence is strategy-local in [0,1]; its meaning
// is documented per strategy.
type Signal struct {
	Kind        SignalKind       `json:"kind"`
	Symbol      string           `json:"symbol"`
	Price       decimal.Decimal  `json:"price"`
	Quantity    int64            `json:"quantity,omitempty"`
	Confidence  float64          `json:"confidence"`
	Reason      string           `json:"reason"`
	EntryLevel  *decimal.Decimal `json:"entry_level,omitempty"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit  *decimal.Decimal `json:"take_profit,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
	StrategyID  uint             `json:"strategy_id,omitempty"`
}

// Hold builds a hold signal with a reason, the no-action result of an
// evaluation.
func Hold(symbol, reason string) Signal {
	return Signal{
		Kind:        SignalHold,
		Symbol:      symbol,
		Reason:      reason,
		GeneratedAt: time.Now().UTC(),
	}
}

// Broker

// OrderRequest is the high-level order the scheduler hands to the broker
// client. LimitPrice is consulted only when Type is OrderLimit.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Quantity   int64
	Type       OrderType
	LimitPrice decimal.Decimal
}

// OrderAck acknowledges order submission. Submission does not imply a fill;
// fills arrive later as events.
type OrderAck struct {
	BrokerOrderID int64
	SubmittedAt   time.Time
}

// Fill is an order execution reported by the broker.
type Fill struct {
	BrokerOrderID int64           `json:"broker_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ExecutedAt    time.Time       `json:"executed_at"`
}

// BrokerPosition is one row of the broker's position snapshot, the source
// of truth during a sync pass.
type BrokerPosition struct {
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"` // signed; negative = short
	AvgPrice      decimal.Decimal `json:"avg_price"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// AccountSummary is the broker's account snapshot.
type AccountSummary struct {
	Account        string          `json:"account"`
	NetLiquidation decimal.Decimal `json:"net_liquidation"`
	TotalCash      decimal.Decimal `json:"total_cash"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Currency       string          `json:"currency"`
	Time           time.Time       `json:"time"`
}
