// Package broker connects the bot to an Interactive-Brokers-style gateway
// over TCP. The gateway speaks a length-prefixed, NUL-separated field
// protocol; one session per client ID.
//
// Two halves:
//
//   - Caller-initiated RPCs (place order, positions, account summary,
//     market data) serialize onto the session and are bounded by the
//     configured RPC timeout.
//
//   - Gateway push events (fills, position updates, errors) are decoded on
//     the session read loop and funnelled through a single bounded queue so
//     a slow consumer can never stall the wire.
//
// A Supervisor probes the session and reconnects with bounded retries. The
// Paper implementation fills orders in memory for dry runs and tests.
package broker

import (
	"context"

	"equities-bot/pkg/types"
)

// Broker is the session contract the rest of the bot programs against.
// Client (live gateway) and Paper (in-memory) both implement it.
type Broker interface {
	// Connect establishes the session. At most one active session per
	// client ID; a second connect with the same ID is rejected by the
	// gateway.
	Connect(ctx context.Context) error

	// Disconnect tears the session down and stops the read loop.
	Disconnect() error

	// IsConnected reports whether the session is live. Schedulers and
	// sync passes treat false as a skip-this-cycle condition.
	IsConnected() bool

	// PlaceOrder submits an order and returns the broker-assigned order
	// ID. Submission is guaranteed on success; the fill arrives later as
	// a FillEvent. Ambiguous outcomes are not retried here.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error)

	// CancelOrder requests cancellation of a previously placed order.
	CancelOrder(ctx context.Context, brokerOrderID int64) error

	// Positions returns a snapshot of the broker's open positions.
	Positions(ctx context.Context) ([]types.BrokerPosition, error)

	// AccountSummary returns net liquidation, total cash, and buying
	// power for the configured account.
	AccountSummary(ctx context.Context) (*types.AccountSummary, error)

	// MarketData returns the latest quote for a symbol. Values may be
	// stale outside market hours.
	MarketData(ctx context.Context, symbol string) (*types.Quote, error)

	// Events returns the push event queue. The channel is owned by the
	// broker and stays valid across reconnects.
	Events() <-chan Event

	// SetOverflowHook installs a function invoked whenever the event
	// queue drops an event. Consumers use it to schedule a full resync.
	SetOverflowHook(fn func())
}

// Event is a gateway push event. Concrete types: FillEvent, PositionEvent,
// ErrorEvent.
type Event interface {
	isEvent()
}

// FillEvent reports an order fill.
type FillEvent struct {
	Fill types.Fill
}

// PositionEvent reports a broker-side position change.
type PositionEvent struct {
	Position types.BrokerPosition
}

// ErrorEvent carries a gateway error message.
type ErrorEvent struct {
	Code    int
	Message string
}

func (FillEvent) isEvent()     {}
func (PositionEvent) isEvent() {}
func (ErrorEvent) isEvent()    {}
