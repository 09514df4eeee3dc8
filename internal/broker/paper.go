package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// Paper is an in-memory broker for dry runs and tests. Orders fill
// instantly: market orders at the seeded quote, limit orders at the limit
// price. Fills and position updates flow through the same bounded event
// queue as the live client, so consumers cannot tell the two apart.
type Paper struct {
	logger *slog.Logger

	mu          sync.Mutex
	connected   bool
	account     string
	cash        decimal.Decimal
	positions   map[string]*types.BrokerPosition
	quotes      map[string]types.Quote
	nextOrderID int64

	events *eventQueue
}

// NewPaper creates a paper broker seeded with cfg.PaperCash.
func NewPaper(cfg config.BrokerConfig, logger *slog.Logger) *Paper {
	cash := cfg.PaperCash
	if cash <= 0 {
		cash = 100000
	}
	account := cfg.Account
	if account == "" {
		account = "PAPER"
	}
	log := logger.With("component", "paper_broker")
	return &Paper{
		logger:    log,
		account:   account,
		cash:      decimal.NewFromFloat(cash),
		positions: make(map[string]*types.BrokerPosition),
		quotes:    make(map[string]types.Quote),
		events:    newEventQueue(cfg.EventQueueSize, log),
	}
}

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Info("paper broker connected")
	return nil
}

func (p *Paper) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *Paper) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Paper) Events() <-chan Event { return p.events.events() }

func (p *Paper) SetOverflowHook(fn func()) { p.events.setOverflowHook(fn) }

// SetQuote seeds the quote for a symbol and re-marks any position in it.
func (p *Paper) SetQuote(symbol string, last float64, volume int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.quotes[symbol]
	q.Symbol = symbol
	q.Last = last
	q.Bid = last
	q.Ask = last
	if last > q.High {
		q.High = last
	}
	if q.Low == 0 || last < q.Low {
		q.Low = last
	}
	q.Volume = volume
	q.Time = time.Now().UTC()
	p.quotes[symbol] = q

	if pos, ok := p.positions[symbol]; ok {
		p.markLocked(pos)
	}
}

// SetPosition forces broker-side position state. Intended for seeding a
// scenario; it does not emit events.
func (p *Paper) SetPosition(symbol string, qty int64, avgPrice decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := &types.BrokerPosition{Symbol: symbol, Quantity: qty, AvgPrice: avgPrice}
	p.markLocked(pos)
	p.positions[symbol] = pos
}

// markLocked refreshes market price and unrealized P&L from the quote.
func (p *Paper) markLocked(pos *types.BrokerPosition) {
	if q, ok := p.quotes[pos.Symbol]; ok && q.Last > 0 {
		pos.MarketPrice = decimal.NewFromFloat(q.Last)
	} else {
		pos.MarketPrice = pos.AvgPrice
	}
	pos.UnrealizedPnL = pos.MarketPrice.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Quantity))
}

// PlaceOrder fills the order immediately and publishes the fill and the
// updated position, in that order.
func (p *Paper) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, types.Errorf(types.KindDisconnected, "broker.place_order", "session not connected")
	}

	var price decimal.Decimal
	if req.Type == types.OrderLimit {
		price = req.LimitPrice
	} else {
		q, ok := p.quotes[req.Symbol]
		if !ok || q.Last <= 0 {
			p.mu.Unlock()
			return nil, types.Errorf(types.KindUnavailable, "broker.place_order", "no quote for %s", req.Symbol)
		}
		price = decimal.NewFromFloat(q.Last)
	}

	p.nextOrderID++
	orderID := p.nextOrderID
	qty := decimal.NewFromInt(req.Quantity)
	notional := price.Mul(qty)

	pos, ok := p.positions[req.Symbol]
	if !ok {
		pos = &types.BrokerPosition{Symbol: req.Symbol}
		p.positions[req.Symbol] = pos
	}

	if req.Side == types.SideBuy {
		// Weighted-average entry across adds.
		total := decimal.NewFromInt(pos.Quantity).Mul(pos.AvgPrice).Add(notional)
		pos.Quantity += req.Quantity
		if pos.Quantity != 0 {
			pos.AvgPrice = total.Div(decimal.NewFromInt(pos.Quantity))
		}
		p.cash = p.cash.Sub(notional)
	} else {
		pos.Quantity -= req.Quantity
		if pos.Quantity == 0 {
			// Keep the zero row so a sync observes the close.
			pos.AvgPrice = pos.AvgPrice.Copy()
		}
		p.cash = p.cash.Add(notional)
	}
	p.markLocked(pos)
	snapshot := *pos
	p.mu.Unlock()

	fill := types.Fill{
		BrokerOrderID: orderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         price,
		ExecutedAt:    time.Now().UTC(),
	}
	p.events.publish(FillEvent{Fill: fill})
	p.events.publish(PositionEvent{Position: snapshot})

	p.logger.Info("paper fill",
		"order_id", orderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"price", price,
	)

	return &types.OrderAck{BrokerOrderID: orderID, SubmittedAt: fill.ExecutedAt}, nil
}

// CancelOrder is a no-op: paper orders fill instantly.
func (p *Paper) CancelOrder(ctx context.Context, brokerOrderID int64) error {
	return nil
}

func (p *Paper) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, types.Errorf(types.KindDisconnected, "broker.positions", "session not connected")
	}

	out := make([]types.BrokerPosition, 0, len(p.positions))
	for sym, pos := range p.positions {
		p.markLocked(pos)
		out = append(out, *pos)
		// A zero row is delivered once so a sync observes the close,
		// then dropped.
		if pos.Quantity == 0 {
			delete(p.positions, sym)
		}
	}
	return out, nil
}

func (p *Paper) AccountSummary(ctx context.Context) (*types.AccountSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, types.Errorf(types.KindDisconnected, "broker.account_summary", "session not connected")
	}

	holdings := decimal.Zero
	for _, pos := range p.positions {
		p.markLocked(pos)
		holdings = holdings.Add(pos.MarketPrice.Mul(decimal.NewFromInt(pos.Quantity)))
	}

	return &types.AccountSummary{
		Account:        p.account,
		NetLiquidation: p.cash.Add(holdings),
		TotalCash:      p.cash,
		BuyingPower:    p.cash,
		Currency:       "USD",
		Time:           time.Now().UTC(),
	}, nil
}

func (p *Paper) MarketData(ctx context.Context, symbol string) (*types.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, types.Errorf(types.KindDisconnected, "broker.market_data", "session not connected")
	}
	q, ok := p.quotes[symbol]
	if !ok || q.Last <= 0 {
		return nil, types.Errorf(types.KindUnavailable, "broker.market_data", "no quote for %s", symbol)
	}
	quote := q
	return &quote, nil
}

var _ Broker = (*Paper)(nil)
