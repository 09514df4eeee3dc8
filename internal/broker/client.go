package broker

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

// Gateway error code for a client ID already in use.
const codeClientIDInUse = 326

// Tick types carried by tickPrice/tickSize messages.
const (
	tickBid    = 1
	tickAsk    = 2
	tickLast   = 4
	tickHigh   = 6
	tickLow    = 7
	tickClose  = 9
	tickOpen   = 14
	tickVolume = 8
)

// Client is a live gateway session. All RPCs serialize onto the single
// session socket; push events are decoded on the read loop and delivered
// through the bounded event queue.
type Client struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu        sync.Mutex // session lifecycle: Connect / Disconnect
	done      chan struct{}
	connected atomic.Bool

	sendMu sync.Mutex // serializes frame writes onto the socket
	conn   net.Conn

	rpcMu   sync.Mutex // serializes request/response cycles
	limiter *rate.Limiter

	nextOrderID  atomic.Int64
	nextTickerID atomic.Int64

	// Orders in flight, keyed by broker order ID. Order status messages
	// do not carry symbol or side, so fills are matched here.
	ordersMu sync.Mutex
	orders   map[int64]*pendingOrder

	positionsMu  sync.RWMutex
	positions    map[string]types.BrokerPosition
	positionsBar *barrier

	accountMu  sync.RWMutex
	account    *types.AccountSummary
	accountBar *barrier

	quotesMu sync.RWMutex
	quotes   map[string]*quoteEntry
	tickers  map[int64]string

	startBar  *barrier // released by the session confirmation
	connErrMu sync.Mutex
	connErr   error

	events *eventQueue
	wg     sync.WaitGroup
}

type pendingOrder struct {
	symbol string
	side   types.Side
	qty    int64
	filled bool
}

// quoteEntry caches the latest quote for one subscribed symbol. ready is
// closed on the first tick so callers can wait for initial data.
type quoteEntry struct {
	ready chan struct{}
	once  sync.Once
	quote types.Quote
}

// NewClient creates a gateway session client. The session is not connected
// until Connect is called.
func NewClient(cfg config.BrokerConfig, logger *slog.Logger) *Client {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 45
	}
	log := logger.With("component", "broker")
	return &Client{
		cfg:          cfg,
		logger:       log,
		limiter:      rate.NewLimiter(rate.Limit(limit), int(limit)),
		orders:       make(map[int64]*pendingOrder),
		positions:    make(map[string]types.BrokerPosition),
		quotes:       make(map[string]*quoteEntry),
		tickers:      make(map[int64]string),
		positionsBar: newBarrier(),
		accountBar:   newBarrier(),
		startBar:     newBarrier(),
		events:       newEventQueue(cfg.EventQueueSize, log),
	}
}

// Connect dials the gateway, performs the handshake, and waits for the
// session confirmation. Idempotent while connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	c.connErrMu.Lock()
	c.connErr = nil
	c.connErrMu.Unlock()

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	c.logger.Info("connecting to gateway",
		"addr", addr,
		"client_id", c.cfg.ClientID,
	)

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return types.E(types.KindUnavailable, "broker.connect", err)
	}

	reader := bufio.NewReader(conn)
	if err := c.handshake(conn, reader); err != nil {
		conn.Close()
		return types.E(types.KindUnavailable, "broker.connect", err)
	}

	c.sendMu.Lock()
	c.conn = conn
	c.sendMu.Unlock()

	c.done = make(chan struct{})
	started := c.startBar.arm()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(reader, c.done)

	// The gateway confirms the session with a next-valid-order-ID
	// message. No RPC may be issued before it arrives.
	select {
	case <-started:
	case <-ctx.Done():
		c.teardownLocked()
		return types.E(types.KindTimeout, "broker.connect", ctx.Err())
	case <-time.After(c.cfg.Timeout):
		c.teardownLocked()
		return types.Errorf(types.KindTimeout, "broker.connect", "no session confirmation within %s", c.cfg.Timeout)
	}

	c.connErrMu.Lock()
	connErr := c.connErr
	c.connErrMu.Unlock()
	if connErr != nil {
		c.teardownLocked()
		return connErr
	}

	c.resubscribeQuotes(ctx)

	c.logger.Info("gateway session established", "next_order_id", c.nextOrderID.Load()+1)
	return nil
}

// handshake negotiates the protocol version and announces the client ID.
func (c *Client) handshake(conn net.Conn, r *bufio.Reader) error {
	// "API\0" prefix, then the supported version range as its own frame.
	buf := append([]byte("API\x00"), encodeFrame("v100..151")...)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
	fields, err := readFrame(r)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	c.logger.Debug("gateway handshake",
		"server_version", fieldInt(fields, 0),
		"server_time", fieldAt(fields, 1),
	)

	start := encodeFrame(strconv.Itoa(msgStartAPI), "2", strconv.Itoa(c.cfg.ClientID))
	if _, err := conn.Write(start); err != nil {
		return fmt.Errorf("write startAPI: %w", err)
	}
	return nil
}

// Disconnect closes the session and stops the read loop.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.logger.Info("gateway disconnected")
	return nil
}

func (c *Client) teardownLocked() {
	c.connected.Store(false)
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.sendMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.sendMu.Unlock()
	c.wg.Wait()
}

// IsConnected reports whether the session is live.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Events returns the push event queue.
func (c *Client) Events() <-chan Event { return c.events.events() }

// SetOverflowHook installs the queue overflow callback.
func (c *Client) SetOverflowHook(fn func()) { c.events.setOverflowHook(fn) }

// DroppedEvents reports how many push events the queue has dropped.
func (c *Client) DroppedEvents() int64 { return c.events.droppedCount() }

// PlaceOrder submits an order. The returned ack carries the broker order
// ID; the fill, if any, arrives later as a FillEvent.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}
	if !c.connected.Load() {
		return nil, types.Errorf(types.KindDisconnected, "broker.place_order", "session not connected")
	}

	orderID := c.nextOrderID.Add(1)

	action := "BUY"
	if req.Side == types.SideSell {
		action = "SELL"
	}
	orderType := "MKT"
	lmtPrice := ""
	if req.Type == types.OrderLimit {
		orderType = "LMT"
		lmtPrice = req.LimitPrice.String()
	}

	// Register before sending so a fast fill can be matched.
	c.ordersMu.Lock()
	c.orders[orderID] = &pendingOrder{symbol: req.Symbol, side: req.Side, qty: req.Quantity}
	c.ordersMu.Unlock()

	// Format: msgID, version, orderID, symbol, secType, exchange,
	// currency, action, quantity, orderType, lmtPrice, tif
	err := c.send(ctx,
		strconv.Itoa(msgPlaceOrder), "45", strconv.FormatInt(orderID, 10),
		req.Symbol, "STK", "SMART", "USD",
		action, strconv.FormatInt(req.Quantity, 10), orderType, lmtPrice, "DAY",
	)
	if err != nil {
		c.ordersMu.Lock()
		delete(c.orders, orderID)
		c.ordersMu.Unlock()
		return nil, err
	}

	c.logger.Info("order submitted",
		"order_id", orderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"type", req.Type,
	)

	return &types.OrderAck{BrokerOrderID: orderID, SubmittedAt: time.Now().UTC()}, nil
}

func validateOrder(req types.OrderRequest) error {
	if req.Symbol == "" {
		return types.Errorf(types.KindInvalidRequest, "broker.place_order", "empty symbol")
	}
	if req.Quantity <= 0 {
		return types.Errorf(types.KindInvalidRequest, "broker.place_order", "quantity %d must be positive", req.Quantity)
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return types.Errorf(types.KindInvalidRequest, "broker.place_order", "unknown side %q", req.Side)
	}
	switch req.Type {
	case types.OrderMarket:
	case types.OrderLimit:
		if !req.LimitPrice.IsPositive() {
			return types.Errorf(types.KindInvalidRequest, "broker.place_order", "limit price %s must be positive", req.LimitPrice)
		}
	default:
		return types.Errorf(types.KindInvalidRequest, "broker.place_order", "unknown order type %q", req.Type)
	}
	return nil
}

// CancelOrder requests cancellation of an order by broker order ID.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID int64) error {
	if !c.connected.Load() {
		return types.Errorf(types.KindDisconnected, "broker.cancel_order", "session not connected")
	}
	// Format: msgID, version, orderID
	return c.send(ctx, strconv.Itoa(msgCancelOrder), "1", strconv.FormatInt(brokerOrderID, 10))
}

// Positions requests a fresh position snapshot from the gateway and blocks
// until the end marker or the RPC timeout.
func (c *Client) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	if !c.connected.Load() {
		return nil, types.Errorf(types.KindDisconnected, "broker.positions", "session not connected")
	}

	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()

	done := c.positionsBar.arm()

	// The gateway re-sends every current position, so the cache is
	// rebuilt from scratch per request.
	c.positionsMu.Lock()
	c.positions = make(map[string]types.BrokerPosition)
	c.positionsMu.Unlock()

	// Format: msgID, version
	if err := c.send(ctx, strconv.Itoa(msgReqPositions), "1"); err != nil {
		return nil, err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, types.E(types.KindTimeout, "broker.positions", ctx.Err())
	case <-time.After(c.cfg.Timeout):
		return nil, types.Errorf(types.KindTimeout, "broker.positions", "no position snapshot within %s", c.cfg.Timeout)
	}

	return c.snapshotPositions(), nil
}

// snapshotPositions copies the position cache, enriching each entry with
// the latest quote. Symbols without a live quote fall back to average cost.
func (c *Client) snapshotPositions() []types.BrokerPosition {
	c.positionsMu.RLock()
	defer c.positionsMu.RUnlock()

	out := make([]types.BrokerPosition, 0, len(c.positions))
	for _, p := range c.positions {
		if last := c.lastQuotePrice(p.Symbol); !last.IsZero() {
			p.MarketPrice = last
			p.UnrealizedPnL = last.Sub(p.AvgPrice).Mul(decimal.NewFromInt(p.Quantity))
		} else {
			p.MarketPrice = p.AvgPrice
		}
		out = append(out, p)
	}
	return out
}

func (c *Client) lastQuotePrice(symbol string) decimal.Decimal {
	c.quotesMu.RLock()
	defer c.quotesMu.RUnlock()
	entry, ok := c.quotes[symbol]
	if !ok {
		return decimal.Zero
	}
	select {
	case <-entry.ready:
		return decimal.NewFromFloat(entry.quote.Last)
	default:
		return decimal.Zero
	}
}

// AccountSummary requests the account snapshot and blocks until the end
// marker or the RPC timeout.
func (c *Client) AccountSummary(ctx context.Context) (*types.AccountSummary, error) {
	if !c.connected.Load() {
		return nil, types.Errorf(types.KindDisconnected, "broker.account_summary", "session not connected")
	}

	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()

	done := c.accountBar.arm()

	reqID := c.nextTickerID.Add(1)
	// Format: msgID, version, reqID, group, tags
	err := c.send(ctx,
		strconv.Itoa(msgReqAccountSummary), "1", strconv.FormatInt(reqID, 10),
		"All", "NetLiquidation,TotalCashValue,BuyingPower",
	)
	if err != nil {
		return nil, err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, types.E(types.KindTimeout, "broker.account_summary", ctx.Err())
	case <-time.After(c.cfg.Timeout):
		return nil, types.Errorf(types.KindTimeout, "broker.account_summary", "no account snapshot within %s", c.cfg.Timeout)
	}

	c.accountMu.RLock()
	defer c.accountMu.RUnlock()
	if c.account == nil {
		return nil, types.Errorf(types.KindUnavailable, "broker.account_summary", "no account data")
	}
	summary := *c.account
	return &summary, nil
}

// MarketData subscribes to a symbol on first call and returns the latest
// cached quote. The first call blocks until the initial tick arrives.
func (c *Client) MarketData(ctx context.Context, symbol string) (*types.Quote, error) {
	if symbol == "" {
		return nil, types.Errorf(types.KindInvalidRequest, "broker.market_data", "empty symbol")
	}
	if !c.connected.Load() {
		return nil, types.Errorf(types.KindDisconnected, "broker.market_data", "session not connected")
	}

	c.quotesMu.Lock()
	entry, ok := c.quotes[symbol]
	if !ok {
		entry = &quoteEntry{ready: make(chan struct{})}
		entry.quote.Symbol = symbol
		tickerID := c.nextTickerID.Add(1)
		c.quotes[symbol] = entry
		c.tickers[tickerID] = symbol
		c.quotesMu.Unlock()

		if err := c.sendMktDataReq(ctx, tickerID, symbol); err != nil {
			c.quotesMu.Lock()
			delete(c.quotes, symbol)
			delete(c.tickers, tickerID)
			c.quotesMu.Unlock()
			return nil, err
		}
	} else {
		c.quotesMu.Unlock()
	}

	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, types.E(types.KindTimeout, "broker.market_data", ctx.Err())
	case <-time.After(c.cfg.Timeout):
		return nil, types.Errorf(types.KindTimeout, "broker.market_data", "no tick for %s within %s", symbol, c.cfg.Timeout)
	}

	c.quotesMu.RLock()
	defer c.quotesMu.RUnlock()
	q := entry.quote
	return &q, nil
}

func (c *Client) sendMktDataReq(ctx context.Context, tickerID int64, symbol string) error {
	// Format: msgID, version, tickerID, symbol, secType, exchange,
	// currency, genericTicks, snapshot
	return c.send(ctx,
		strconv.Itoa(msgReqMktData), "11", strconv.FormatInt(tickerID, 10),
		symbol, "STK", "SMART", "USD", "", "0",
	)
}

// resubscribeQuotes re-issues market data requests after a reconnect. The
// gateway forgets subscriptions when the session drops.
func (c *Client) resubscribeQuotes(ctx context.Context) {
	c.quotesMu.RLock()
	tickers := make(map[int64]string, len(c.tickers))
	for id, sym := range c.tickers {
		tickers[id] = sym
	}
	c.quotesMu.RUnlock()

	for id, sym := range tickers {
		if err := c.sendMktDataReq(ctx, id, sym); err != nil {
			c.logger.Warn("resubscribe failed", "symbol", sym, "error", err)
		}
	}
}

// send writes one frame to the socket, paced by the rate limiter.
func (c *Client) send(ctx context.Context, fields ...string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.E(types.KindTimeout, "broker.send", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.conn == nil {
		return types.Errorf(types.KindDisconnected, "broker.send", "session not connected")
	}
	if _, err := c.conn.Write(encodeFrame(fields...)); err != nil {
		return types.E(types.KindUnavailable, "broker.send", err)
	}
	return nil
}

// readLoop decodes gateway frames until the session closes.
func (c *Client) readLoop(r *bufio.Reader, done chan struct{}) {
	defer c.wg.Done()

	for {
		fields, err := readFrame(r)
		if err != nil {
			select {
			case <-done:
				// Orderly shutdown.
			default:
				c.logger.Error("session read failed", "error", err)
				c.connected.Store(false)
			}
			return
		}
		c.dispatch(fields)
	}
}

func (c *Client) dispatch(fields []string) {
	switch fieldInt(fields, 0) {
	case msgTickPrice:
		c.handleTickPrice(fields)
	case msgTickSize:
		c.handleTickSize(fields)
	case msgOrderStatus:
		c.handleOrderStatus(fields)
	case msgErrMsg:
		c.handleErrMsg(fields)
	case msgNextValidID:
		// Format: msgID, version, orderID
		if id := fieldInt64(fields, 2); id > 0 {
			c.nextOrderID.Store(id - 1)
		}
		c.startBar.release()
	case msgPosition:
		c.handlePosition(fields)
	case msgPositionEnd:
		c.positionsBar.release()
	case msgAccountSummary:
		c.handleAccountSummary(fields)
	case msgAccountSummaryEnd:
		c.accountBar.release()
	default:
		c.logger.Debug("unhandled gateway message", "msg_id", fieldAt(fields, 0))
	}
}

func (c *Client) handleTickPrice(fields []string) {
	// Format: msgID, version, tickerID, tickType, price, size, attribs
	tickerID := fieldInt64(fields, 2)
	tickType := fieldInt(fields, 3)
	price := fieldFloat(fields, 4)
	if price <= 0 {
		return
	}

	c.quotesMu.Lock()
	defer c.quotesMu.Unlock()

	symbol, ok := c.tickers[tickerID]
	if !ok {
		return
	}
	entry := c.quotes[symbol]
	if entry == nil {
		return
	}

	switch tickType {
	case tickBid:
		entry.quote.Bid = price
	case tickAsk:
		entry.quote.Ask = price
	case tickLast:
		entry.quote.Last = price
	case tickHigh:
		entry.quote.High = price
	case tickLow:
		entry.quote.Low = price
	case tickClose:
		entry.quote.Close = price
	case tickOpen:
		entry.quote.Open = price
	default:
		return
	}
	entry.quote.Time = time.Now().UTC()

	// The quote is usable once the last trade price is known.
	if entry.quote.Last > 0 {
		entry.once.Do(func() { close(entry.ready) })
	}
}

func (c *Client) handleTickSize(fields []string) {
	// Format: msgID, version, tickerID, tickType, size
	tickerID := fieldInt64(fields, 2)
	if fieldInt(fields, 3) != tickVolume {
		return
	}
	volume := fieldInt64(fields, 4)

	c.quotesMu.Lock()
	defer c.quotesMu.Unlock()
	symbol, ok := c.tickers[tickerID]
	if !ok {
		return
	}
	if entry := c.quotes[symbol]; entry != nil {
		entry.quote.Volume = volume
		entry.quote.Time = time.Now().UTC()
	}
}

func (c *Client) handleOrderStatus(fields []string) {
	// Format: msgID, version, orderID, status, filled, remaining, avgFillPrice
	orderID := fieldInt64(fields, 2)
	status := fieldAt(fields, 3)
	filled := fieldInt64(fields, 4)
	avgPrice := fieldAt(fields, 6)

	if status != "Filled" {
		c.logger.Debug("order status", "order_id", orderID, "status", status)
		return
	}

	c.ordersMu.Lock()
	po, ok := c.orders[orderID]
	if !ok || po.filled {
		c.ordersMu.Unlock()
		return
	}
	po.filled = true
	c.ordersMu.Unlock()

	price, err := decimal.NewFromString(avgPrice)
	if err != nil {
		c.logger.Error("unparseable fill price", "order_id", orderID, "price", avgPrice)
		return
	}
	if filled <= 0 {
		filled = po.qty
	}

	c.events.publish(FillEvent{Fill: types.Fill{
		BrokerOrderID: orderID,
		Symbol:        po.symbol,
		Side:          po.side,
		Quantity:      filled,
		Price:         price,
		ExecutedAt:    time.Now().UTC(),
	}})
}

func (c *Client) handleErrMsg(fields []string) {
	// Format: msgID, version, id, code, message
	code := fieldInt(fields, 3)
	message := fieldAt(fields, 4)

	if code == codeClientIDInUse {
		c.connErrMu.Lock()
		c.connErr = types.Errorf(types.KindConflict, "broker.connect", "client id %d already in use", c.cfg.ClientID)
		c.connErrMu.Unlock()
		c.startBar.release()
	}

	c.logger.Warn("gateway error", "code", code, "message", message)
	c.events.publish(ErrorEvent{Code: code, Message: message})
}

func (c *Client) handlePosition(fields []string) {
	// Format: msgID, version, account, conId, symbol, secType, expiry,
	// strike, right, multiplier, exchange, currency, localSymbol,
	// tradingClass, position, avgCost
	symbol := fieldAt(fields, 4)
	if symbol == "" {
		return
	}
	qty := fieldInt64(fields, 14)
	avgCost, err := decimal.NewFromString(fieldAt(fields, 15))
	if err != nil {
		c.logger.Error("unparseable position avg cost", "symbol", symbol)
		return
	}

	pos := types.BrokerPosition{
		Symbol:   symbol,
		Quantity: qty,
		AvgPrice: avgCost,
	}

	c.positionsMu.Lock()
	c.positions[symbol] = pos
	c.positionsMu.Unlock()

	if last := c.lastQuotePrice(symbol); !last.IsZero() {
		pos.MarketPrice = last
		pos.UnrealizedPnL = last.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(qty))
	} else {
		pos.MarketPrice = pos.AvgPrice
	}
	c.events.publish(PositionEvent{Position: pos})
}

func (c *Client) handleAccountSummary(fields []string) {
	// Format: msgID, version, reqID, account, tag, value, currency
	tag := fieldAt(fields, 4)
	value, err := decimal.NewFromString(fieldAt(fields, 5))
	if err != nil {
		return
	}

	c.accountMu.Lock()
	defer c.accountMu.Unlock()
	if c.account == nil {
		c.account = &types.AccountSummary{
			Account:  fieldAt(fields, 3),
			Currency: fieldAt(fields, 6),
		}
	}
	switch tag {
	case "NetLiquidation":
		c.account.NetLiquidation = value
	case "TotalCashValue":
		c.account.TotalCash = value
	case "BuyingPower":
		c.account.BuyingPower = value
	}
	c.account.Time = time.Now().UTC()
}

// barrier is a re-armable one-shot signal used to wait for a gateway end
// marker (positionEnd, accountSummaryEnd, session confirmation).
type barrier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBarrier() *barrier {
	return &barrier{ch: make(chan struct{})}
}

// arm resets the barrier and returns the channel the caller waits on.
func (b *barrier) arm() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ch = make(chan struct{})
	return b.ch
}

// release signals the current waiter, if any. Releasing an already
// released barrier is a no-op.
func (b *barrier) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.ch:
	default:
		close(b.ch)
	}
}

var _ Broker = (*Client)(nil)
