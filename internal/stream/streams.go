package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"equities-bot/internal/broker"
	"equities-bot/internal/config"
	"equities-bot/internal/store"
	"equities-bot/internal/strategy"
	"equities-bot/pkg/types"
)

// Streams runs the periodic publishers and exposes the push entry points
// the scheduler calls on fills and portfolio changes.
type Streams struct {
	hub       *Hub
	broker    broker.Broker
	store     *store.Store
	evaluator *strategy.Evaluator
	cfg       config.WebSocketConfig
	logger    *slog.Logger

	accountID uint

	notify chan struct{}

	mu          sync.Mutex
	lastPrices  map[string]float64
	fingerprint string
}

// NewStreams wires the publishers. RegisterSignalCallback hooks signal
// fan-out immediately; the polling loops start with Run.
func NewStreams(
	hub *Hub,
	b broker.Broker,
	st *store.Store,
	ev *strategy.Evaluator,
	cfg config.WebSocketConfig,
	accountID uint,
	logger *slog.Logger,
) *Streams {
	s := &Streams{
		hub:        hub,
		broker:     b,
		store:      st,
		evaluator:  ev,
		cfg:        cfg,
		accountID:  accountID,
		logger:     logger.With("component", "streams"),
		notify:     make(chan struct{}, 1),
		lastPrices: make(map[string]float64),
	}
	ev.RegisterSignalCallback(s.publishSignal)
	return s
}

// Run starts the price and portfolio loops and blocks until ctx ends.
func (s *Streams) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.priceLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.portfolioLoop(ctx)
	}()
	wg.Wait()
}

// PublishTrade broadcasts an executed fill.
func (s *Streams) PublishTrade(fill types.Fill) {
	s.hub.Broadcast(TopicTrades, newTradeMessage(fill))
}

// Notify schedules an out-of-band portfolio publish. Coalescing: repeated
// pokes before the loop wakes collapse into one.
func (s *Streams) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Streams) publishSignal(sig types.Signal) {
	s.hub.Broadcast(TopicSignals, newSignalMessage(sig))
}

func (s *Streams) priceLoop(ctx context.Context) {
	interval := s.cfg.PriceUpdateInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishPrices(ctx)
		}
	}
}

// publishPrices polls quotes for every watched symbol and batches the
// changed ones into a single frame.
func (s *Streams) publishPrices(ctx context.Context) {
	if !s.broker.IsConnected() {
		return
	}

	changed := make(map[string]priceEntry)
	for _, symbol := range s.watchedSymbols(ctx) {
		quote, err := s.broker.MarketData(ctx, symbol)
		if err != nil {
			s.logger.Debug("quote poll failed", "symbol", symbol, "error", err)
			continue
		}

		s.mu.Lock()
		prev, seen := s.lastPrices[symbol]
		s.lastPrices[symbol] = quote.Last
		s.mu.Unlock()
		if seen && prev == quote.Last {
			continue
		}

		change := quote.Last - quote.Close
		changePct := 0.0
		if quote.Close != 0 {
			changePct = change / quote.Close * 100
		}
		changed[symbol] = priceEntry{
			Price:     quote.Last,
			Change:    change,
			ChangePct: changePct,
			Volume:    quote.Volume,
			High:      quote.High,
			Low:       quote.Low,
			Open:      quote.Open,
			Close:     quote.Close,
		}
	}

	if len(changed) > 0 {
		s.hub.Broadcast(TopicPrices, newPriceUpdate(changed))
	}
}

// watchedSymbols is the union of strategy symbols and open position
// symbols, deduplicated.
func (s *Streams) watchedSymbols(ctx context.Context) []string {
	seen := make(map[string]struct{})
	for _, inst := range s.evaluator.Instances() {
		seen[inst.Symbol] = struct{}{}
	}
	if open, err := s.store.OpenPositions(ctx, s.accountID); err == nil {
		for i := range open {
			seen[open[i].Symbol] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

func (s *Streams) portfolioLoop(ctx context.Context) {
	interval := s.cfg.PortfolioUpdateInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishPortfolio(ctx)
		case <-s.notify:
			s.publishPortfolio(ctx)
		}
	}
}

// publishPortfolio emits the open-positions snapshot when it differs from
// the last published one.
func (s *Streams) publishPortfolio(ctx context.Context) {
	open, err := s.store.OpenPositions(ctx, s.accountID)
	if err != nil {
		s.logger.Warn("portfolio snapshot failed", "error", err)
		return
	}

	data := portfolioData{Positions: make(map[string]portfolioPosition, len(open))}
	var fp strings.Builder
	for i := range open {
		p := &open[i]
		data.Positions[p.Symbol] = portfolioPosition{
			Quantity:         p.Quantity,
			AveragePrice:     p.AveragePrice,
			CurrentPrice:     p.CurrentPrice,
			UnrealizedPnL:    p.UnrealizedPnL,
			UnrealizedPnLPct: p.UnrealizedPnLPct,
		}
		data.TotalPnL = data.TotalPnL.Add(p.UnrealizedPnL)
		fmt.Fprintf(&fp, "%s:%d:%s:%s;", p.Symbol, p.Quantity, p.CurrentPrice, p.UnrealizedPnL)
	}
	data.PositionCount = len(open)

	s.mu.Lock()
	unchanged := fp.String() == s.fingerprint
	s.fingerprint = fp.String()
	s.mu.Unlock()
	if unchanged {
		return
	}

	s.hub.Broadcast(TopicPortfolio, newPortfolioMessage(data))
}
