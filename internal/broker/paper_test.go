package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
	"equities-bot/pkg/types"
)

func newTestPaper(t *testing.T, cash float64) *Paper {
	t.Helper()
	p := NewPaper(config.BrokerConfig{PaperCash: cash, EventQueueSize: 64}, discardLogger())
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return p
}

func nextEvent(t *testing.T, p *Paper) Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return nil
	}
}

func TestPaperBuyEmitsFillThenPosition(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, 20000)
	ctx := context.Background()

	p.SetQuote("AAPL", 150, 1000)

	ack, err := p.PlaceOrder(ctx, types.OrderRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: 5,
		Type:     types.OrderMarket,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.BrokerOrderID == 0 {
		t.Error("broker order id not assigned")
	}

	fill, ok := nextEvent(t, p).(FillEvent)
	if !ok {
		t.Fatal("first event is not FillEvent")
	}
	if fill.Fill.Quantity != 5 || !fill.Fill.Price.Equal(decimal.NewFromInt(150)) {
		t.Errorf("fill = qty %d price %s, want qty 5 price 150", fill.Fill.Quantity, fill.Fill.Price)
	}

	posEv, ok := nextEvent(t, p).(PositionEvent)
	if !ok {
		t.Fatal("second event is not PositionEvent")
	}
	if posEv.Position.Quantity != 5 || !posEv.Position.AvgPrice.Equal(decimal.NewFromInt(150)) {
		t.Errorf("position = qty %d avg %s, want qty 5 avg 150", posEv.Position.Quantity, posEv.Position.AvgPrice)
	}

	summary, err := p.AccountSummary(ctx)
	if err != nil {
		t.Fatalf("AccountSummary: %v", err)
	}
	if !summary.TotalCash.Equal(decimal.NewFromInt(19250)) {
		t.Errorf("cash = %s, want 19250", summary.TotalCash)
	}
	// 19250 cash + 5 shares at 150.
	if !summary.NetLiquidation.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("net liquidation = %s, want 20000", summary.NetLiquidation)
	}
}

func TestPaperWeightedAverageOnAdd(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, 50000)
	ctx := context.Background()

	p.SetQuote("MSFT", 150, 0)
	if _, err := p.PlaceOrder(ctx, types.OrderRequest{Symbol: "MSFT", Side: types.SideBuy, Quantity: 10, Type: types.OrderMarket}); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	p.SetQuote("MSFT", 160, 0)
	if _, err := p.PlaceOrder(ctx, types.OrderRequest{Symbol: "MSFT", Side: types.SideBuy, Quantity: 10, Type: types.OrderMarket}); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	positions, err := p.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("len(positions) = %d, want 1", len(positions))
	}
	if positions[0].Quantity != 20 {
		t.Errorf("quantity = %d, want 20", positions[0].Quantity)
	}
	if !positions[0].AvgPrice.Equal(decimal.NewFromInt(155)) {
		t.Errorf("avg price = %s, want 155", positions[0].AvgPrice)
	}
}

func TestPaperSellToZeroDeliversRowOnce(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, 20000)
	ctx := context.Background()

	p.SetQuote("AAPL", 150, 0)
	if _, err := p.PlaceOrder(ctx, types.OrderRequest{Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Type: types.OrderMarket}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	p.SetQuote("AAPL", 155, 0)
	if _, err := p.PlaceOrder(ctx, types.OrderRequest{Symbol: "AAPL", Side: types.SideSell, Quantity: 10, Type: types.OrderMarket}); err != nil {
		t.Fatalf("sell: %v", err)
	}

	positions, err := p.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("len(positions) = %d, want 1 (zero row kept for sync)", len(positions))
	}
	if positions[0].Quantity != 0 {
		t.Errorf("quantity = %d, want 0", positions[0].Quantity)
	}
	if !positions[0].MarketPrice.Equal(decimal.NewFromInt(155)) {
		t.Errorf("market price = %s, want 155", positions[0].MarketPrice)
	}

	summary, err := p.AccountSummary(ctx)
	if err != nil {
		t.Fatalf("AccountSummary: %v", err)
	}
	// 20000 - 1500 + 1550
	if !summary.TotalCash.Equal(decimal.NewFromInt(20050)) {
		t.Errorf("cash = %s, want 20050", summary.TotalCash)
	}

	// The zero row is pruned after one snapshot observes the close.
	positions, err = p.Positions(ctx)
	if err != nil {
		t.Fatalf("second Positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("len(positions) = %d, want 0 after the close was observed", len(positions))
	}
}

func TestPaperLimitOrderFillsAtLimit(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, 20000)

	ack, err := p.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:     "NVDA",
		Side:       types.SideBuy,
		Quantity:   2,
		Type:       types.OrderLimit,
		LimitPrice: decimal.NewFromInt(120),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack == nil {
		t.Fatal("nil ack")
	}

	fill := nextEvent(t, p).(FillEvent)
	if !fill.Fill.Price.Equal(decimal.NewFromInt(120)) {
		t.Errorf("fill price = %s, want limit 120", fill.Fill.Price)
	}
}

func TestPaperMarketDataUnavailable(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, 20000)

	_, err := p.MarketData(context.Background(), "TSLA")
	if !types.IsKind(err, types.KindUnavailable) {
		t.Errorf("kind = %v, want %v", types.KindOf(err), types.KindUnavailable)
	}

	_, err = p.PlaceOrder(context.Background(), types.OrderRequest{Symbol: "TSLA", Side: types.SideBuy, Quantity: 1, Type: types.OrderMarket})
	if !types.IsKind(err, types.KindUnavailable) {
		t.Errorf("market order without quote kind = %v, want %v", types.KindOf(err), types.KindUnavailable)
	}
}

func TestPaperDisconnected(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, 20000)
	p.SetQuote("AAPL", 150, 0)
	if err := p.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	_, err := p.PlaceOrder(context.Background(), types.OrderRequest{Symbol: "AAPL", Side: types.SideBuy, Quantity: 1, Type: types.OrderMarket})
	if !types.IsKind(err, types.KindDisconnected) {
		t.Errorf("kind = %v, want %v", types.KindOf(err), types.KindDisconnected)
	}
	if _, err := p.Positions(context.Background()); !types.IsKind(err, types.KindDisconnected) {
		t.Errorf("Positions kind = %v, want %v", types.KindOf(err), types.KindDisconnected)
	}
}
