package positions

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"equities-bot/internal/broker"
	"equities-bot/internal/config"
	"equities-bot/internal/store"
	"equities-bot/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncRig struct {
	syncer  *Syncer
	store   *store.Store
	paper   *broker.Paper
	account *store.Account
}

func newSyncRig(t *testing.T, cfg config.PositionSyncConfig) *syncRig {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "positions.db")
	st, err := store.Open(config.StoreConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	acct, err := st.FirstOrCreateAccount(context.Background(), "DU12345", "USD")
	require.NoError(t, err)

	paper := broker.NewPaper(config.BrokerConfig{PaperCash: 100000, EventQueueSize: 16}, discardLogger())
	require.NoError(t, paper.Connect(context.Background()))

	return &syncRig{
		syncer:  NewSyncer(st, paper, cfg, acct.ID, discardLogger()),
		store:   st,
		paper:   paper,
		account: acct,
	}
}

func defaultSyncCfg() config.PositionSyncConfig {
	return config.PositionSyncConfig{
		SyncInterval:        5 * time.Minute,
		SyncOnTrade:         true,
		DebounceInterval:    5 * time.Second,
		MarkMissingAsClosed: true,
	}
}

func openRow(t *testing.T, rig *syncRig, symbol string, qty int64, avg, current float64) *store.Position {
	t.Helper()
	pos := &store.Position{
		AccountID:    rig.account.ID,
		Symbol:       symbol,
		Quantity:     qty,
		AveragePrice: decimal.NewFromFloat(avg),
		CurrentPrice: decimal.NewFromFloat(current),
		Status:       store.PositionOpen,
		OpenedAt:     time.Now().UTC().Add(-time.Hour),
		LastSyncedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, rig.store.CreatePosition(context.Background(), pos))
	return pos
}

func TestSyncRequiresConnectedBroker(t *testing.T) {
	t.Parallel()
	rig := newSyncRig(t, defaultSyncCfg())
	require.NoError(t, rig.paper.Disconnect())

	_, err := rig.syncer.Sync(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, types.KindDisconnected, types.KindOf(err))
	require.Equal(t, int64(1), rig.syncer.Stats().Failed)
}

func TestSyncCreatesDiscoveredPosition(t *testing.T) {
	t.Parallel()
	rig := newSyncRig(t, defaultSyncCfg())
	rig.paper.SetQuote("AAPL", 155, 1000)
	rig.paper.SetPosition("AAPL", 10, decimal.NewFromInt(150))

	res, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	pos, err := rig.store.OpenPosition(context.Background(), rig.account.ID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.Equal(t, int64(10), pos.Quantity)
	require.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(150)))
	require.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(50)), "pnl = %s", pos.UnrealizedPnL)
}

func TestSyncWeightedAverageOnIncrease(t *testing.T) {
	t.Parallel()
	rig := newSyncRig(t, defaultSyncCfg())
	openRow(t, rig, "AAPL", 10, 100, 100)

	// Broker reports 20 shares; the added 10 went on at the broker's
	// average of 105.
	rig.paper.SetQuote("AAPL", 105, 1000)
	rig.paper.SetPosition("AAPL", 20, decimal.NewFromInt(105))

	res, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)

	pos, err := rig.store.OpenPosition(context.Background(), rig.account.ID, "AAPL")
	require.NoError(t, err)
	require.Equal(t, int64(20), pos.Quantity)
	// (100*10 + 105*10) / 20 = 102.5
	require.True(t, pos.AveragePrice.Equal(decimal.NewFromFloat(102.5)), "avg = %s", pos.AveragePrice)
}

func TestSyncPartialClose(t *testing.T) {
	t.Parallel()
	rig := newSyncRig(t, defaultSyncCfg())
	openRow(t, rig, "AAPL", 10, 100, 100)

	// The reducing sell trade awaits its realized P&L.
	sell := &store.Trade{
		AccountID:  rig.account.ID,
		Symbol:     "AAPL",
		Side:       string(types.SideSell),
		Quantity:   4,
		Price:      decimal.NewFromInt(110),
		ExecutedAt: time.Now().UTC(),
	}
	require.NoError(t, rig.store.CreateTrade(context.Background(), sell))

	rig.paper.SetQuote("AAPL", 110, 1000)
	rig.paper.SetPosition("AAPL", 6, decimal.NewFromInt(100))

	res, err := rig.syncer.Sync(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)
	require.Zero(t, res.Closed)

	pos, err := rig.store.OpenPosition(context.Background(), rig.account.ID, "AAPL")
	require.NoError(t, err)
	require.Equal(t, int64(6), pos.Quantity)
	require.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(100)))

	trade, err := rig.store.LatestTradeFor(context.Background(), rig.account.ID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, trade.RealizedPnL)
	// (110 - 100) * 4 sold shares.
	require.True(t, trade.RealizedPnL.Equal(decimal.NewFromInt(40)), "pnl = %s", trade.RealizedPnL)
}

func TestSyncClosesAtZeroQuantity(t *testing.T) {
	t.Parallel()
	cfg := defaultSyncCfg()
	cfg.MarkMissingAsClosed = false
	rig := newSyncRig(t, cfg)
	row := openRow(t, rig, "AAPL", 10, 150, 150)

	// The broker reporting quantity 0 is a confirmed close, not a
	// missing row: it closes regardless of the missing-row policy, at
	// the broker's mark rather than the stored price.
	rig.paper.SetQuote("AAPL", 155, 1000)
	rig.paper.SetPosition("AAPL", 0, decimal.Zero)

	res, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Closed)
	require.Empty(t, res.Warnings)

	pos, err := rig.store.PositionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.True(t, pos.IsClosed())
	require.Zero(t, pos.Quantity)
	require.NotNil(t, pos.ClosedAt)
	require.NotNil(t, pos.RealizedPnL)
	// (155 - 150) * 10 at the broker's reported market price.
	require.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(50)), "pnl = %s", pos.RealizedPnL)

	open, err := rig.store.OpenPositions(context.Background(), rig.account.ID)
	require.NoError(t, err)
	require.Empty(t, open)

	// A later pass has nothing left to reconcile for the symbol.
	second, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Zero(t, second.Created)
	require.Zero(t, second.Updated)
	require.Zero(t, second.Closed)
}

func TestSyncMissingPositionWarnsWithoutAutoClose(t *testing.T) {
	t.Parallel()
	cfg := defaultSyncCfg()
	cfg.MarkMissingAsClosed = false
	rig := newSyncRig(t, cfg)
	openRow(t, rig, "AAPL", 10, 100, 100)

	res, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	require.Zero(t, res.Closed)

	pos, err := rig.store.OpenPosition(context.Background(), rig.account.ID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos, "position must stay open")
}

func TestSyncMissingPositionAutoCloses(t *testing.T) {
	t.Parallel()
	rig := newSyncRig(t, defaultSyncCfg())
	row := openRow(t, rig, "AAPL", 10, 100, 112)

	res, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Closed)
	require.Len(t, res.Warnings, 1)

	pos, err := rig.store.PositionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.True(t, pos.IsClosed())
	require.NotNil(t, pos.RealizedPnL)
	// Closed at the last known price: (112 - 100) * 10.
	require.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(120)), "pnl = %s", pos.RealizedPnL)
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()
	rig := newSyncRig(t, defaultSyncCfg())
	rig.paper.SetQuote("AAPL", 150, 1000)
	rig.paper.SetPosition("AAPL", 10, decimal.NewFromInt(150))

	first, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)

	second, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Zero(t, second.Created)
	require.Zero(t, second.Updated)
	require.Zero(t, second.Closed)

	n, err := rig.store.CountOpenPositions(context.Background(), rig.account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSyncStatsAccumulate(t *testing.T) {
	t.Parallel()
	rig := newSyncRig(t, defaultSyncCfg())
	rig.paper.SetQuote("AAPL", 150, 1000)
	rig.paper.SetPosition("AAPL", 10, decimal.NewFromInt(150))

	_, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)

	stats := rig.syncer.Stats()
	require.Equal(t, int64(1), stats.Total)
	require.Equal(t, int64(1), stats.Success)
	require.Equal(t, int64(1), stats.Created)
	require.NotNil(t, stats.LastSyncAt)
	require.Empty(t, stats.LastError)
}

func TestSyncOnCompleteCallback(t *testing.T) {
	t.Parallel()
	rig := newSyncRig(t, defaultSyncCfg())
	rig.paper.SetQuote("AAPL", 150, 1000)
	rig.paper.SetPosition("AAPL", 10, decimal.NewFromInt(150))

	var got []SyncResult
	rig.syncer.OnComplete(func(res SyncResult) { got = append(got, res) })

	_, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Created)
}

func TestRequestSyncDebounces(t *testing.T) {
	t.Parallel()
	cfg := defaultSyncCfg()
	cfg.DebounceInterval = time.Hour // follow-up never fires inside the test
	rig := newSyncRig(t, cfg)

	// Prime lastSync so requests land inside the window.
	_, err := rig.syncer.Sync(context.Background(), false)
	require.NoError(t, err)

	rig.syncer.RequestSync("fill")
	rig.syncer.RequestSync("fill")
	rig.syncer.RequestSync("position_update")

	stats := rig.syncer.Stats()
	require.Equal(t, int64(3), stats.CallbackTriggers)
	// Debounced: still only the priming sync has run.
	require.Equal(t, int64(1), stats.Total)
}
