package jobs

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
	"equities-bot/internal/positions"
	"equities-bot/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunnerRig(t *testing.T, cfg config.PositionSyncConfig) (*Runner, *store.Store, uint) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "jobs.db")
	st, err := store.Open(config.StoreConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	acct, err := st.FirstOrCreateAccount(context.Background(), "DU12345", "USD")
	require.NoError(t, err)

	paper := broker.NewPaper(config.BrokerConfig{PaperCash: 10000, EventQueueSize: 16}, discardLogger())
	syncer := positions.NewSyncer(st, paper, cfg, acct.ID, discardLogger())

	r, err := NewRunner(st, syncer, cfg, discardLogger())
	require.NoError(t, err)
	return r, st, acct.ID
}

func TestSettleMaturedJob(t *testing.T) {
	t.Parallel()
	r, st, accountID := newRunnerRig(t, config.PositionSyncConfig{})
	ctx := context.Background()

	trade := &store.Trade{
		AccountID:  accountID,
		Symbol:     "AAPL",
		Side:       "buy",
		Quantity:   10,
		Price:      decimal.NewFromInt(100),
		ExecutedAt: time.Now().UTC().AddDate(0, 0, -5),
	}
	require.NoError(t, st.CreateTrade(ctx, trade))
	require.NoError(t, st.CreateSettlementRow(ctx, &store.SettlementRow{
		AccountID:      accountID,
		TradeID:        trade.ID,
		Amount:         decimal.NewFromInt(-1000),
		SettlementDate: time.Now().UTC().AddDate(0, 0, -1),
	}))

	r.settleMatured()

	rows, err := st.UnsettledRows(ctx, accountID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestBackgroundSyncToleratesDisconnectedBroker(t *testing.T) {
	t.Parallel()
	r, _, _ := newRunnerRig(t, config.PositionSyncConfig{SyncInterval: time.Minute})

	// The paper broker was never connected; the job logs and moves on.
	r.backgroundSync()
}

func TestRunnerStartStop(t *testing.T) {
	t.Parallel()
	r, _, _ := newRunnerRig(t, config.PositionSyncConfig{})
	r.Start()
	r.Stop()
}
