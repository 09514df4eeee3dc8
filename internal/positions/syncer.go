// Package positions reconciles the durable position rows against the
// broker's snapshot. The broker is the source of truth for quantity and
// average price; the store is the source of truth for lifecycle (opened_at,
// realized P&L, closed_at). One sync pass runs at a time; concurrent
// requests are reported busy rather than queued.
package positions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/internal/broker"
	"equities-bot/internal/config"
	"equities-bot/internal/store"
	"equities-bot/pkg/types"
)

// brokerFetchTimeout caps the broker snapshot call so a hung gateway
// cannot pin the sync mutex.
const brokerFetchTimeout = 30 * time.Second

// SyncResult summarizes one pass.
type SyncResult struct {
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Closed   int       `json:"closed"`
	Warnings []string  `json:"warnings,omitempty"`
	SyncedAt time.Time `json:"synced_at"`
}

// Stats is the cumulative sync counters snapshot.
type Stats struct {
	Total            int64      `json:"total"`
	Success          int64      `json:"success"`
	Failed           int64      `json:"failed"`
	Created          int64      `json:"created"`
	Updated          int64      `json:"updated"`
	Closed           int64      `json:"closed"`
	CallbackTriggers int64      `json:"callback_triggers"`
	BusySkips        int64      `json:"busy_skips"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// Syncer reconciles one account's positions. runMu serializes passes;
// TryLock keeps callers from stacking up behind a slow broker.
type Syncer struct {
	store  *store.Store
	broker broker.Broker
	cfg    config.PositionSyncConfig
	logger *slog.Logger

	accountID uint

	runMu sync.Mutex

	mu         sync.Mutex
	stats      Stats
	lastSync   time.Time
	followUp   *time.Timer
	onComplete []func(SyncResult)
}

// NewSyncer wires a syncer for one account.
func NewSyncer(st *store.Store, b broker.Broker, cfg config.PositionSyncConfig, accountID uint, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:     st,
		broker:    b,
		cfg:       cfg,
		accountID: accountID,
		logger:    logger.With("component", "position_sync"),
	}
}

// OnComplete registers a callback invoked after every successful pass.
// Register before the first sync; not safe to call concurrently with Run.
func (s *Syncer) OnComplete(fn func(SyncResult)) {
	s.onComplete = append(s.onComplete, fn)
}

// Sync runs one reconciliation pass. A pass already in flight returns a
// conflict error without touching the store. calcRealized controls whether
// closing rows back-fill realized P&L onto their matching sell trades.
func (s *Syncer) Sync(ctx context.Context, calcRealized bool) (*SyncResult, error) {
	if !s.runMu.TryLock() {
		s.mu.Lock()
		s.stats.BusySkips++
		s.mu.Unlock()
		return nil, types.Errorf(types.KindConflict, "positions.sync", "sync already running")
	}
	defer s.runMu.Unlock()

	res, err := s.syncLocked(ctx, calcRealized)

	s.mu.Lock()
	s.stats.Total++
	if err != nil {
		s.stats.Failed++
		s.stats.LastError = err.Error()
	} else {
		s.stats.Success++
		s.stats.Created += int64(res.Created)
		s.stats.Updated += int64(res.Updated)
		s.stats.Closed += int64(res.Closed)
		s.stats.LastError = ""
		now := res.SyncedAt
		s.stats.LastSyncAt = &now
		s.lastSync = now
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, fn := range s.onComplete {
		fn(*res)
	}
	return res, nil
}

func (s *Syncer) syncLocked(ctx context.Context, calcRealized bool) (*SyncResult, error) {
	if !s.broker.IsConnected() {
		return nil, types.Errorf(types.KindDisconnected, "positions.sync", "broker not connected")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, brokerFetchTimeout)
	defer cancel()
	brokerRows, err := s.broker.Positions(fetchCtx)
	if err != nil {
		if fetchCtx.Err() != nil {
			return nil, types.E(types.KindTimeout, "positions.sync", err)
		}
		return nil, fmt.Errorf("broker positions: %w", err)
	}

	now := time.Now().UTC()
	res := &SyncResult{SyncedAt: now}

	err = s.store.RunInTx(ctx, func(tx *store.Store) error {
		dbRows, err := tx.OpenPositions(ctx, s.accountID)
		if err != nil {
			return fmt.Errorf("load open positions: %w", err)
		}
		open := make(map[string]*store.Position, len(dbRows))
		for i := range dbRows {
			open[dbRows[i].Symbol] = &dbRows[i]
		}

		for _, bp := range brokerRows {
			dp, ok := open[bp.Symbol]
			if !ok {
				if bp.Quantity == 0 {
					continue
				}
				if err := s.createFromBroker(ctx, tx, bp, now); err != nil {
					return err
				}
				res.Created++
				continue
			}
			delete(open, bp.Symbol)

			// A zero-quantity broker row is a confirmed close, not a
			// missing one: reconcile closes at the broker's mark.
			changed, err := s.reconcile(ctx, tx, dp, bp, now, calcRealized)
			if err != nil {
				return err
			}
			if changed {
				if dp.IsClosed() {
					res.Closed++
				} else {
					res.Updated++
				}
			}
		}

		// Open DB rows the broker no longer reports.
		for _, dp := range open {
			msg := fmt.Sprintf("position %s open in store but missing from broker", dp.Symbol)
			res.Warnings = append(res.Warnings, msg)
			s.logger.Warn("position missing from broker snapshot",
				"symbol", dp.Symbol, "quantity", dp.Quantity)

			if !s.cfg.MarkMissingAsClosed {
				dp.LastSyncedAt = now
				if err := tx.SavePosition(ctx, dp); err != nil {
					return err
				}
				continue
			}
			if err := s.closePosition(ctx, tx, dp, dp.CurrentPrice, dp.Quantity, now, calcRealized); err != nil {
				return err
			}
			res.Closed++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("position sync complete",
		"created", res.Created, "updated", res.Updated, "closed", res.Closed,
		"warnings", len(res.Warnings))
	return res, nil
}

func (s *Syncer) createFromBroker(ctx context.Context, tx *store.Store, bp types.BrokerPosition, now time.Time) error {
	pos := &store.Position{
		AccountID:    s.accountID,
		Symbol:       bp.Symbol,
		Quantity:     bp.Quantity,
		AveragePrice: bp.AvgPrice,
		CurrentPrice: bp.MarketPrice,
		Status:       store.PositionOpen,
		OpenedAt:     now,
		LastSyncedAt: now,
	}
	markUnrealized(pos)
	s.logger.Info("position discovered at broker",
		"symbol", bp.Symbol, "quantity", bp.Quantity, "avg_price", bp.AvgPrice)
	return tx.CreatePosition(ctx, pos)
}

// reconcile folds one broker row into its store row. Returns whether the
// row changed beyond the sync timestamp.
func (s *Syncer) reconcile(ctx context.Context, tx *store.Store, dp *store.Position, bp types.BrokerPosition, now time.Time, calcRealized bool) (bool, error) {
	changed := false
	originalQty := dp.Quantity

	switch {
	case bp.Quantity > dp.Quantity:
		// Added to the position: fold the new lot into the weighted
		// average. The broker's avg covers the whole holding, so back
		// out the added lot from the difference.
		addedQty := bp.Quantity - dp.Quantity
		total := dp.AveragePrice.Mul(decimal.NewFromInt(dp.Quantity)).
			Add(bp.AvgPrice.Mul(decimal.NewFromInt(addedQty)))
		dp.AveragePrice = total.Div(decimal.NewFromInt(bp.Quantity))
		dp.Quantity = bp.Quantity
		changed = true

	case bp.Quantity < dp.Quantity:
		// Partial close. Average entry is unchanged; the sold portion
		// realizes P&L on the matching sell trade.
		soldQty := dp.Quantity - bp.Quantity
		if calcRealized {
			if err := s.realizeOnSellTrade(ctx, tx, dp, bp.MarketPrice, soldQty); err != nil {
				return false, err
			}
		}
		dp.Quantity = bp.Quantity
		changed = true
	}

	if !dp.CurrentPrice.Equal(bp.MarketPrice) {
		dp.CurrentPrice = bp.MarketPrice
		changed = true
	}
	markUnrealized(dp)
	dp.LastSyncedAt = now

	if dp.Quantity == 0 {
		if err := s.closePosition(ctx, tx, dp, bp.MarketPrice, originalQty, now, calcRealized); err != nil {
			return false, err
		}
		return true, nil
	}
	return changed, tx.SavePosition(ctx, dp)
}

// closePosition flips a row to closed at exitPrice. Realized P&L is the
// whole-position figure: (exit - avg) x the quantity held before the
// close. originalQty is that pre-close quantity; dp.Quantity may already
// be zero when reconcile reduced it first.
func (s *Syncer) closePosition(ctx context.Context, tx *store.Store, dp *store.Position, exitPrice decimal.Decimal, originalQty int64, now time.Time, calcRealized bool) error {
	if dp.Quantity > 0 && calcRealized {
		if err := s.realizeOnSellTrade(ctx, tx, dp, exitPrice, dp.Quantity); err != nil {
			return err
		}
	}

	pnl := exitPrice.Sub(dp.AveragePrice).Mul(decimal.NewFromInt(originalQty))

	dp.Quantity = 0
	dp.Status = store.PositionClosed
	dp.ClosedAt = &now
	dp.CurrentPrice = exitPrice
	dp.UnrealizedPnL = decimal.Zero
	dp.UnrealizedPnLPct = 0
	dp.LastSyncedAt = now
	if dp.RealizedPnL == nil {
		dp.RealizedPnL = &pnl
	}

	s.logger.Info("position closed",
		"symbol", dp.Symbol, "exit_price", exitPrice, "realized_pnl", dp.RealizedPnL)
	return tx.SavePosition(ctx, dp)
}

// realizeOnSellTrade back-fills realized P&L on the most recent sell trade
// for the symbol that has none yet.
func (s *Syncer) realizeOnSellTrade(ctx context.Context, tx *store.Store, dp *store.Position, exitPrice decimal.Decimal, qty int64) error {
	trade, err := tx.LatestTradeFor(ctx, s.accountID, dp.Symbol)
	if err != nil {
		return err
	}
	if trade == nil || trade.Side != string(types.SideSell) || trade.RealizedPnL != nil {
		return nil
	}
	pnl := exitPrice.Sub(dp.AveragePrice).Mul(decimal.NewFromInt(qty))
	return tx.SetTradeRealizedPnL(ctx, trade.ID, pnl)
}

func markUnrealized(pos *store.Position) {
	if pos.Quantity == 0 || pos.AveragePrice.IsZero() {
		pos.UnrealizedPnL = decimal.Zero
		pos.UnrealizedPnLPct = 0
		return
	}
	pos.UnrealizedPnL = pos.CurrentPrice.Sub(pos.AveragePrice).
		Mul(decimal.NewFromInt(pos.Quantity))
	pct, _ := pos.CurrentPrice.Sub(pos.AveragePrice).
		Div(pos.AveragePrice).Mul(decimal.NewFromInt(100)).Float64()
	pos.UnrealizedPnLPct = pct
}

// RequestSync is the async entry point for broker callbacks. Passes within
// the debounce window of the last sync are coalesced into one follow-up.
func (s *Syncer) RequestSync(reason string) {
	debounce := s.cfg.DebounceInterval
	if debounce <= 0 {
		debounce = 5 * time.Second
	}

	s.mu.Lock()
	s.stats.CallbackTriggers++
	since := time.Since(s.lastSync)
	if since < debounce {
		if s.followUp == nil {
			s.followUp = time.AfterFunc(debounce-since, func() {
				s.mu.Lock()
				s.followUp = nil
				s.mu.Unlock()
				s.runRequested(reason)
			})
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	go s.runRequested(reason)
}

func (s *Syncer) runRequested(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerFetchTimeout+5*time.Second)
	defer cancel()

	if _, err := s.Sync(ctx, s.cfg.SyncOnTrade); err != nil {
		if types.KindOf(err) == types.KindConflict {
			return
		}
		s.logger.Warn("requested sync failed", "reason", reason, "error", err)
	}
}

// Stats returns a copy of the counters.
func (s *Syncer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
