// Package risk is the pre-trade compliance gate and post-trade recorder.
//
// Validate runs five gates in order against one proposed order: account
// refresh (balance cache with TTL), PDT, settlement/GFV, trade frequency,
// and position sizing. The first blocking gate wins; warning-mode gates
// accumulate messages instead. RecordFill writes the durable aftermath of
// an execution (trade, settlement row, day-trade detection, realized P&L)
// in one transaction.
//
// The cash-account gates (PDT, settlement, frequency) only apply while the
// account balance sits below the configured threshold. Balance exactly at
// the threshold is a margin account.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"equities-bot/internal/broker"
	"equities-bot/internal/config"
	"equities-bot/internal/store"
	"equities-bot/pkg/types"
)

// Compliance results. OK is true for everything except blocked.
const (
	ResultAllowed = "allowed"
	ResultWarning = "warning"
	ResultBlocked = "blocked"
)

// Block reasons, surfaced in ValidationResult.BlockReason.
const (
	BlockPDT              = "pdt"
	BlockSettlement       = "settlement"
	BlockGFV              = "gfv"
	BlockTradeFrequency   = "trade_frequency"
	BlockInsufficientSize = "insufficient_size"
)

// pdtWindowDays is the PDT counting window in trading (week)days.
const pdtWindowDays = 5

// pdtMaxDayTrades is the day-trade count at which the next one is flagged.
const pdtMaxDayTrades = 3

// ValidationRequest describes one proposed order.
type ValidationRequest struct {
	AccountID uint
	Symbol    string
	Side      types.Side
	Quantity  int64
	Price     decimal.Decimal

	// Confidence, when set, requests position sizing from gate 5.
	Confidence *float64

	// WillCreateDayTrade is set by the caller when filling this order
	// would open and close the symbol on the same UTC date.
	WillCreateDayTrade bool
}

// PositionSize is the sizing output of gate 5.
type PositionSize struct {
	Pct     float64
	SizeUSD decimal.Decimal
	Shares  int64
}

// ValidationResult is the outcome of a Validate call.
type ValidationResult struct {
	OK          bool
	Result      string // allowed | warning | blocked
	Messages    []string
	BlockReason string
	Size        *PositionSize
}

type balanceEntry struct {
	balance     decimal.Decimal
	cash        decimal.Decimal
	cashAccount bool
	refreshedAt time.Time
}

// Engine runs the gates. One Engine serves all accounts; the balance cache
// is per account with a TTL, refreshed through singleflight so concurrent
// validations trigger at most one broker round-trip.
type Engine struct {
	store  *store.Store
	broker broker.Broker
	cfg    config.RiskConfig
	logger *slog.Logger

	mu       sync.Mutex
	balances map[uint]balanceEntry
	group    singleflight.Group
}

// NewEngine wires the risk engine.
func NewEngine(st *store.Store, b broker.Broker, cfg config.RiskConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		broker:   b,
		cfg:      cfg,
		logger:   logger.With("component", "risk"),
		balances: make(map[uint]balanceEntry),
	}
}

// Validate runs the gates in order. Gate errors other than a block are
// returned as errors; a blocked result is not an error.
func (e *Engine) Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error) {
	if req.Quantity < 0 || (req.Quantity > 0 && req.Price.Sign() <= 0) {
		return nil, types.Errorf(types.KindInvalidRequest, "risk.validate",
			"quantity %d price %s", req.Quantity, req.Price)
	}

	res := &ValidationResult{OK: true, Result: ResultAllowed}

	// Gate 1: account refresh and cash-mode classification.
	bal, err := e.refreshBalance(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("refresh balance: %w", err)
	}

	// Gate 2: pattern day trading.
	if bal.cashAccount && req.WillCreateDayTrade {
		count, err := e.dayTradeCount(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("day trade count: %w", err)
		}
		if count >= pdtMaxDayTrades {
			msg := fmt.Sprintf("pdt: %d day trades in the last %d trading days", count, pdtWindowDays)
			if e.cfg.PDTEnforcementMode == config.EnforcementStrict {
				return blocked(res, BlockPDT, msg), nil
			}
			warn(res, msg)
		}
	}

	// Gate 3: settlement and good-faith violations.
	available, err := e.availableSettledCash(ctx, req.AccountID, bal.cash)
	if err != nil {
		return nil, fmt.Errorf("available settled cash: %w", err)
	}
	switch req.Side {
	case types.SideBuy:
		cost := req.Price.Mul(decimal.NewFromInt(req.Quantity))
		if bal.cashAccount && req.Quantity > 0 && cost.GreaterThan(available) {
			msg := fmt.Sprintf("settlement: cost %s exceeds available settled cash %s", cost, available)
			if e.cfg.GFVEnforcementMode == config.EnforcementStrict {
				return blocked(res, BlockSettlement, msg), nil
			}
			warn(res, msg)
		}
	case types.SideSell:
		funded, err := e.store.HasUnsettledBuy(ctx, req.AccountID, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("unsettled buy lookup: %w", err)
		}
		if bal.cashAccount && funded {
			msg := fmt.Sprintf("gfv: %s was bought with unsettled funds", req.Symbol)
			if e.cfg.GFVEnforcementMode == config.EnforcementStrict {
				return blocked(res, BlockGFV, msg), nil
			}
			warn(res, msg)
		}
	}

	// Gate 4: trade frequency (cash accounts only).
	if bal.cashAccount {
		if msg, over, err := e.overFrequencyLimit(ctx, req.AccountID); err != nil {
			return nil, fmt.Errorf("trade frequency: %w", err)
		} else if over {
			return blocked(res, BlockTradeFrequency, msg), nil
		}
	}

	// Gate 5: position sizing, only when confidence is provided.
	if req.Confidence != nil {
		size, blockMsg := e.sizePosition(*req.Confidence, req.Price, bal, available)
		if blockMsg != "" {
			return blocked(res, BlockInsufficientSize, blockMsg), nil
		}
		res.Size = size
	}

	return res, nil
}

func blocked(res *ValidationResult, reason, msg string) *ValidationResult {
	res.OK = false
	res.Result = ResultBlocked
	res.BlockReason = reason
	res.Messages = append(res.Messages, msg)
	return res
}

func warn(res *ValidationResult, msg string) {
	res.Result = ResultWarning
	res.Messages = append(res.Messages, msg)
}

// sizePosition maps confidence to a balance fraction, caps it, clamps to
// settled cash in cash-account mode, and converts to whole shares.
// Boundaries are inclusive upward: 0.4 is medium, 0.7 is high.
func (e *Engine) sizePosition(confidence float64, price decimal.Decimal, bal balanceEntry, available decimal.Decimal) (*PositionSize, string) {
	var pct float64
	switch {
	case confidence < 0.4:
		pct = e.cfg.PositionSizeLowConfidence
	case confidence < 0.7:
		pct = e.cfg.PositionSizeMediumConfidence
	default:
		pct = e.cfg.PositionSizeHighConfidence
	}
	if pct > e.cfg.MaxPositionSizePct {
		pct = e.cfg.MaxPositionSizePct
	}

	sizeUSD := bal.balance.Mul(decimal.NewFromFloat(pct))
	if bal.cashAccount && sizeUSD.GreaterThan(available) {
		sizeUSD = available
	}
	if price.Sign() <= 0 {
		return nil, "insufficient size: no usable price"
	}

	shares := sizeUSD.Div(price).IntPart() // floor for positive values
	if shares <= 0 {
		return nil, fmt.Sprintf("insufficient size: %s buys 0 shares at %s", sizeUSD.StringFixed(2), price)
	}
	return &PositionSize{Pct: pct, SizeUSD: sizeUSD, Shares: shares}, ""
}

// refreshBalance returns the cached balance snapshot, refreshing it from
// the broker when older than the TTL. Concurrent refreshes for the same
// account collapse into one AccountSummary call.
func (e *Engine) refreshBalance(ctx context.Context, accountID uint) (balanceEntry, error) {
	ttl := e.cfg.BalanceCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	e.mu.Lock()
	entry, ok := e.balances[accountID]
	e.mu.Unlock()
	if ok && time.Since(entry.refreshedAt) < ttl {
		return entry, nil
	}

	v, err, _ := e.group.Do(fmt.Sprintf("balance/%d", accountID), func() (any, error) {
		// Double-check under the flight: a concurrent caller may have
		// refreshed while this one queued.
		e.mu.Lock()
		entry, ok := e.balances[accountID]
		e.mu.Unlock()
		if ok && time.Since(entry.refreshedAt) < ttl {
			return entry, nil
		}

		summary, err := e.broker.AccountSummary(ctx)
		if err != nil {
			return balanceEntry{}, err
		}

		threshold := decimal.NewFromFloat(e.cfg.CashAccountThreshold)
		fresh := balanceEntry{
			balance:     summary.NetLiquidation,
			cash:        summary.TotalCash,
			cashAccount: summary.NetLiquidation.LessThan(threshold),
			refreshedAt: time.Now(),
		}

		mode := store.ModeMargin
		if fresh.cashAccount {
			mode = store.ModeCash
		}
		if err := e.store.UpdateAccountBalance(ctx, accountID, fresh.balance, fresh.cash, mode); err != nil {
			return balanceEntry{}, fmt.Errorf("persist balance: %w", err)
		}

		e.mu.Lock()
		e.balances[accountID] = fresh
		e.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return balanceEntry{}, err
	}
	return v.(balanceEntry), nil
}

// InvalidateBalance drops the cached balance so the next Validate
// refreshes. Called after fills move cash.
func (e *Engine) InvalidateBalance(accountID uint) {
	e.mu.Lock()
	delete(e.balances, accountID)
	e.mu.Unlock()
}

// CashAccount reports whether the account is currently classified as a
// cash account, refreshing the balance if needed.
func (e *Engine) CashAccount(ctx context.Context, accountID uint) (bool, error) {
	bal, err := e.refreshBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return bal.cashAccount, nil
}

// dayTradeCount counts day-trades within the last pdtWindowDays trading
// days (weekend-skipped, UTC dates).
func (e *Engine) dayTradeCount(ctx context.Context, accountID uint) (int64, error) {
	since := time.Now().UTC().Truncate(24 * time.Hour)
	for back := 0; back < pdtWindowDays-1; {
		since = since.AddDate(0, 0, -1)
		if wd := since.Weekday(); wd != time.Saturday && wd != time.Sunday {
			back++
		}
	}
	return e.store.DayTradeCountSince(ctx, accountID, since)
}

// overFrequencyLimit checks the daily and weekly trade caps.
func (e *Engine) overFrequencyLimit(ctx context.Context, accountID uint) (string, bool, error) {
	now := time.Now().UTC()
	dayStart := now.Truncate(24 * time.Hour)

	daily, err := e.store.TradeCountSince(ctx, accountID, dayStart)
	if err != nil {
		return "", false, err
	}
	if e.cfg.DailyTradeLimit > 0 && daily >= int64(e.cfg.DailyTradeLimit) {
		return fmt.Sprintf("trade frequency: %d trades today, limit %d", daily, e.cfg.DailyTradeLimit), true, nil
	}

	// Week starts Monday UTC.
	weekStart := dayStart.AddDate(0, 0, -int((now.Weekday()+6)%7))
	weekly, err := e.store.TradeCountSince(ctx, accountID, weekStart)
	if err != nil {
		return "", false, err
	}
	if e.cfg.WeeklyTradeLimit > 0 && weekly >= int64(e.cfg.WeeklyTradeLimit) {
		return fmt.Sprintf("trade frequency: %d trades this week, limit %d", weekly, e.cfg.WeeklyTradeLimit), true, nil
	}
	return "", false, nil
}

// RecordFill persists the aftermath of an execution in one transaction:
// the trade row, its settlement row, a day-trade pairing when the fill
// closes a same-day open, and realized P&L on closing sells. Returns the
// created trade.
func (e *Engine) RecordFill(ctx context.Context, accountID uint, fill types.Fill, strategyID *uint) (*store.Trade, error) {
	var trade *store.Trade

	err := e.store.RunInTx(ctx, func(tx *store.Store) error {
		t := &store.Trade{
			AccountID:     accountID,
			Symbol:        fill.Symbol,
			Side:          string(fill.Side),
			Quantity:      fill.Quantity,
			Price:         fill.Price,
			ExecutedAt:    fill.ExecutedAt.UTC(),
			BrokerOrderID: fill.BrokerOrderID,
			StrategyID:    strategyID,
		}

		// Realized P&L for the portion this sell closes, against the
		// open position's weighted average.
		if fill.Side == types.SideSell {
			pos, err := tx.OpenPosition(ctx, accountID, fill.Symbol)
			if err != nil {
				return err
			}
			if pos != nil && pos.Quantity > 0 {
				closed := fill.Quantity
				if closed > pos.Quantity {
					closed = pos.Quantity
				}
				pnl := fill.Price.Sub(pos.AveragePrice).Mul(decimal.NewFromInt(closed))
				t.RealizedPnL = &pnl
			}
		}

		if err := tx.CreateTrade(ctx, t); err != nil {
			return fmt.Errorf("create trade: %w", err)
		}

		amount := fill.Price.Mul(decimal.NewFromInt(fill.Quantity))
		if fill.Side == types.SideBuy {
			amount = amount.Neg()
		}
		row := &store.SettlementRow{
			AccountID:      accountID,
			TradeID:        t.ID,
			Amount:         amount,
			SettlementDate: e.settlementDate(fill.ExecutedAt),
		}
		if err := tx.CreateSettlementRow(ctx, row); err != nil {
			return fmt.Errorf("create settlement row: %w", err)
		}

		// Day-trade detection: a sell that closes a buy made the same
		// UTC date pairs the two trades.
		if fill.Side == types.SideSell {
			open, err := tx.UnlinkedBuyTradeOn(ctx, accountID, fill.Symbol, fill.ExecutedAt)
			if err != nil {
				return err
			}
			if open != nil {
				dt := &store.DayTrade{
					AccountID:     accountID,
					Symbol:        fill.Symbol,
					OpenedTradeID: open.ID,
					ClosedTradeID: t.ID,
					ExecutedDate:  fill.ExecutedAt.UTC().Truncate(24 * time.Hour),
				}
				if err := tx.CreateDayTrade(ctx, dt); err != nil {
					return fmt.Errorf("create day trade: %w", err)
				}
			}
		}

		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.InvalidateBalance(accountID)
	return trade, nil
}
