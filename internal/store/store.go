// Package store persists the durable trading state: accounts, positions,
// trades, day-trades, and settlement rows. It is a thin typed layer over
// gorm; sqlite for single-node deployments, postgres when the DSN says so.
//
// The store owns all durable entities. Positions are canonical between
// syncs; the broker is the source of truth during a sync pass. Multi-write
// operations go through RunInTx so a failed pass rolls back whole.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"equities-bot/internal/config"
)

// Store wraps the database handle. All methods are safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open connects to the database selected by the DSN and migrates the schema.
// postgres:// DSNs use the postgres driver; anything else is a sqlite path.
func Open(cfg config.StoreConfig) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	} else {
		if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" && cfg.DSN != ":memory:" {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create store dir: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Account{},
		&Position{},
		&Trade{},
		&DayTrade{},
		&SettlementRow{},
		&StrategyInstance{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RunInTx executes fn inside a transaction. Any error rolls the whole
// transaction back. The *Store passed to fn is only valid inside fn.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Accounts

// FirstOrCreateAccount returns the account for a broker account code,
// creating it on first sight.
func (s *Store) FirstOrCreateAccount(ctx context.Context, brokerAccount, currency string) (*Account, error) {
	acct := Account{BrokerAccount: brokerAccount}
	err := s.db.WithContext(ctx).
		Where(Account{BrokerAccount: brokerAccount}).
		Attrs(Account{Currency: currency, Mode: ModeMargin}).
		FirstOrCreate(&acct).Error
	if err != nil {
		return nil, fmt.Errorf("first or create account: %w", err)
	}
	return &acct, nil
}

// AccountByID loads one account.
func (s *Store) AccountByID(ctx context.Context, id uint) (*Account, error) {
	var acct Account
	if err := s.db.WithContext(ctx).First(&acct, id).Error; err != nil {
		return nil, fmt.Errorf("account %d: %w", id, err)
	}
	return &acct, nil
}

// UpdateAccountBalance writes a balance refresh: balance, cash, and the
// recomputed mode.
func (s *Store) UpdateAccountBalance(ctx context.Context, id uint, balance, cash decimal.Decimal, mode string) error {
	return s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(map[string]any{
		"balance":            balance,
		"cash":               cash,
		"mode":               mode,
		"balance_updated_at": time.Now().UTC(),
	}).Error
}

// Positions

// OpenPositions lists all open positions for an account.
func (s *Store) OpenPositions(ctx context.Context, accountID uint) ([]Position, error) {
	var positions []Position
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, PositionOpen).
		Order("symbol").
		Find(&positions).Error
	return positions, err
}

// OpenPosition returns the open position for (account, symbol), or nil when
// there is none.
func (s *Store) OpenPosition(ctx context.Context, accountID uint, symbol string) (*Position, error) {
	var pos Position
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ? AND status = ?", accountID, symbol, PositionOpen).
		First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// PositionByID loads one position.
func (s *Store) PositionByID(ctx context.Context, id uint) (*Position, error) {
	var pos Position
	if err := s.db.WithContext(ctx).First(&pos, id).Error; err != nil {
		return nil, fmt.Errorf("position %d: %w", id, err)
	}
	return &pos, nil
}

// CreatePosition inserts a new position row.
func (s *Store) CreatePosition(ctx context.Context, pos *Position) error {
	return s.db.WithContext(ctx).Create(pos).Error
}

// SavePosition writes back every field of an existing position.
func (s *Store) SavePosition(ctx context.Context, pos *Position) error {
	return s.db.WithContext(ctx).Save(pos).Error
}

// CountOpenPositions returns how many positions are open for an account.
func (s *Store) CountOpenPositions(ctx context.Context, accountID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Position{}).
		Where("account_id = ? AND status = ?", accountID, PositionOpen).
		Count(&n).Error
	return n, err
}

// StaleOpenPositions lists open positions whose last sync is older than the
// cutoff, oldest first.
func (s *Store) StaleOpenPositions(ctx context.Context, cutoff time.Time) ([]Position, error) {
	var positions []Position
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_synced_at < ?", PositionOpen, cutoff).
		Order("last_synced_at").
		Find(&positions).Error
	return positions, err
}

// Trades

// CreateTrade inserts an executed trade.
func (s *Store) CreateTrade(ctx context.Context, trade *Trade) error {
	return s.db.WithContext(ctx).Create(trade).Error
}

// TradeCountSince counts trades executed at or after the given time.
func (s *Store) TradeCountSince(ctx context.Context, accountID uint, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("account_id = ? AND executed_at >= ?", accountID, since).
		Count(&n).Error
	return n, err
}

// RecentTrades lists the newest trades for an account.
func (s *Store) RecentTrades(ctx context.Context, accountID uint, limit int) ([]Trade, error) {
	var trades []Trade
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// UnlinkedBuyTradeOn finds the earliest buy of a symbol on the given UTC
// date that no day-trade row references yet. Used to pair a closing sell
// with its same-day open.
func (s *Store) UnlinkedBuyTradeOn(ctx context.Context, accountID uint, symbol string, date time.Time) (*Trade, error) {
	dayStart := date.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	var trade Trade
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ? AND side = ? AND executed_at >= ? AND executed_at < ?",
			accountID, symbol, "buy", dayStart, dayEnd).
		Where("id NOT IN (?)", s.db.Model(&DayTrade{}).Select("opened_trade_id").Where("account_id = ?", accountID)).
		Order("executed_at").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// SetTradeRealizedPnL back-fills realized P&L on a closing trade.
func (s *Store) SetTradeRealizedPnL(ctx context.Context, tradeID uint, pnl decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&Trade{}).Where("id = ?", tradeID).
		Update("realized_pn_l", pnl).Error
}

// LatestTradeFor returns the most recent trade for a symbol, or nil.
func (s *Store) LatestTradeFor(ctx context.Context, accountID uint, symbol string) (*Trade, error) {
	var trade Trade
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ?", accountID, symbol).
		Order("executed_at DESC").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// Day trades

// CreateDayTrade inserts a day-trade pairing.
func (s *Store) CreateDayTrade(ctx context.Context, dt *DayTrade) error {
	return s.db.WithContext(ctx).Create(dt).Error
}

// DayTradeCountSince counts day-trades on or after the given date.
func (s *Store) DayTradeCountSince(ctx context.Context, accountID uint, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&DayTrade{}).
		Where("account_id = ? AND executed_date >= ?", accountID, since).
		Count(&n).Error
	return n, err
}

// Settlement

// CreateSettlementRow inserts a settlement row for a trade.
func (s *Store) CreateSettlementRow(ctx context.Context, row *SettlementRow) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// SumUnsettledAbs returns the sum of |amount| over all unsettled rows for
// an account. Both buy outflows and pending sale proceeds reduce available
// settled cash.
func (s *Store) SumUnsettledAbs(ctx context.Context, accountID uint) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := s.db.WithContext(ctx).Model(&SettlementRow{}).
		Select("COALESCE(SUM(ABS(amount)), 0) as total").
		Where("account_id = ? AND settled = ?", accountID, false).
		Scan(&result).Error
	return result.Total, err
}

// UnsettledRows lists unsettled rows for an account, oldest settlement first.
func (s *Store) UnsettledRows(ctx context.Context, accountID uint) ([]SettlementRow, error) {
	var rows []SettlementRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND settled = ?", accountID, false).
		Order("settlement_date").
		Find(&rows).Error
	return rows, err
}

// SettleMatured marks every row whose settlement date has arrived as
// settled and reports how many it flipped. Idempotent.
func (s *Store) SettleMatured(ctx context.Context, asOf time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&SettlementRow{}).
		Where("settled = ? AND settlement_date <= ?", false, asOf).
		Update("settled", true)
	return res.RowsAffected, res.Error
}

// HasUnsettledBuy reports whether the symbol has an unsettled buy row, the
// GFV precondition for a sell.
func (s *Store) HasUnsettledBuy(ctx context.Context, accountID uint, symbol string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&SettlementRow{}).
		Joins("JOIN trades ON trades.id = settlement_rows.trade_id").
		Where("settlement_rows.account_id = ? AND settlement_rows.settled = ? AND settlement_rows.amount < 0 AND trades.symbol = ?",
			accountID, false, symbol).
		Count(&n).Error
	return n > 0, err
}

// Strategy instances

// UpsertStrategyInstance finds or creates the row for a configured strategy
// and updates its enabled flag.
func (s *Store) UpsertStrategyInstance(ctx context.Context, kind, symbol, timeframe string, enabled bool) (*StrategyInstance, error) {
	inst := StrategyInstance{Kind: kind, Symbol: symbol, Timeframe: timeframe}
	err := s.db.WithContext(ctx).
		Where(StrategyInstance{Kind: kind, Symbol: symbol, Timeframe: timeframe}).
		FirstOrCreate(&inst).Error
	if err != nil {
		return nil, fmt.Errorf("upsert strategy instance: %w", err)
	}
	if inst.Enabled != enabled {
		inst.Enabled = enabled
		if err := s.db.WithContext(ctx).Save(&inst).Error; err != nil {
			return nil, err
		}
	}
	return &inst, nil
}
