package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account modes. Cash mode is recomputed on every balance refresh: it is on
// whenever the balance is below the configured threshold.
const (
	ModeCash   = "cash"
	ModeMargin = "margin"
)

// Position statuses. closed implies quantity 0 and a non-nil ClosedAt.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// Account is the durable view of a broker account. Balance and Cash are
// mutated only by balance refresh.
type Account struct {
	ID               uint            `gorm:"primaryKey;autoIncrement"`
	BrokerAccount    string          `gorm:"uniqueIndex"`
	Balance          decimal.Decimal `gorm:"type:decimal(20,6)"`
	Cash             decimal.Decimal `gorm:"type:decimal(20,6)"`
	Currency         string
	Mode             string
	BalanceUpdatedAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Position is the single source of truth about what we hold between syncs.
// At most one open row exists per (account_id, symbol); sync enforces this.
type Position struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	AccountID        uint   `gorm:"index:idx_positions_account_symbol"`
	Symbol           string `gorm:"index:idx_positions_account_symbol"`
	Quantity         int64
	AveragePrice     decimal.Decimal `gorm:"type:decimal(20,6)"`
	CurrentPrice     decimal.Decimal `gorm:"type:decimal(20,6)"`
	UnrealizedPnL    decimal.Decimal `gorm:"type:decimal(20,6)"`
	UnrealizedPnLPct float64
	Status           string `gorm:"index"`
	OpenedAt         time.Time
	ClosedAt         *time.Time
	LastSyncedAt     time.Time        `gorm:"index"`
	RealizedPnL      *decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsClosed reports whether the row satisfies the closed invariant.
func (p *Position) IsClosed() bool {
	return p.Status == PositionClosed && p.Quantity == 0 && p.ClosedAt != nil
}

// Trade is an executed order. Immutable after insert except RealizedPnL,
// which is back-filled when a sell is matched to the position it reduces.
type Trade struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	AccountID     uint   `gorm:"index:idx_trades_account_executed"`
	Symbol        string `gorm:"index"`
	Side          string
	Quantity      int64
	Price         decimal.Decimal `gorm:"type:decimal(20,6)"`
	ExecutedAt    time.Time       `gorm:"index:idx_trades_account_executed"`
	BrokerOrderID int64           `gorm:"index"`
	StrategyID    *uint
	RealizedPnL   *decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt     time.Time
}

// DayTrade links an open and a close of the same symbol on the same UTC
// trading date. Rows only accumulate; they roll off PDT counting by time.
type DayTrade struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	AccountID     uint `gorm:"index:idx_day_trades_account_date"`
	Symbol        string
	OpenedTradeID uint
	ClosedTradeID uint
	ExecutedDate  time.Time `gorm:"index:idx_day_trades_account_date"`
	CreatedAt     time.Time
}

// SettlementRow tracks T+N settlement for one trade. Amount is signed:
// negative for buy outflows, positive for sale proceeds. Available settled
// cash subtracts |amount| of every unsettled row, both signs.
type SettlementRow struct {
	ID             uint `gorm:"primaryKey;autoIncrement"`
	AccountID      uint `gorm:"index"`
	TradeID        uint
	Amount         decimal.Decimal `gorm:"type:decimal(20,6)"`
	SettlementDate time.Time       `gorm:"index"`
	Settled        bool
	CreatedAt      time.Time
}

// StrategyInstance persists a configured strategy so trades can reference
// strategy_id. Seeded from config at boot; identity is (kind, symbol,
// timeframe).
type StrategyInstance struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Kind      string `gorm:"index:idx_strategy_identity,unique"`
	Symbol    string `gorm:"index:idx_strategy_identity,unique"`
	Timeframe string `gorm:"index:idx_strategy_identity,unique"`
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
