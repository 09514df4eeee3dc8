package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AddBusinessDays advances t by n business days, skipping Saturdays and
// Sundays. Holidays are not modelled. A buy executed Friday with T+2
// settles Tuesday.
func AddBusinessDays(t time.Time, n int) time.Time {
	d := t
	for added := 0; added < n; {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return d
}

// settlementDate is the UTC date on which a trade's cash settles.
func (e *Engine) settlementDate(executedAt time.Time) time.Time {
	date := executedAt.UTC().Truncate(24 * time.Hour)
	return AddBusinessDays(date, e.cfg.SettlementDays)
}

// availableSettledCash settles matured rows, then returns
// cash − Σ|amount| over all remaining unsettled rows. Pending sale
// proceeds reduce availability the same as buy outflows: cash that is in
// flight in either direction cannot fund a new purchase.
func (e *Engine) availableSettledCash(ctx context.Context, accountID uint, cash decimal.Decimal) (decimal.Decimal, error) {
	if n, err := e.store.SettleMatured(ctx, time.Now().UTC()); err != nil {
		return decimal.Zero, err
	} else if n > 0 {
		e.logger.Debug("settlement rows matured", "count", n)
	}

	unsettled, err := e.store.SumUnsettledAbs(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return cash.Sub(unsettled), nil
}
