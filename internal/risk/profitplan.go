package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"equities-bot/internal/config"
)

// Level is one rung of a profit-taking ladder: when the gain reaches
// ThresholdPct, exit ExitFraction of the original quantity. A zero
// ExitFraction means "the remainder".
type Level struct {
	ThresholdPct float64
	ExitFraction float64
}

// Plan is the profit-taking ladder for one open position. Levels fire in
// order and each fires at most once; re-checking after a partial exit at a
// level reports no action for that level again. Safe for concurrent use.
type Plan struct {
	mu          sync.Mutex
	entry       decimal.Decimal
	originalQty int64
	levels      [3]Level
	done        [3]bool
}

// Decision is the outcome of one profit check.
type Decision struct {
	ShouldExit     bool
	Level          int // 1-based; 0 when ShouldExit is false
	QtyToExit      int64
	RemainingAfter int64
}

// NewPlan builds the ladder for a position entered at entry with
// originalQty shares, from the configured thresholds and fractions.
func NewPlan(cfg config.RiskConfig, entry decimal.Decimal, originalQty int64) *Plan {
	return &Plan{
		entry:       entry,
		originalQty: originalQty,
		levels: [3]Level{
			{ThresholdPct: cfg.ProfitTakeLevel1, ExitFraction: cfg.PartialExitLevel1Pct},
			{ThresholdPct: cfg.ProfitTakeLevel2, ExitFraction: cfg.PartialExitLevel2Pct},
			{ThresholdPct: cfg.ProfitTakeLevel3, ExitFraction: 0}, // remainder
		},
	}
}

// Check evaluates the ladder at currentPrice with remainingQty shares
// still held. The lowest pending level whose threshold is met fires;
// levels never fire out of order even when price gaps through several at
// once.
func (p *Plan) Check(currentPrice decimal.Decimal, remainingQty int64) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if remainingQty <= 0 || p.entry.IsZero() {
		return Decision{RemainingAfter: remainingQty}
	}

	gain, _ := currentPrice.Sub(p.entry).Div(p.entry).Float64()

	for i := range p.levels {
		if p.done[i] {
			continue
		}
		if gain < p.levels[i].ThresholdPct {
			// Ladder is ordered; nothing above this can fire first.
			return Decision{RemainingAfter: remainingQty}
		}

		qty := remainingQty
		if frac := p.levels[i].ExitFraction; frac > 0 {
			qty = int64(float64(p.originalQty) * frac)
			if qty > remainingQty {
				qty = remainingQty
			}
		}
		p.done[i] = true
		if qty <= 0 {
			// Fraction rounds to nothing at this size; fall through to
			// the next pending level.
			continue
		}
		return Decision{
			ShouldExit:     true,
			Level:          i + 1,
			QtyToExit:      qty,
			RemainingAfter: remainingQty - qty,
		}
	}
	return Decision{RemainingAfter: remainingQty}
}

// PlanFor builds the profit-taking ladder for a position from the engine's
// configured thresholds.
func (e *Engine) PlanFor(entry decimal.Decimal, originalQty int64) *Plan {
	return NewPlan(e.cfg, entry, originalQty)
}

// Exhausted reports whether every level has fired.
func (p *Plan) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[0] && p.done[1] && p.done[2]
}
