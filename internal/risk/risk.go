package risk

import (
	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

// Reason identifies which limit blocked an action.
type Reason string

const (
	ReasonPositionLimit Reason = "position_limit_exceeded"
	ReasonStopLoss      Reason = "stop_loss_triggered"
	ReasonTakeProfit    Reason = "take_profit_triggered"
	ReasonMaxDrawdown   Reason = "max_drawdown_exceeded"
)

// Halts reports whether a block with this reason must also halt the strategy
// and flatten all working orders. A position-limit block only skips the one
// placement.
func (r Reason) Halts() bool {
	switch r {
	case ReasonStopLoss, ReasonTakeProfit, ReasonMaxDrawdown:
		return true
	default:
		return false
	}
}

// Limits is immutable after load. A zero value disables the matching rule.
type Limits struct {
	MaxPositions   int
	StopLossPct    decimal.Decimal
	TakeProfitPct  decimal.Decimal
	MaxDrawdownPct decimal.Decimal
}

// Snapshot is the aggregated exposure, read-only to callers.
type Snapshot struct {
	NetQty        decimal.Decimal
	AvgEntryPrice decimal.Decimal
	UnrealizedPnl decimal.Decimal
	RealizedPnl   decimal.Decimal
	MarkPrice     decimal.Decimal
	Equity        decimal.Decimal
	PeakEquity    decimal.Decimal
}

type Decision struct {
	Allowed bool
	Reason  Reason
}

func Allow() Decision          { return Decision{Allowed: true} }
func Block(r Reason) Decision  { return Decision{Reason: r} }
func (d Decision) Halts() bool { return !d.Allowed && d.Reason.Halts() }

// Controller tracks position state from fills and mark price and gates every
// order action. Not safe for concurrent use; the strategy event loop is its
// only caller. The running equity peak is its only hidden state and moves
// monotonically upward.
type Controller struct {
	limits       Limits
	totalCapital decimal.Decimal
	perGridQty   decimal.Decimal

	netQty   decimal.Decimal
	avgEntry decimal.Decimal
	realized decimal.Decimal
	mark     decimal.Decimal
	peak     decimal.Decimal
}

func NewController(limits Limits, totalCapital, perGridQty decimal.Decimal) *Controller {
	return &Controller{
		limits:       limits,
		totalCapital: totalCapital,
		perGridQty:   perGridQty,
		peak:         totalCapital,
	}
}

// SetPerGridQty updates the position-limit unit after the ladder is planned.
func (c *Controller) SetPerGridQty(qty decimal.Decimal) {
	if qty.Cmp(decimal.Zero) > 0 {
		c.perGridQty = qty
	}
}

// ApplyFill folds one fill into the netting position: same-direction fills
// move the weighted average entry, opposite-direction fills realize PnL and
// may flip the position through zero.
func (c *Controller) ApplyFill(side core.Side, qty, price decimal.Decimal) {
	if qty.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return
	}
	switch side {
	case core.Buy:
		c.applyBuy(qty, price)
	case core.Sell:
		c.applySell(qty, price)
	}
	c.observe(price)
}

func (c *Controller) applyBuy(qty, price decimal.Decimal) {
	if c.netQty.Cmp(decimal.Zero) >= 0 {
		old := c.netQty
		if old.Cmp(decimal.Zero) <= 0 {
			c.avgEntry = price
		} else {
			c.avgEntry = weightedPrice(c.avgEntry, old, price, qty)
		}
		c.netQty = old.Add(qty)
		return
	}
	shortQty := c.netQty.Abs()
	closeQty := minDecimal(qty, shortQty)
	if closeQty.Cmp(decimal.Zero) > 0 {
		c.realized = c.realized.Add(c.avgEntry.Sub(price).Mul(closeQty))
		c.netQty = c.netQty.Add(closeQty)
	}
	remain := qty.Sub(closeQty)
	if c.netQty.Cmp(decimal.Zero) == 0 {
		c.avgEntry = decimal.Zero
	}
	if remain.Cmp(decimal.Zero) > 0 {
		c.avgEntry = price
		c.netQty = c.netQty.Add(remain)
	}
}

func (c *Controller) applySell(qty, price decimal.Decimal) {
	if c.netQty.Cmp(decimal.Zero) <= 0 {
		oldAbs := c.netQty.Abs()
		if oldAbs.Cmp(decimal.Zero) <= 0 {
			c.avgEntry = price
		} else {
			c.avgEntry = weightedPrice(c.avgEntry, oldAbs, price, qty)
		}
		c.netQty = oldAbs.Add(qty).Neg()
		return
	}
	longQty := c.netQty
	closeQty := minDecimal(qty, longQty)
	if closeQty.Cmp(decimal.Zero) > 0 {
		c.realized = c.realized.Add(price.Sub(c.avgEntry).Mul(closeQty))
		c.netQty = c.netQty.Sub(closeQty)
	}
	remain := qty.Sub(closeQty)
	if c.netQty.Cmp(decimal.Zero) == 0 {
		c.avgEntry = decimal.Zero
	}
	if remain.Cmp(decimal.Zero) > 0 {
		c.avgEntry = price
		c.netQty = c.netQty.Sub(remain)
	}
}

// MarkToMarket records a new mark price and advances the equity peak.
func (c *Controller) MarkToMarket(price decimal.Decimal) {
	if price.Cmp(decimal.Zero) <= 0 {
		return
	}
	c.observe(price)
}

func (c *Controller) observe(price decimal.Decimal) {
	c.mark = price
	equity := c.equity()
	if equity.Cmp(c.peak) > 0 {
		c.peak = equity
	}
}

func (c *Controller) unrealized() decimal.Decimal {
	if c.mark.Cmp(decimal.Zero) <= 0 || c.netQty.Cmp(decimal.Zero) == 0 {
		return decimal.Zero
	}
	if c.netQty.Cmp(decimal.Zero) > 0 {
		return c.mark.Sub(c.avgEntry).Mul(c.netQty)
	}
	return c.avgEntry.Sub(c.mark).Mul(c.netQty.Abs())
}

func (c *Controller) equity() decimal.Decimal {
	return c.totalCapital.Add(c.realized).Add(c.unrealized())
}

// Drawdown is the running peak-to-trough loss as a fraction of the peak.
func (c *Controller) Drawdown() decimal.Decimal {
	if c.peak.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	dd := c.peak.Sub(c.equity())
	if dd.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return dd.Div(c.peak)
}

func (c *Controller) Position() Snapshot {
	return Snapshot{
		NetQty:        c.netQty,
		AvgEntryPrice: c.avgEntry,
		UnrealizedPnl: c.unrealized(),
		RealizedPnl:   c.realized,
		MarkPrice:     c.mark,
		Equity:        c.equity(),
		PeakEquity:    c.peak,
	}
}

// Restore reloads position state from a persisted snapshot. The peak never
// moves backward, so restarts cannot loosen the drawdown limit.
func (c *Controller) Restore(s Snapshot) {
	c.netQty = s.NetQty
	c.avgEntry = s.AvgEntryPrice
	c.realized = s.RealizedPnl
	if s.MarkPrice.Cmp(decimal.Zero) > 0 {
		c.mark = s.MarkPrice
	}
	if s.PeakEquity.Cmp(c.peak) > 0 {
		c.peak = s.PeakEquity
	}
}

// CheckBeforeAction evaluates the limits in priority order against the
// current snapshot, for a proposed order of the given side and qty. Pure
// apart from reading the running peak.
func (c *Controller) CheckBeforeAction(side core.Side, qty decimal.Decimal) Decision {
	if c.limits.MaxPositions > 0 && c.perGridQty.Cmp(decimal.Zero) > 0 {
		projected := c.netQty
		switch side {
		case core.Buy:
			projected = projected.Add(qty)
		case core.Sell:
			projected = projected.Sub(qty)
		}
		limit := c.perGridQty.Mul(decimal.NewFromInt(int64(c.limits.MaxPositions)))
		if projected.Abs().Cmp(limit) > 0 && projected.Abs().Cmp(c.netQty.Abs()) > 0 {
			return Block(ReasonPositionLimit)
		}
	}
	if c.totalCapital.Cmp(decimal.Zero) > 0 {
		ratio := c.unrealized().Div(c.totalCapital)
		if c.limits.StopLossPct.Cmp(decimal.Zero) > 0 && ratio.Cmp(c.limits.StopLossPct.Neg()) <= 0 {
			return Block(ReasonStopLoss)
		}
		if c.limits.TakeProfitPct.Cmp(decimal.Zero) > 0 && ratio.Cmp(c.limits.TakeProfitPct) >= 0 {
			return Block(ReasonTakeProfit)
		}
	}
	if c.limits.MaxDrawdownPct.Cmp(decimal.Zero) > 0 && c.Drawdown().Cmp(c.limits.MaxDrawdownPct) > 0 {
		return Block(ReasonMaxDrawdown)
	}
	return Allow()
}

func weightedPrice(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
