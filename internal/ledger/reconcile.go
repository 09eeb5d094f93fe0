package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
	"grid-engine/internal/grid"
)

// Binding pairs a venue order with the grid level it was matched to.
type Binding struct {
	LevelIndex int
	Order      core.Order
}

// ReconcilePlan is the diff between venue-reported truth and the planned
// ladder. Matched levels become Open, orphans must be cancelled on the venue,
// unplaced levels are free for fresh placement.
type ReconcilePlan struct {
	Matched  []Binding
	Orphans  []core.Order
	Unplaced []int
}

// PlanReconcile matches venue open orders to grid levels by price proximity
// and side. Pure: it mutates nothing. When several venue orders land on the
// same level the oldest one is kept and the rest are orphaned, mirroring how
// a crashed instance can leave duplicates behind.
func PlanReconcile(levels []grid.Level, open []core.Order, tol decimal.Decimal) ReconcilePlan {
	plan := ReconcilePlan{}
	byLevel := make(map[int][]core.Order)
	for _, ord := range open {
		idx, ok := grid.IndexForPrice(levels, ord.Price, tol)
		if !ok || levels[idx].Side != ord.Side {
			plan.Orphans = append(plan.Orphans, ord)
			continue
		}
		ord.GridIndex = idx
		byLevel[idx] = append(byLevel[idx], ord)
	}

	matched := make(map[int]struct{}, len(byLevel))
	idxs := make([]int, 0, len(byLevel))
	for idx := range byLevel {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		ords := byLevel[idx]
		keep := 0
		for i := 1; i < len(ords); i++ {
			if preferOrder(ords[i], ords[keep]) {
				keep = i
			}
		}
		plan.Matched = append(plan.Matched, Binding{LevelIndex: idx, Order: ords[keep]})
		matched[idx] = struct{}{}
		for i, ord := range ords {
			if i != keep {
				plan.Orphans = append(plan.Orphans, ord)
			}
		}
	}

	for _, lv := range levels {
		if _, ok := matched[lv.Index]; !ok {
			plan.Unplaced = append(plan.Unplaced, lv.Index)
		}
	}
	return plan
}

// ApplyReconcile rebuilds ledger state from a plan: matched levels Open with
// their venue order bound, everything else reset to Idle.
func (l *Ledger) ApplyReconcile(plan ReconcilePlan) error {
	for _, idx := range l.indexes {
		st := l.levels[idx]
		l.unbindOrder(st)
		st.Status = StatusIdle
		st.ClientOrderID = ""
	}
	for _, b := range plan.Matched {
		st, ok := l.levels[b.LevelIndex]
		if !ok {
			return ErrUnknownLevel
		}
		st.Status = StatusOpen
		st.Side = b.Order.Side
		st.ClientOrderID = b.Order.ClientID
		l.bindOrder(st, b.Order.ID)
	}
	return nil
}

func preferOrder(a, b core.Order) bool {
	aSet := !a.CreatedAt.IsZero()
	bSet := !b.CreatedAt.IsZero()
	if aSet || bSet {
		if aSet && !bSet {
			return true
		}
		if !aSet && bSet {
			return false
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return true
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return false
		}
	}
	return a.ID < b.ID
}
