package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"grid-engine/internal/alert"
	"grid-engine/internal/core"
	"grid-engine/internal/grid"
	"grid-engine/internal/ledger"
	"grid-engine/internal/risk"
	"grid-engine/internal/store"
)

// State is the lifecycle of one strategy instance. Halted is terminal and
// only a new instance can trade again; Stopped is the clean shutdown end.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateHalted       State = "halted"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// BoundaryPolicy picks what happens when a fill at the edge of the range has
// no further level for the reciprocal order.
type BoundaryPolicy string

const (
	// BoundaryExhaust leaves the edge level idle until price comes back.
	BoundaryExhaust BoundaryPolicy = "exhaust"
	// BoundaryFlip re-arms the edge level itself with the opposite side.
	BoundaryFlip BoundaryPolicy = "flip"
)

// OrderExecutor is the venue surface the core trades through.
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

type Config struct {
	Symbol       string
	Grid         grid.Spec
	Limits       risk.Limits
	Boundary     BoundaryPolicy
	Rules        core.Rules
	PlaceRetries int
	RetryBackoff time.Duration
}

// Levels closer to the reference price than this fraction are not armed at
// startup; a resting order at the current price would fill immediately.
var refProximity = decimal.NewFromFloat(0.001)

// GridCore runs one symbol's grid. It is not safe for concurrent use; the
// engine drives it from a single event loop.
type GridCore struct {
	cfg       Config
	executor  OrderExecutor
	sink      Sink
	alerter   alert.Alerter
	persister store.Persister

	levels  []grid.Level
	tol     decimal.Decimal
	book    *ledger.Ledger
	riskctl *risk.Controller
	state   State
	halted  string

	working map[string]core.Order
}

func NewGridCore(cfg Config, executor OrderExecutor, persister store.Persister, sink Sink, alerter alert.Alerter) (*GridCore, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("symbol required")
	}
	if executor == nil {
		return nil, errors.New("executor required")
	}
	if cfg.Boundary == "" {
		cfg.Boundary = BoundaryExhaust
	}
	if cfg.Boundary != BoundaryExhaust && cfg.Boundary != BoundaryFlip {
		return nil, fmt.Errorf("unknown boundary policy %q", cfg.Boundary)
	}
	if cfg.PlaceRetries < 0 {
		cfg.PlaceRetries = 0
	}
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	if alerter == nil {
		alerter = alert.NopAlerter{}
	}
	return &GridCore{
		cfg:       cfg,
		executor:  executor,
		sink:      sink,
		alerter:   alerter,
		persister: persister,
		state:     StateInitializing,
		working:   make(map[string]core.Order),
	}, nil
}

func (g *GridCore) State() State       { return g.state }
func (g *GridCore) HaltReason() string { return g.halted }

// Levels returns the planned ladder. Empty before Init.
func (g *GridCore) Levels() []grid.Level {
	out := make([]grid.Level, len(g.levels))
	copy(out, g.levels)
	return out
}

// WorkingOrders returns the resting orders the core believes are open,
// sorted by grid index.
func (g *GridCore) WorkingOrders() []core.Order {
	out := make([]core.Order, 0, len(g.working))
	for _, o := range g.working {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GridIndex < out[j].GridIndex })
	return out
}

// Position exposes the current risk snapshot for reporting.
func (g *GridCore) Position() risk.Snapshot {
	if g.riskctl == nil {
		return risk.Snapshot{}
	}
	return g.riskctl.Position()
}

// Init plans the ladder around the reference price and arms the full set of
// levels, skipping those too close to the reference.
func (g *GridCore) Init(ctx context.Context, refPrice decimal.Decimal) error {
	if g.state == StateHalted {
		return ErrHalted
	}
	if err := g.plan(refPrice); err != nil {
		return err
	}
	for _, lv := range g.levels {
		if tooCloseToRef(lv.Price, refPrice) {
			log.Debug().Str("symbol", g.cfg.Symbol).Int("level", lv.Index).
				Str("price", lv.Price.String()).Str("event", "level_skipped_near_ref").Send()
			continue
		}
		if err := g.place(ctx, lv.Index, lv.Side, lv.Qty); err != nil {
			return err
		}
		if g.state == StateHalted {
			return ErrHalted
		}
	}
	g.state = StateRunning
	g.persist()
	return nil
}

// RestorePosition seeds the risk controller from a persisted snapshot. Call
// before Init or Reconcile.
func (g *GridCore) RestorePosition(s risk.Snapshot) {
	if g.riskctl == nil {
		g.riskctl = risk.NewController(g.cfg.Limits, g.cfg.Grid.TotalCapital, decimal.Zero)
	}
	g.riskctl.Restore(s)
}

// Reconcile rebuilds the ledger from the venue's open orders. Orphans are
// cancelled, unmatched levels re-armed.
func (g *GridCore) Reconcile(ctx context.Context, refPrice decimal.Decimal, open []core.Order) error {
	if g.state == StateHalted {
		return ErrHalted
	}
	if len(g.levels) == 0 {
		if err := g.plan(refPrice); err != nil {
			return err
		}
	}

	plan := ledger.PlanReconcile(g.levels, open, g.tol)
	for _, orphan := range plan.Orphans {
		if err := g.executor.CancelOrder(ctx, g.cfg.Symbol, orphan.ID); err != nil {
			log.Warn().Str("symbol", g.cfg.Symbol).Str("order_id", orphan.ID).
				Str("event", "orphan_cancel_failed").Err(err).Send()
			g.alerter.Alert(alert.SeverityWarning, "orphan cancel failed",
				fmt.Sprintf("%s order %s: %v", g.cfg.Symbol, orphan.ID, err))
		}
	}

	if err := g.book.ApplyReconcile(plan); err != nil {
		return err
	}
	g.working = make(map[string]core.Order, len(plan.Matched))
	for _, m := range plan.Matched {
		o := m.Order
		o.GridIndex = m.LevelIndex
		g.working[o.ID] = o
	}

	for _, idx := range plan.Unplaced {
		lv := g.levels[idx]
		if tooCloseToRef(lv.Price, refPrice) {
			continue
		}
		if err := g.place(ctx, lv.Index, lv.Side, lv.Qty); err != nil {
			return err
		}
		if g.state == StateHalted {
			return ErrHalted
		}
	}

	g.state = StateRunning
	g.emit(Event{Type: EventReconciled, Symbol: g.cfg.Symbol,
		Reason: fmt.Sprintf("matched=%d orphans=%d placed=%d", len(plan.Matched), len(plan.Orphans), len(plan.Unplaced))})
	g.persist()
	return nil
}

// OnFill advances the grid for one execution report. Duplicate or stale
// reports are dropped without error; a halting risk breach returns ErrHalted
// after all resting orders are cancelled.
func (g *GridCore) OnFill(ctx context.Context, trade core.Trade) error {
	switch g.state {
	case StateHalted:
		return ErrHalted
	case StateStopped, StateStopping:
		return ErrStopped
	}

	idx, ok := g.book.LevelForOrder(trade.OrderID)
	if !ok {
		idx, ok = grid.IndexForPrice(g.levels, trade.Price, g.tol)
		if !ok {
			log.Warn().Str("symbol", g.cfg.Symbol).Str("order_id", trade.OrderID).
				Str("price", trade.Price.String()).Str("event", "fill_unmatched").Send()
			g.emit(Event{Type: EventDropped, Symbol: g.cfg.Symbol, OrderID: trade.OrderID,
				Price: trade.Price, Reason: "no level matches fill"})
			return nil
		}
	}

	if trade.Status == core.OrderPartiallyFilled {
		// Position moves on every execution; the level state only advances
		// on the terminal fill.
		g.riskctl.ApplyFill(trade.Side, trade.Qty, trade.Price)
		g.persistTrade(trade)
		return nil
	}

	// The resolved level may be bound to a different venue id than the one
	// the fill carries; drop both from the working set.
	if st, ok := g.book.Get(idx); ok && st.OrderID != "" {
		defer delete(g.working, st.OrderID)
	}

	if _, err := g.book.Transition(idx, ledger.Event{
		Kind: ledger.EventFill, Side: trade.Side, OrderID: trade.OrderID,
		FillPrice: trade.Price, FillQty: trade.Qty, At: trade.Time,
	}); err != nil {
		var invalid *ledger.InvalidTransitionError
		if errors.As(err, &invalid) {
			log.Warn().Str("symbol", g.cfg.Symbol).Int("level", idx).
				Str("order_id", trade.OrderID).Str("from", string(invalid.From)).
				Str("event", "fill_dropped").Send()
			g.emit(Event{Type: EventDropped, Symbol: g.cfg.Symbol, LevelIndex: idx,
				OrderID: trade.OrderID, Reason: "stale or duplicate fill"})
			return nil
		}
		return err
	}
	delete(g.working, trade.OrderID)

	g.riskctl.ApplyFill(trade.Side, trade.Qty, trade.Price)
	g.persistTrade(trade)
	g.emit(Event{Type: EventFillProcessed, Symbol: g.cfg.Symbol, LevelIndex: idx,
		Side: trade.Side, Price: trade.Price, Qty: trade.Qty, OrderID: trade.OrderID})

	if d := g.checkMark(trade.Price); d.Halts() {
		return g.haltNow(ctx, d.Reason)
	}

	// The filled level returns to the pool before the reciprocal goes out,
	// so a later pass back through this price re-arms it.
	if _, err := g.book.Transition(idx, ledger.Event{Kind: ledger.EventRequeue, At: trade.Time}); err != nil {
		return err
	}

	return g.placeReciprocal(ctx, idx, trade)
}

func (g *GridCore) placeReciprocal(ctx context.Context, idx int, trade core.Trade) error {
	target := idx + 1
	if trade.Side == core.Sell {
		target = idx - 1
	}
	if target < 0 || target >= len(g.levels) {
		switch g.cfg.Boundary {
		case BoundaryFlip:
			return g.place(ctx, idx, trade.Side.Opposite(), trade.Qty)
		default:
			g.emit(Event{Type: EventBoundaryExhausted, Symbol: g.cfg.Symbol,
				LevelIndex: idx, Side: trade.Side})
			log.Info().Str("symbol", g.cfg.Symbol).Int("level", idx).
				Str("side", string(trade.Side)).Str("event", "boundary_exhausted").Send()
			g.persist()
			return nil
		}
	}
	// The reciprocal carries the filled quantity, not the target level's
	// planned quantity, so inventory stays balanced level to level.
	if err := g.place(ctx, target, trade.Side.Opposite(), trade.Qty); err != nil {
		return err
	}
	g.persist()
	return nil
}

// OnTick marks the position to market. A mark alone can cross the stop-loss
// or drawdown thresholds, so the halting check runs here too.
func (g *GridCore) OnTick(ctx context.Context, price decimal.Decimal, at time.Time) error {
	if g.state != StateRunning || g.riskctl == nil {
		return nil
	}
	if d := g.checkMark(price); d.Halts() {
		return g.haltNow(ctx, d.Reason)
	}
	return nil
}

// checkMark folds in a mark price and re-evaluates the halting limits. The
// zero-qty check cannot trip the position limit, only the PnL rules.
func (g *GridCore) checkMark(price decimal.Decimal) risk.Decision {
	g.riskctl.MarkToMarket(price)
	return g.riskctl.CheckBeforeAction(core.Buy, decimal.Zero)
}

// Stop cancels all resting orders and ends the instance cleanly.
func (g *GridCore) Stop(ctx context.Context) error {
	if g.state == StateHalted {
		return ErrHalted
	}
	if g.state == StateStopped {
		return nil
	}
	g.state = StateStopping
	g.cancelAll(ctx)
	g.state = StateStopped
	g.persist()
	return nil
}

func (g *GridCore) plan(refPrice decimal.Decimal) error {
	levels, err := grid.ComputeLevels(g.cfg.Grid, refPrice)
	if err != nil {
		return err
	}
	levels, err = grid.Normalize(levels, g.cfg.Rules.PriceTick)
	if err != nil {
		return err
	}
	g.levels = levels
	g.tol = grid.MatchTolerance(levels)
	g.book = ledger.New(levels)
	if g.riskctl == nil {
		g.riskctl = risk.NewController(g.cfg.Limits, g.cfg.Grid.TotalCapital, meanQty(levels))
	} else {
		g.riskctl.SetPerGridQty(meanQty(levels))
	}
	return nil
}

// place runs one level's order through risk, the ledger and the venue. A
// level that already has an order in flight is skipped, not an error.
func (g *GridCore) place(ctx context.Context, idx int, side core.Side, qty decimal.Decimal) error {
	if d := g.riskctl.CheckBeforeAction(side, qty); !d.Allowed {
		if d.Halts() {
			return g.haltNow(ctx, d.Reason)
		}
		g.emit(Event{Type: EventRiskBlocked, Symbol: g.cfg.Symbol, LevelIndex: idx,
			Side: side, Qty: qty, Reason: string(d.Reason)})
		log.Info().Str("symbol", g.cfg.Symbol).Int("level", idx).
			Str("side", string(side)).Str("reason", string(d.Reason)).
			Str("event", "placement_blocked").Send()
		return nil
	}

	lv := g.levels[idx]
	clientID := uuid.NewString()
	if _, err := g.book.Transition(idx, ledger.Event{
		Kind: ledger.EventPlace, Side: side, ClientID: clientID, At: time.Now().UTC(),
	}); err != nil {
		if errors.Is(err, ledger.ErrOrderAlreadyActive) {
			return nil
		}
		return err
	}

	order := core.Order{
		ClientID:  clientID,
		Symbol:    g.cfg.Symbol,
		Side:      side,
		Type:      core.Limit,
		Price:     lv.Price,
		Qty:       qty,
		GridIndex: idx,
	}
	normalized, err := core.NormalizeOrder(order, g.cfg.Rules)
	if err != nil {
		// Local rejection: nothing reached the venue.
		if _, terr := g.book.Transition(idx, ledger.Event{Kind: ledger.EventReject}); terr != nil {
			return terr
		}
		log.Warn().Str("symbol", g.cfg.Symbol).Int("level", idx).
			Str("event", "order_rejected_local").Err(err).Send()
		return nil
	}

	placed, err := g.submit(ctx, idx, normalized)
	if err != nil {
		return err
	}
	if placed.ID == "" {
		return nil
	}

	if _, err := g.book.Transition(idx, ledger.Event{
		Kind: ledger.EventAck, OrderID: placed.ID, ClientID: placed.ClientID, At: time.Now().UTC(),
	}); err != nil {
		return err
	}
	placed.GridIndex = idx
	g.working[placed.ID] = placed
	g.emit(Event{Type: EventOrderPlaced, Symbol: g.cfg.Symbol, LevelIndex: idx,
		Side: side, Price: placed.Price, Qty: placed.Qty, OrderID: placed.ID})
	return nil
}

// submit drives the venue call and maps its outcome onto the ledger. A zero
// order with nil error means the level ended Idle or Unknown and no ack is
// expected.
func (g *GridCore) submit(ctx context.Context, idx int, order core.Order) (core.Order, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.PlaceRetries; attempt++ {
		if attempt > 0 && g.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(g.cfg.RetryBackoff):
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}
		placed, err := g.executor.PlaceOrder(ctx, order)
		if err == nil {
			return placed, nil
		}
		lastErr = err

		if errors.Is(err, core.ErrVenueTimeout) {
			// The order may exist at the venue. Never re-send; record the
			// doubt and let reconciliation resolve it.
			if _, terr := g.book.Transition(idx, ledger.Event{Kind: ledger.EventAckTimeout}); terr != nil {
				return core.Order{}, terr
			}
			log.Warn().Str("symbol", g.cfg.Symbol).Int("level", idx).
				Str("client_id", order.ClientID).Str("event", "place_ack_timeout").Send()
			g.alerter.Alert(alert.SeverityWarning, "order ack timeout",
				fmt.Sprintf("%s level %d client_id=%s", g.cfg.Symbol, idx, order.ClientID))
			return core.Order{}, nil
		}
		if errors.Is(err, core.ErrInsufficientBalance) || errors.Is(err, core.ErrVenueRejected) {
			break
		}
	}

	// Definitive rejection, or retries exhausted on a transient error.
	if _, terr := g.book.Transition(idx, ledger.Event{Kind: ledger.EventReject}); terr != nil {
		return core.Order{}, terr
	}
	log.Warn().Str("symbol", g.cfg.Symbol).Int("level", idx).
		Str("event", "place_failed").Err(lastErr).Send()
	if errors.Is(lastErr, core.ErrInsufficientBalance) {
		g.alerter.Alert(alert.SeverityWarning, "insufficient balance",
			fmt.Sprintf("%s level %d: %v", g.cfg.Symbol, idx, lastErr))
	}
	return core.Order{}, nil
}

// haltNow cancels everything resting and moves the instance to its terminal
// state. Cancellation failures are reported and do not interrupt the sweep.
func (g *GridCore) haltNow(ctx context.Context, reason risk.Reason) error {
	if g.state == StateHalted {
		return ErrHalted
	}
	g.state = StateHalted
	g.halted = string(reason)
	log.Error().Str("symbol", g.cfg.Symbol).Str("reason", string(reason)).
		Str("event", "strategy_halted").Send()
	g.cancelAll(ctx)
	g.emit(Event{Type: EventHalted, Symbol: g.cfg.Symbol, Reason: string(reason)})
	g.alerter.Alert(alert.SeverityCritical, "strategy halted",
		fmt.Sprintf("%s: %s", g.cfg.Symbol, reason))
	g.persist()
	return ErrHalted
}

func (g *GridCore) cancelAll(ctx context.Context) {
	if g.book == nil {
		return
	}
	for _, st := range g.book.Working() {
		idx := st.LevelIndex
		if st.OrderID == "" {
			continue
		}
		if st.Status == ledger.StatusOpen {
			if _, err := g.book.Transition(idx, ledger.Event{Kind: ledger.EventCancelRequest}); err != nil {
				continue
			}
		}
		if err := g.executor.CancelOrder(ctx, g.cfg.Symbol, st.OrderID); err != nil {
			if errors.Is(err, core.ErrOrderNotFound) || errors.Is(err, core.ErrAlreadyFilled) {
				// Already gone at the venue; treat as cancelled.
			} else {
				log.Warn().Str("symbol", g.cfg.Symbol).Int("level", idx).
					Str("order_id", st.OrderID).Str("event", "cancel_failed").Err(err).Send()
				g.alerter.Alert(alert.SeverityWarning, "cancel failed",
					fmt.Sprintf("%s level %d order %s: %v", g.cfg.Symbol, idx, st.OrderID, err))
				continue
			}
		}
		orderID := st.OrderID
		if _, err := g.book.Transition(idx, ledger.Event{Kind: ledger.EventCancelAck}); err == nil {
			delete(g.working, orderID)
			g.emit(Event{Type: EventOrderCancelled, Symbol: g.cfg.Symbol,
				LevelIndex: idx, OrderID: orderID})
		}
	}
}

func (g *GridCore) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	g.sink.Publish(ev)
}

func (g *GridCore) persist() {
	if g.persister == nil {
		return
	}
	pos := g.Position()
	state := store.StrategyState{
		Strategy:     "range_grid",
		Symbol:       g.cfg.Symbol,
		State:        string(g.state),
		Spacing:      string(g.cfg.Grid.Spacing),
		LowerPrice:   g.cfg.Grid.Lower,
		UpperPrice:   g.cfg.Grid.Upper,
		Levels:       g.cfg.Grid.Levels,
		TotalCapital: g.cfg.Grid.TotalCapital,
		ReserveRatio: g.cfg.Grid.ReserveRatio,
		Rules:        g.cfg.Rules,
		HaltReason:   g.halted,
		Position: store.PositionState{
			NetQty:        pos.NetQty,
			AvgEntryPrice: pos.AvgEntryPrice,
			RealizedPnl:   pos.RealizedPnl,
			MarkPrice:     pos.MarkPrice,
			PeakEquity:    pos.PeakEquity,
		},
	}
	if err := g.persister.SaveState(state); err != nil {
		log.Warn().Str("symbol", g.cfg.Symbol).Str("event", "persist_state_failed").Err(err).Send()
	}
	if err := g.persister.SaveOpenOrders(g.WorkingOrders()); err != nil {
		log.Warn().Str("symbol", g.cfg.Symbol).Str("event", "persist_orders_failed").Err(err).Send()
	}
}

func (g *GridCore) persistTrade(trade core.Trade) {
	if g.persister == nil {
		return
	}
	if err := g.persister.AppendTrade(trade); err != nil {
		log.Warn().Str("symbol", g.cfg.Symbol).Str("event", "persist_trade_failed").Err(err).Send()
	}
}

func tooCloseToRef(price, ref decimal.Decimal) bool {
	if ref.IsZero() {
		return false
	}
	return price.Sub(ref).Abs().Div(ref).LessThan(refProximity)
}

func meanQty(levels []grid.Level) decimal.Decimal {
	if len(levels) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, lv := range levels {
		sum = sum.Add(lv.Qty)
	}
	return sum.Div(decimal.NewFromInt(int64(len(levels))))
}
