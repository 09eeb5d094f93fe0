package backtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

// SimExchange is a deterministic in-memory venue. Limit orders rest until a
// tick crosses their price; Match returns the resulting trades in level order
// so a backtest replays identically run to run.
type SimExchange struct {
	symbol  string
	rules   core.Rules
	feeRate decimal.Decimal

	base  decimal.Decimal
	quote decimal.Decimal

	nextID int64
	orders map[string]core.Order
	last   decimal.Decimal
	now    time.Time

	feesPaid decimal.Decimal
}

type SimConfig struct {
	Symbol       string
	Rules        core.Rules
	FeeRate      decimal.Decimal
	BaseBalance  decimal.Decimal
	QuoteBalance decimal.Decimal
}

func NewSimExchange(cfg SimConfig) *SimExchange {
	return &SimExchange{
		symbol:  cfg.Symbol,
		rules:   cfg.Rules,
		feeRate: cfg.FeeRate,
		base:    cfg.BaseBalance,
		quote:   cfg.QuoteBalance,
		orders:  make(map[string]core.Order),
	}
}

func (s *SimExchange) Name() string { return "sim" }

func (s *SimExchange) GetRules(ctx context.Context, symbol string) (core.Rules, error) {
	return s.rules, nil
}

func (s *SimExchange) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.last.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, fmt.Errorf("no tick seen yet for %s", symbol)
	}
	return s.last, nil
}

func (s *SimExchange) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.Type != core.Limit {
		return core.Order{}, fmt.Errorf("%w: only limit orders are simulated", core.ErrVenueRejected)
	}
	if order.Price.Cmp(decimal.Zero) <= 0 || order.Qty.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, core.ErrVenueRejected
	}
	for _, existing := range s.orders {
		if order.ClientID != "" && existing.ClientID == order.ClientID {
			return core.Order{}, core.ErrDuplicateOrder
		}
	}
	if err := s.reserve(order); err != nil {
		return core.Order{}, err
	}

	s.nextID++
	order.ID = "sim-" + strconv.FormatInt(s.nextID, 10)
	order.Status = core.OrderNew
	order.CreatedAt = s.now
	s.orders[order.ID] = order
	return order, nil
}

func (s *SimExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	order, ok := s.orders[orderID]
	if !ok {
		return core.ErrOrderNotFound
	}
	delete(s.orders, orderID)
	s.release(order)
	return nil
}

func (s *SimExchange) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	out := make([]core.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SimExchange) Balances(ctx context.Context) (core.Balance, error) {
	return core.Balance{
		Base:      s.base,
		Quote:     s.quote,
		BaseFree:  s.base,
		QuoteFree: s.quote,
	}, nil
}

// Match advances the simulated clock to the tick and fills every resting
// order the price crossed. Buys fill when price trades at or below the limit,
// sells at or above. Fills execute at the limit price.
func (s *SimExchange) Match(price decimal.Decimal, at time.Time) []core.Trade {
	s.last = price
	s.now = at

	ids := make([]string, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var trades []core.Trade
	for _, id := range ids {
		order := s.orders[id]
		crossed := (order.Side == core.Buy && price.Cmp(order.Price) <= 0) ||
			(order.Side == core.Sell && price.Cmp(order.Price) >= 0)
		if !crossed {
			continue
		}
		delete(s.orders, id)
		s.settle(order)
		trades = append(trades, core.Trade{
			OrderID:  order.ID,
			TradeID:  order.ID + "-1",
			ClientID: order.ClientID,
			Symbol:   order.Symbol,
			Side:     order.Side,
			Price:    order.Price,
			Qty:      order.Qty,
			Status:   core.OrderFilled,
			Time:     at,
		})
	}
	// Lower buys and higher sells fill first, mirroring how a sweep through
	// the book would cross them.
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].Price.Cmp(trades[j].Price) < 0
	})
	return trades
}

func (s *SimExchange) FeesPaid() decimal.Decimal { return s.feesPaid }

func (s *SimExchange) reserve(order core.Order) error {
	if order.Side == core.Buy {
		cost := order.Price.Mul(order.Qty)
		if s.quote.Cmp(cost) < 0 {
			return core.ErrInsufficientBalance
		}
		s.quote = s.quote.Sub(cost)
		return nil
	}
	if s.base.Cmp(order.Qty) < 0 {
		return core.ErrInsufficientBalance
	}
	s.base = s.base.Sub(order.Qty)
	return nil
}

func (s *SimExchange) release(order core.Order) {
	if order.Side == core.Buy {
		s.quote = s.quote.Add(order.Price.Mul(order.Qty))
		return
	}
	s.base = s.base.Add(order.Qty)
}

func (s *SimExchange) settle(order core.Order) {
	notional := order.Price.Mul(order.Qty)
	fee := notional.Mul(s.feeRate)
	s.feesPaid = s.feesPaid.Add(fee)
	if order.Side == core.Buy {
		s.base = s.base.Add(order.Qty)
		s.quote = s.quote.Sub(fee)
		return
	}
	s.quote = s.quote.Add(notional).Sub(fee)
}
