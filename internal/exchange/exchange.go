package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

// Exchange is the execution adapter boundary. The strategy core never
// constructs one; runners inject a live or simulated implementation.
type Exchange interface {
	Name() string
	GetRules(ctx context.Context, symbol string) (core.Rules, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	Balances(ctx context.Context) (core.Balance, error)
}
