package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
	"grid-engine/internal/risk"
)

// Strategy is the surface a runner drives: lifecycle, executions and marks
// in, state and position out.
type Strategy interface {
	Init(ctx context.Context, price decimal.Decimal) error
	OnFill(ctx context.Context, trade core.Trade) error
	OnTick(ctx context.Context, price decimal.Decimal, at time.Time) error
	Stop(ctx context.Context) error
	State() State
	HaltReason() string
	Position() risk.Snapshot
}

// Reconciler extends Strategy for runners that restore persisted state and
// rebuild the order ledger from venue truth.
type Reconciler interface {
	Strategy
	RestorePosition(risk.Snapshot)
	Reconcile(ctx context.Context, price decimal.Decimal, openOrders []core.Order) error
}

var _ Reconciler = (*GridCore)(nil)

// ErrHalted marks a terminal risk-triggered stop: all working orders are
// cancelled and nothing restarts without operator intervention.
var ErrHalted = errors.New("strategy halted")

// ErrStopped marks a graceful shutdown.
var ErrStopped = errors.New("strategy stopped")
