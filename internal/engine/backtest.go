package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"grid-engine/internal/backtest"
	"grid-engine/internal/core"
	"grid-engine/internal/strategy"
)

type BacktestResult struct {
	Ticks         int
	Trades        int
	BuyFills      int
	SellFills     int
	RealizedPnl   decimal.Decimal
	UnrealizedPnl decimal.Decimal
	EndEquity     decimal.Decimal
	MaxDrawdown   decimal.Decimal
	FeesPaid      decimal.Decimal
	Halted        bool
	HaltReason    string
	StartedAt     time.Time
	EndedAt       time.Time
}

// BacktestRunner replays a recorded tick feed through the strategy core
// against the simulated venue. Fully deterministic.
type BacktestRunner struct {
	core strategy.Strategy
	sim  *backtest.SimExchange
}

func NewBacktestRunner(core strategy.Strategy, sim *backtest.SimExchange) *BacktestRunner {
	return &BacktestRunner{core: core, sim: sim}
}

func (r *BacktestRunner) Run(ctx context.Context, ticks []backtest.Tick) (BacktestResult, error) {
	if len(ticks) == 0 {
		return BacktestResult{}, errors.New("empty tick feed")
	}
	result := BacktestResult{
		StartedAt: ticks[0].Time,
		EndedAt:   ticks[len(ticks)-1].Time,
	}

	// The first tick seeds the simulator's last price so the ladder plans
	// around a real reference.
	r.sim.Match(ticks[0].Price, ticks[0].Time)
	if err := r.core.Init(ctx, ticks[0].Price); err != nil {
		if errors.Is(err, strategy.ErrHalted) {
			return r.finish(result, err)
		}
		return result, fmt.Errorf("init: %w", err)
	}

	for _, tick := range ticks {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Ticks++

		for _, trade := range r.sim.Match(tick.Price, tick.Time) {
			if err := r.core.OnFill(ctx, trade); err != nil {
				if errors.Is(err, strategy.ErrHalted) {
					result.Trades++
					return r.finish(result, err)
				}
				return result, fmt.Errorf("fill at %s: %w", trade.Price, err)
			}
			result.Trades++
			if trade.Side == core.Buy {
				result.BuyFills++
			} else {
				result.SellFills++
			}
		}

		if err := r.core.OnTick(ctx, tick.Price, tick.Time); err != nil {
			if errors.Is(err, strategy.ErrHalted) {
				return r.finish(result, err)
			}
			return result, err
		}
	}

	return r.finish(result, nil)
}

func (r *BacktestRunner) finish(result BacktestResult, cause error) (BacktestResult, error) {
	pos := r.core.Position()
	result.RealizedPnl = pos.RealizedPnl
	result.UnrealizedPnl = pos.UnrealizedPnl
	result.EndEquity = pos.Equity
	if pos.PeakEquity.Cmp(decimal.Zero) > 0 {
		dd := pos.PeakEquity.Sub(pos.Equity)
		if dd.Cmp(decimal.Zero) > 0 {
			result.MaxDrawdown = dd.Div(pos.PeakEquity)
		}
	}
	result.FeesPaid = r.sim.FeesPaid()
	if errors.Is(cause, strategy.ErrHalted) {
		result.Halted = true
		result.HaltReason = r.core.HaltReason()
	}

	log.Info().Str("event", "backtest_finished").
		Int("ticks", result.Ticks).Int("trades", result.Trades).
		Str("realized_pnl", result.RealizedPnl.String()).
		Str("end_equity", result.EndEquity.String()).
		Str("max_drawdown", result.MaxDrawdown.String()).
		Bool("halted", result.Halted).Send()
	return result, nil
}
