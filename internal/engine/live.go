package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"grid-engine/internal/alert"
	"grid-engine/internal/core"
	"grid-engine/internal/exchange"
	"grid-engine/internal/risk"
	"grid-engine/internal/store"
	"grid-engine/internal/strategy"
)

// Feed is one streaming connection to the venue. Run blocks for the life of
// the connection, invoking the callbacks from its read loop, and returns when
// the connection drops or ctx ends.
type Feed interface {
	Run(ctx context.Context, onFill func(core.Trade), onTick func(decimal.Decimal, time.Time)) error
}

type LiveConfig struct {
	Mode           string
	Symbol         string
	InstanceID     string
	ResyncInterval time.Duration
	TickInterval   time.Duration
	MaxBackoff     time.Duration
}

func (c *LiveConfig) applyDefaults() {
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 5 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
}

// LiveRunner owns the event loop for one live strategy instance: stream
// events in, strategy commands out, periodic venue resync as the recovery
// path for anything the stream missed.
type LiveRunner struct {
	cfg     LiveConfig
	ex      exchange.Exchange
	feed    Feed
	core    strategy.Reconciler
	st      *store.Store
	alerter alert.Alerter

	seen      *seenTracker
	startedAt time.Time
}

func NewLiveRunner(cfg LiveConfig, ex exchange.Exchange, feed Feed, gridCore strategy.Reconciler, st *store.Store, alerter alert.Alerter) *LiveRunner {
	cfg.applyDefaults()
	if alerter == nil {
		alerter = alert.NopAlerter{}
	}
	return &LiveRunner{
		cfg:     cfg,
		ex:      ex,
		feed:    feed,
		core:    gridCore,
		st:      st,
		alerter: alerter,
		seen:    newSeenTracker(4096),
	}
}

func (r *LiveRunner) Run(ctx context.Context) error {
	r.startedAt = time.Now().UTC()
	if err := r.bootstrap(ctx); err != nil {
		return err
	}

	fills := make(chan core.Trade, 256)
	ticks := make(chan tickEvent, 64)
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return r.shutdown()
		}

		feedErr := make(chan error, 1)
		feedCtx, cancelFeed := context.WithCancel(ctx)
		go func() {
			feedErr <- r.feed.Run(feedCtx,
				func(t core.Trade) {
					select {
					case fills <- t:
					case <-feedCtx.Done():
					}
				},
				func(p decimal.Decimal, at time.Time) {
					select {
					case ticks <- tickEvent{price: p, at: at}:
					default:
						// Ticks are idempotent marks; dropping under
						// backpressure is safe.
					}
				})
		}()

		err := r.eventLoop(ctx, fills, ticks, feedErr)
		cancelFeed()
		<-drainFeedErr(feedErr)

		switch {
		case errors.Is(err, strategy.ErrHalted):
			r.persistStatus("halted", "")
			return err
		case errors.Is(err, context.Canceled), ctx.Err() != nil:
			return r.shutdown()
		}

		attempts++
		backoff := reconnectBackoff(attempts, r.cfg.MaxBackoff)
		log.Warn().Str("event", "stream_disconnected").Int("attempt", attempts).
			Dur("backoff", backoff).Err(err).Send()
		r.persistDisconnected(err, attempts)
		if attempts == 1 {
			r.alerter.Alert(alert.SeverityWarning, "stream disconnected",
				fmt.Sprintf("%s: %v", r.cfg.Symbol, err))
		}

		select {
		case <-ctx.Done():
			return r.shutdown()
		case <-time.After(backoff):
		}

		if err := r.resync(ctx); err != nil {
			if errors.Is(err, strategy.ErrHalted) {
				return err
			}
			log.Warn().Str("event", "resync_failed").Err(err).Send()
			continue
		}
		attempts = 0
		r.persistStatus("running", "")
	}
}

func (r *LiveRunner) bootstrap(ctx context.Context) error {
	price, err := r.ex.TickerPrice(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("ticker price: %w", err)
	}

	if state, ok, err := r.st.LoadState(); err != nil {
		return fmt.Errorf("load state: %w", err)
	} else if ok {
		if state.State == string(strategy.StateHalted) {
			return fmt.Errorf("persisted state is halted (%s); refusing to trade", state.HaltReason)
		}
		r.core.RestorePosition(positionFromState(state))
		log.Info().Str("event", "state_restored").Str("symbol", state.Symbol).
			Str("net_qty", state.Position.NetQty.String()).Send()
	}

	open, err := r.ex.OpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	if err := r.core.Reconcile(ctx, price, open); err != nil {
		return err
	}
	r.persistStatus("running", "")
	log.Info().Str("event", "live_started").Str("mode", r.cfg.Mode).
		Str("symbol", r.cfg.Symbol).Str("price", price.String()).Send()
	return nil
}

func (r *LiveRunner) eventLoop(ctx context.Context, fills <-chan core.Trade, ticks <-chan tickEvent, feedErr <-chan error) error {
	resync := time.NewTicker(r.cfg.ResyncInterval)
	defer resync.Stop()
	status := time.NewTicker(30 * time.Second)
	defer status.Stop()

	var lastTickAt time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-feedErr:
			if err == nil {
				err = errors.New("stream closed")
			}
			return err

		case trade := <-fills:
			if trade.Symbol != "" && !strings.EqualFold(trade.Symbol, r.cfg.Symbol) {
				continue
			}
			if r.isDuplicate(trade) {
				log.Debug().Str("event", "fill_duplicate").Str("trade_id", trade.TradeID).Send()
				continue
			}
			if err := r.core.OnFill(ctx, trade); err != nil {
				return err
			}
			r.recordSeen(trade)

		case tick := <-ticks:
			if tick.at.Sub(lastTickAt) < r.cfg.TickInterval {
				continue
			}
			lastTickAt = tick.at
			if err := r.core.OnTick(ctx, tick.price, tick.at); err != nil {
				return err
			}

		case <-resync.C:
			if err := r.resync(ctx); err != nil {
				if errors.Is(err, strategy.ErrHalted) {
					return err
				}
				log.Warn().Str("event", "resync_failed").Err(err).Send()
			}

		case <-status.C:
			r.persistStatus("running", "")
		}
	}
}

// resync re-reads venue truth and rebuilds the ledger against it. This is the
// catch-all for fills and cancels the stream missed.
func (r *LiveRunner) resync(ctx context.Context) error {
	price, err := r.ex.TickerPrice(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("ticker price: %w", err)
	}
	open, err := r.ex.OpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	return r.core.Reconcile(ctx, price, open)
}

func (r *LiveRunner) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := r.core.Stop(ctx)
	r.persistStatus("stopped", "")
	log.Info().Str("event", "live_stopped").Str("symbol", r.cfg.Symbol).Send()
	return err
}

func (r *LiveRunner) isDuplicate(trade core.Trade) bool {
	key := tradeKey(trade)
	if key == "" {
		return false
	}
	if r.seen.Has(key) {
		return true
	}
	ok, err := r.st.HasTradeLedgerKey(key)
	if err != nil {
		log.Warn().Str("event", "trade_ledger_read_failed").Err(err).Send()
		return false
	}
	return ok
}

func (r *LiveRunner) recordSeen(trade core.Trade) {
	key := tradeKey(trade)
	if key == "" {
		return
	}
	r.seen.Add(key)
	if err := r.st.RecordTradeLedgerKey(key, trade.Time); err != nil {
		log.Warn().Str("event", "trade_ledger_write_failed").Err(err).Send()
	}
}

func (r *LiveRunner) persistStatus(state, lastErr string) {
	status := store.RuntimeStatus{
		Mode:       r.cfg.Mode,
		Symbol:     r.cfg.Symbol,
		InstanceID: r.cfg.InstanceID,
		PID:        pid(),
		State:      state,
		StartedAt:  r.startedAt,
		LastError:  lastErr,
	}
	if err := r.st.SaveRuntimeStatus(status); err != nil {
		log.Warn().Str("event", "runtime_status_failed").Err(err).Send()
	}
}

func (r *LiveRunner) persistDisconnected(cause error, attempts int) {
	now := time.Now().UTC()
	status := store.RuntimeStatus{
		Mode:              r.cfg.Mode,
		Symbol:            r.cfg.Symbol,
		InstanceID:        r.cfg.InstanceID,
		PID:               pid(),
		State:             "reconnecting",
		StartedAt:         r.startedAt,
		LastError:         cause.Error(),
		ReconnectAttempts: attempts,
		DisconnectedAt:    &now,
	}
	if err := r.st.SaveRuntimeStatus(status); err != nil {
		log.Warn().Str("event", "runtime_status_failed").Err(err).Send()
	}
}

type tickEvent struct {
	price decimal.Decimal
	at    time.Time
}

func tradeKey(trade core.Trade) string {
	if trade.TradeID != "" {
		return trade.Symbol + ":" + trade.TradeID
	}
	if trade.OrderID != "" {
		return trade.Symbol + ":" + trade.OrderID + ":" + trade.Time.UTC().Format(time.RFC3339Nano)
	}
	return ""
}

func reconnectBackoff(attempt int, limit time.Duration) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

func drainFeedErr(ch <-chan error) <-chan error {
	out := make(chan error, 1)
	go func() {
		out <- <-ch
	}()
	return out
}

// seenTracker is a bounded in-memory dedup set for stream execution reports.
type seenTracker struct {
	cap   int
	order []string
	set   map[string]struct{}
}

func newSeenTracker(capacity int) *seenTracker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &seenTracker{cap: capacity, set: make(map[string]struct{}, capacity)}
}

func (t *seenTracker) Has(key string) bool {
	_, ok := t.set[key]
	return ok
}

func (t *seenTracker) Add(key string) {
	if _, ok := t.set[key]; ok {
		return
	}
	t.set[key] = struct{}{}
	t.order = append(t.order, key)
	if len(t.order) > t.cap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.set, oldest)
	}
}

func positionFromState(state store.StrategyState) risk.Snapshot {
	return risk.Snapshot{
		NetQty:        state.Position.NetQty,
		AvgEntryPrice: state.Position.AvgEntryPrice,
		RealizedPnl:   state.Position.RealizedPnl,
		MarkPrice:     state.Position.MarkPrice,
		PeakEquity:    state.Position.PeakEquity,
	}
}

func pid() int { return os.Getpid() }
