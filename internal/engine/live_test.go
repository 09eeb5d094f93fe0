package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/backtest"
	"grid-engine/internal/core"
	"grid-engine/internal/grid"
	"grid-engine/internal/risk"
	"grid-engine/internal/store"
	"grid-engine/internal/strategy"
)

type feedSession func(ctx context.Context, onFill func(core.Trade), onTick func(decimal.Decimal, time.Time)) error

// scriptedFeed plays one scripted session per connection attempt. Attempts
// beyond the script behave like a healthy stream and block until ctx ends.
type scriptedFeed struct {
	mu       sync.Mutex
	sessions []feedSession
	started  int
}

func (f *scriptedFeed) Run(ctx context.Context, onFill func(core.Trade), onTick func(decimal.Decimal, time.Time)) error {
	f.mu.Lock()
	idx := f.started
	f.started++
	f.mu.Unlock()
	if idx >= len(f.sessions) {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.sessions[idx](ctx, onFill, onTick)
}

func (f *scriptedFeed) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// eventCapture records every strategy event and lets a feed session wait for
// a specific order event before touching the simulator again.
type eventCapture struct {
	mu     sync.Mutex
	events []strategy.Event
	ch     chan strategy.Event
}

func newEventCapture() *eventCapture {
	return &eventCapture{ch: make(chan strategy.Event, 256)}
}

func (c *eventCapture) Publish(ev strategy.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.ch <- ev:
	default:
	}
}

func (c *eventCapture) awaitOrder(typ strategy.EventType, side core.Side, price string) bool {
	target := d(price)
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case ev := <-c.ch:
			if ev.Type == typ && ev.Side == side && ev.Price.Equal(target) {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}

func (c *eventCapture) count(typ strategy.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type liveFixture struct {
	runner *LiveRunner
	core   *strategy.GridCore
	sim    *backtest.SimExchange
	st     *store.Store
	events *eventCapture
}

func newLiveFixture(t *testing.T, limits risk.Limits, feed Feed) *liveFixture {
	t.Helper()
	sim := backtest.NewSimExchange(backtest.SimConfig{
		Symbol:       "BTCUSDT",
		FeeRate:      d("0.001"),
		BaseBalance:  d("1"),
		QuoteBalance: d("100000"),
	})
	// Seed the reference price the bootstrap plans the ladder around.
	sim.Match(d("45000"), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	events := newEventCapture()
	gridCore, err := strategy.NewGridCore(strategy.Config{
		Symbol: "BTCUSDT",
		Grid: grid.Spec{
			Lower:        d("40000"),
			Upper:        d("50000"),
			Levels:       5,
			Spacing:      grid.SpacingArithmetic,
			TotalCapital: d("10000"),
			ReserveRatio: d("0.1"),
		},
		Limits: limits,
	}, sim, st, events, nil)
	if err != nil {
		t.Fatalf("NewGridCore() error = %v", err)
	}
	runner := NewLiveRunner(LiveConfig{
		Mode:           "testnet",
		Symbol:         "BTCUSDT",
		InstanceID:     "itest",
		ResyncInterval: time.Hour,
		MaxBackoff:     time.Second,
	}, sim, feed, gridCore, st, nil)
	return &liveFixture{runner: runner, core: gridCore, sim: sim, st: st, events: events}
}

func (f *liveFixture) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not return")
		return nil
	}
}

func TestLiveRunnerRefusesHaltedSnapshot(t *testing.T) {
	feed := &scriptedFeed{}
	f := newLiveFixture(t, risk.Limits{}, feed)
	if err := f.st.SaveState(store.StrategyState{
		Strategy:   "grid",
		Symbol:     "BTCUSDT",
		State:      string(strategy.StateHalted),
		HaltReason: string(risk.ReasonMaxDrawdown),
	}); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	err := f.runner.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "halted") {
		t.Fatalf("Run() error = %v, want a halted-snapshot refusal", err)
	}
	if got := feed.runs(); got != 0 {
		t.Fatalf("feed sessions = %d, want 0", got)
	}
	open, _ := f.sim.OpenOrders(context.Background(), "BTCUSDT")
	if len(open) != 0 {
		t.Fatalf("orders placed despite the refusal: %+v", open)
	}
}

func TestLiveRunnerHaltsWhenFillBreachesStopLoss(t *testing.T) {
	feed := &scriptedFeed{}
	var f *liveFixture
	base := time.Date(2024, 6, 1, 0, 1, 0, 0, time.UTC)
	feed.sessions = []feedSession{
		func(ctx context.Context, onFill func(core.Trade), _ func(decimal.Decimal, time.Time)) error {
			for _, tr := range f.sim.Match(d("42400"), base) {
				onFill(tr)
			}
			// The reciprocal sell confirms the first fill fully processed
			// before the simulator is touched again.
			if !f.events.awaitOrder(strategy.EventOrderPlaced, core.Sell, "45000") {
				return errors.New("reciprocal sell never placed")
			}
			for _, tr := range f.sim.Match(d("39500"), base.Add(time.Minute)) {
				onFill(tr)
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	f = newLiveFixture(t, risk.Limits{StopLossPct: d("0.001")}, feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := waitDone(t, f.start(ctx))
	if !errors.Is(err, strategy.ErrHalted) {
		t.Fatalf("Run() error = %v, want %v", err, strategy.ErrHalted)
	}
	if f.core.State() != strategy.StateHalted {
		t.Fatalf("state = %s, want %s", f.core.State(), strategy.StateHalted)
	}
	if f.core.HaltReason() != string(risk.ReasonStopLoss) {
		t.Fatalf("HaltReason = %q, want %q", f.core.HaltReason(), risk.ReasonStopLoss)
	}
	status, ok, err := f.st.LoadRuntimeStatus()
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() = %v, %v", ok, err)
	}
	if status.State != "halted" {
		t.Fatalf("runtime status = %q, want halted", status.State)
	}
	open, _ := f.sim.OpenOrders(context.Background(), "BTCUSDT")
	if len(open) != 0 {
		t.Fatalf("open orders after halt = %+v", open)
	}
}

func TestLiveRunnerFiltersDuplicateFills(t *testing.T) {
	feed := &scriptedFeed{}
	var f *liveFixture
	var cancelRun context.CancelFunc
	var firstKey string
	base := time.Date(2024, 6, 1, 0, 1, 0, 0, time.UTC)
	feed.sessions = []feedSession{
		func(ctx context.Context, onFill func(core.Trade), _ func(decimal.Decimal, time.Time)) error {
			trades := f.sim.Match(d("42400"), base)
			if len(trades) != 1 {
				return fmt.Errorf("fills at 42400 = %d, want 1", len(trades))
			}
			firstKey = tradeKey(trades[0])
			onFill(trades[0])
			if !f.events.awaitOrder(strategy.EventOrderPlaced, core.Sell, "45000") {
				return errors.New("reciprocal sell never placed")
			}
			// The venue replays the same execution report after the runner
			// already applied it.
			onFill(trades[0])
			for _, tr := range f.sim.Match(d("45100"), base.Add(time.Minute)) {
				onFill(tr)
			}
			if !f.events.awaitOrder(strategy.EventOrderPlaced, core.Buy, "42500") {
				return errors.New("reciprocal buy never placed")
			}
			cancelRun()
			<-ctx.Done()
			return ctx.Err()
		},
	}
	f = newLiveFixture(t, risk.Limits{}, feed)

	ctx, cancel := context.WithCancel(context.Background())
	cancelRun = cancel
	defer cancel()
	if err := waitDone(t, f.start(ctx)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Fills arrive in order on one channel, so processing the 45000 sell
	// proves the replayed report was examined and skipped before it.
	if got := f.events.count(strategy.EventFillProcessed); got != 2 {
		t.Fatalf("fills processed = %d, want 2", got)
	}
	if got := f.events.count(strategy.EventDropped); got != 0 {
		t.Fatalf("dropped events = %d, want 0", got)
	}
	if ok, err := f.st.HasTradeLedgerKey(firstKey); err != nil || !ok {
		t.Fatalf("HasTradeLedgerKey(%q) = %v, %v, want true", firstKey, ok, err)
	}
	if pnl := f.core.Position().RealizedPnl; pnl.Cmp(decimal.Zero) <= 0 {
		t.Fatalf("RealizedPnl = %s, want > 0 after the round trip", pnl)
	}
	status, ok, _ := f.st.LoadRuntimeStatus()
	if !ok || status.State != "stopped" {
		t.Fatalf("runtime status = %+v, want stopped", status)
	}
}

func TestLiveRunnerResyncsAfterDisconnect(t *testing.T) {
	feed := &scriptedFeed{}
	var f *liveFixture
	reopened := make(chan int, 1)
	feed.sessions = []feedSession{
		func(ctx context.Context, _ func(core.Trade), _ func(decimal.Decimal, time.Time)) error {
			// The venue cancels the lowest buy behind the stream's back, then
			// the connection drops.
			open, err := f.sim.OpenOrders(ctx, "BTCUSDT")
			if err != nil {
				return err
			}
			for _, o := range open {
				if o.Side == core.Buy && o.Price.Equal(d("40000")) {
					if err := f.sim.CancelOrder(ctx, "BTCUSDT", o.ID); err != nil {
						return err
					}
				}
			}
			return errors.New("stream lost")
		},
		func(ctx context.Context, _ func(core.Trade), _ func(decimal.Decimal, time.Time)) error {
			open, err := f.sim.OpenOrders(ctx, "BTCUSDT")
			if err != nil {
				return err
			}
			reopened <- len(open)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	f = newLiveFixture(t, risk.Limits{}, feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(ctx)

	select {
	case n := <-reopened:
		// The resync between sessions re-armed the cancelled 40000 rung.
		if n != 4 {
			t.Errorf("open orders after resync = %d, want 4", n)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("second stream session never started")
	}
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := feed.runs(); got != 2 {
		t.Fatalf("feed sessions = %d, want 2", got)
	}
	status, ok, _ := f.st.LoadRuntimeStatus()
	if !ok || status.State != "stopped" {
		t.Fatalf("runtime status = %+v, want stopped", status)
	}
}

func TestTradeKey(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	cases := []struct {
		name  string
		trade core.Trade
		want  string
	}{
		{
			name:  "trade id wins",
			trade: core.Trade{Symbol: "BTCUSDT", TradeID: "t-1", OrderID: "o-1", Time: at},
			want:  "BTCUSDT:t-1",
		},
		{
			name:  "falls back to order id and time",
			trade: core.Trade{Symbol: "BTCUSDT", OrderID: "o-1", Time: at},
			want:  "BTCUSDT:o-1:2026-03-14T09:30:00Z",
		},
		{
			name:  "no identity",
			trade: core.Trade{Symbol: "BTCUSDT", Time: at},
			want:  "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tradeKey(tc.trade); got != tc.want {
				t.Fatalf("tradeKey() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReconnectBackoff(t *testing.T) {
	limit := time.Minute
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{20, time.Minute},
	}
	for _, tc := range cases {
		if got := reconnectBackoff(tc.attempt, limit); got != tc.want {
			t.Fatalf("reconnectBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestSeenTrackerEvictsOldest(t *testing.T) {
	tr := newSeenTracker(2)

	tr.Add("a")
	tr.Add("b")
	tr.Add("a") // duplicate must not evict anything
	if !tr.Has("a") || !tr.Has("b") {
		t.Fatal("tracker lost a key below capacity")
	}

	tr.Add("c")
	if tr.Has("a") {
		t.Fatal("oldest key survived past capacity")
	}
	if !tr.Has("b") || !tr.Has("c") {
		t.Fatal("tracker evicted the wrong key")
	}
}

func TestLiveConfigDefaults(t *testing.T) {
	cfg := LiveConfig{Mode: "testnet", Symbol: "BTCUSDT"}
	cfg.applyDefaults()

	if cfg.ResyncInterval != 5*time.Minute {
		t.Fatalf("ResyncInterval = %v, want 5m", cfg.ResyncInterval)
	}
	if cfg.TickInterval != 2*time.Second {
		t.Fatalf("TickInterval = %v, want 2s", cfg.TickInterval)
	}
	if cfg.MaxBackoff != time.Minute {
		t.Fatalf("MaxBackoff = %v, want 1m", cfg.MaxBackoff)
	}
}

func TestPositionFromState(t *testing.T) {
	state := store.StrategyState{
		Position: store.PositionState{
			NetQty:        decimal.NewFromFloat(0.042),
			AvgEntryPrice: decimal.NewFromInt(42500),
			RealizedPnl:   decimal.NewFromInt(12),
			MarkPrice:     decimal.NewFromInt(43000),
			PeakEquity:    decimal.NewFromInt(10100),
		},
	}
	snap := positionFromState(state)
	if !snap.NetQty.Equal(decimal.NewFromFloat(0.042)) {
		t.Fatalf("NetQty = %s, want 0.042", snap.NetQty)
	}
	if !snap.PeakEquity.Equal(decimal.NewFromInt(10100)) {
		t.Fatalf("PeakEquity = %s, want 10100", snap.PeakEquity)
	}
}
