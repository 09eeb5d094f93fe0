package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
	"grid-engine/internal/grid"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLevels(t *testing.T) []grid.Level {
	t.Helper()
	levels, err := grid.ComputeLevels(grid.Spec{
		Lower:        d("40000"),
		Upper:        d("50000"),
		Levels:       5,
		TotalCapital: d("10000"),
	}, d("45000"))
	if err != nil {
		t.Fatalf("ComputeLevels() error = %v", err)
	}
	return levels
}

func TestOrderLifecycle(t *testing.T) {
	l := New(testLevels(t))

	st, err := l.Transition(1, Event{Kind: EventPlace, Side: core.Buy, ClientID: "c-1"})
	if err != nil {
		t.Fatalf("place error = %v", err)
	}
	if st.Status != StatusPending {
		t.Fatalf("status after place = %s, want %s", st.Status, StatusPending)
	}

	st, err = l.Transition(1, Event{Kind: EventAck, OrderID: "o-1"})
	if err != nil {
		t.Fatalf("ack error = %v", err)
	}
	if st.Status != StatusOpen || st.OrderID != "o-1" {
		t.Fatalf("after ack: status=%s order=%s", st.Status, st.OrderID)
	}
	if idx, ok := l.LevelForOrder("o-1"); !ok || idx != 1 {
		t.Fatalf("LevelForOrder(o-1) = %d, %v", idx, ok)
	}

	st, err = l.Transition(1, Event{Kind: EventFill, OrderID: "o-1", FillPrice: d("42500"), FillQty: d("0.1"), At: time.Now()})
	if err != nil {
		t.Fatalf("fill error = %v", err)
	}
	if st.Status != StatusFilled {
		t.Fatalf("status after fill = %s", st.Status)
	}

	st, err = l.Transition(1, Event{Kind: EventRequeue})
	if err != nil {
		t.Fatalf("requeue error = %v", err)
	}
	if st.Status != StatusIdle || st.OrderID != "" {
		t.Fatalf("after requeue: status=%s order=%q", st.Status, st.OrderID)
	}
	if _, ok := l.LevelForOrder("o-1"); ok {
		t.Fatal("order binding should be released on requeue")
	}
}

func TestSingleInFlightCommandPerLevel(t *testing.T) {
	l := New(testLevels(t))

	if _, err := l.Transition(0, Event{Kind: EventPlace, Side: core.Buy}); err != nil {
		t.Fatalf("first place error = %v", err)
	}
	_, err := l.Transition(0, Event{Kind: EventPlace, Side: core.Buy})
	if !errors.Is(err, ErrOrderAlreadyActive) {
		t.Fatalf("second place error = %v, want ErrOrderAlreadyActive", err)
	}
}

func TestDuplicateFillIsInvalidTransition(t *testing.T) {
	l := New(testLevels(t))
	mustTransition(t, l, 1, Event{Kind: EventPlace, Side: core.Buy})
	mustTransition(t, l, 1, Event{Kind: EventAck, OrderID: "o-1"})
	mustTransition(t, l, 1, Event{Kind: EventFill, OrderID: "o-1"})
	mustTransition(t, l, 1, Event{Kind: EventRequeue})

	_, err := l.Transition(1, Event{Kind: EventFill, OrderID: "o-1"})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("replayed fill error = %v, want InvalidTransitionError", err)
	}
	if invalid.From != StatusIdle {
		t.Fatalf("invalid.From = %s, want %s", invalid.From, StatusIdle)
	}

	// The level stays usable after the rejected event.
	if _, err := l.Transition(1, Event{Kind: EventPlace, Side: core.Buy}); err != nil {
		t.Fatalf("place after dropped fill error = %v", err)
	}
}

func TestAckTimeoutLeavesLevelUnknown(t *testing.T) {
	l := New(testLevels(t))
	mustTransition(t, l, 2, Event{Kind: EventPlace, Side: core.Buy})

	st, err := l.Transition(2, Event{Kind: EventAckTimeout})
	if err != nil {
		t.Fatalf("ack timeout error = %v", err)
	}
	if st.Status != StatusUnknown {
		t.Fatalf("status = %s, want %s", st.Status, StatusUnknown)
	}

	unresolved := l.Unresolved()
	if len(unresolved) != 1 || unresolved[0].LevelIndex != 2 {
		t.Fatalf("Unresolved() = %+v", unresolved)
	}

	// A late ack still lands.
	st, err = l.Transition(2, Event{Kind: EventAck, OrderID: "o-9"})
	if err != nil {
		t.Fatalf("late ack error = %v", err)
	}
	if st.Status != StatusOpen {
		t.Fatalf("status after late ack = %s", st.Status)
	}
}

func TestCancelFlow(t *testing.T) {
	l := New(testLevels(t))
	mustTransition(t, l, 3, Event{Kind: EventPlace, Side: core.Sell})
	mustTransition(t, l, 3, Event{Kind: EventAck, OrderID: "o-3"})
	mustTransition(t, l, 3, Event{Kind: EventCancelRequest})

	working := l.Working()
	if len(working) != 1 || working[0].Status != StatusCancelling {
		t.Fatalf("Working() = %+v", working)
	}

	st, err := l.Transition(3, Event{Kind: EventCancelAck})
	if err != nil {
		t.Fatalf("cancel ack error = %v", err)
	}
	if st.Status != StatusIdle || st.OrderID != "" {
		t.Fatalf("after cancel ack: status=%s order=%q", st.Status, st.OrderID)
	}

	// A fill that raced the cancel wins over it.
	mustTransition(t, l, 3, Event{Kind: EventPlace, Side: core.Sell})
	mustTransition(t, l, 3, Event{Kind: EventAck, OrderID: "o-4"})
	mustTransition(t, l, 3, Event{Kind: EventCancelRequest})
	st, err = l.Transition(3, Event{Kind: EventFill, OrderID: "o-4"})
	if err != nil {
		t.Fatalf("fill during cancel error = %v", err)
	}
	if st.Status != StatusFilled {
		t.Fatalf("status = %s, want %s", st.Status, StatusFilled)
	}
}

func TestRejectReturnsLevelToIdle(t *testing.T) {
	l := New(testLevels(t))
	mustTransition(t, l, 0, Event{Kind: EventPlace, Side: core.Buy, ClientID: "c-0"})

	st, err := l.Transition(0, Event{Kind: EventReject})
	if err != nil {
		t.Fatalf("reject error = %v", err)
	}
	if st.Status != StatusIdle || st.ClientOrderID != "" {
		t.Fatalf("after reject: status=%s client=%q", st.Status, st.ClientOrderID)
	}
}

func TestUnknownLevel(t *testing.T) {
	l := New(testLevels(t))
	if _, err := l.Transition(99, Event{Kind: EventPlace}); !errors.Is(err, ErrUnknownLevel) {
		t.Fatalf("error = %v, want ErrUnknownLevel", err)
	}
}

func mustTransition(t *testing.T, l *Ledger, idx int, ev Event) {
	t.Helper()
	if _, err := l.Transition(idx, ev); err != nil {
		t.Fatalf("Transition(%d, %s) error = %v", idx, ev.Kind, err)
	}
}
