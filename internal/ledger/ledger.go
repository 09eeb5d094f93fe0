package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
	"grid-engine/internal/grid"
)

// Status is the lifecycle state of the order occupying one grid level.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusPending    Status = "PENDING"
	StatusOpen       Status = "OPEN"
	StatusFilled     Status = "FILLED"
	StatusCancelling Status = "CANCELLING"
	// StatusUnknown means a place or cancel round trip timed out: the order
	// may or may not exist on the venue and the level must be reconciled
	// before any new command is issued against it.
	StatusUnknown Status = "UNKNOWN"
)

type EventKind string

const (
	EventPlace         EventKind = "place"
	EventAck           EventKind = "ack"
	EventFill          EventKind = "fill"
	EventRequeue       EventKind = "requeue"
	EventCancelRequest EventKind = "cancel_request"
	EventCancelAck     EventKind = "cancel_ack"
	EventAckTimeout    EventKind = "ack_timeout"
	EventReject        EventKind = "reject"
)

type Event struct {
	Kind      EventKind
	Side      core.Side
	OrderID   string
	ClientID  string
	FillPrice decimal.Decimal
	FillQty   decimal.Decimal
	At        time.Time
}

// LevelState is the mutable per-level record. The ledger is its sole writer.
type LevelState struct {
	LevelIndex    int
	Status        Status
	Side          core.Side
	OrderID       string
	ClientOrderID string
	LastFillPrice decimal.Decimal
	LastFillQty   decimal.Decimal
	UpdatedAt     time.Time
}

// Active reports whether the level has an in-flight or resting command.
func (s LevelState) Active() bool {
	switch s.Status {
	case StatusPending, StatusOpen, StatusCancelling, StatusUnknown:
		return true
	default:
		return false
	}
}

var (
	ErrUnknownLevel = errors.New("unknown grid level")
	// ErrOrderAlreadyActive guards the single in-flight command per level
	// invariant: a second placement while one is Pending/Open is a bug in the
	// caller, not a venue condition.
	ErrOrderAlreadyActive = errors.New("order already active at level")
)

// InvalidTransitionError marks a protocol violation: a venue event that is
// not legal for the level's current state (duplicate fill, out-of-order ack).
// The offending event is dropped by the caller; state is left untouched.
type InvalidTransitionError struct {
	LevelIndex int
	From       Status
	Event      EventKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition at level %d: %s on %s", e.LevelIndex, e.Event, e.From)
}

// Ledger owns the level-index -> order-state mapping. Not safe for concurrent
// use: the strategy event loop is its only caller.
type Ledger struct {
	levels    map[int]*LevelState
	indexes   []int
	byOrderID map[string]int
}

func New(levels []grid.Level) *Ledger {
	l := &Ledger{
		levels:    make(map[int]*LevelState, len(levels)),
		indexes:   make([]int, 0, len(levels)),
		byOrderID: make(map[string]int),
	}
	for _, lv := range levels {
		l.levels[lv.Index] = &LevelState{
			LevelIndex: lv.Index,
			Status:     StatusIdle,
			Side:       lv.Side,
		}
		l.indexes = append(l.indexes, lv.Index)
	}
	sort.Ints(l.indexes)
	return l
}

// Transition applies one event to one level and returns the resulting state.
// Illegal events fail with *InvalidTransitionError and leave the level
// unchanged.
func (l *Ledger) Transition(idx int, ev Event) (LevelState, error) {
	st, ok := l.levels[idx]
	if !ok {
		return LevelState{}, fmt.Errorf("%w: %d", ErrUnknownLevel, idx)
	}
	next, err := nextStatus(st.Status, ev.Kind)
	if err != nil {
		if errors.Is(err, ErrOrderAlreadyActive) {
			return *st, fmt.Errorf("%w: level %d is %s", ErrOrderAlreadyActive, idx, st.Status)
		}
		return *st, &InvalidTransitionError{LevelIndex: idx, From: st.Status, Event: ev.Kind}
	}

	switch ev.Kind {
	case EventPlace:
		st.Side = ev.Side
		st.ClientOrderID = ev.ClientID
		st.OrderID = ""
	case EventAck:
		l.bindOrder(st, ev.OrderID)
	case EventFill:
		if ev.OrderID != "" && st.OrderID == "" {
			l.bindOrder(st, ev.OrderID)
		}
		st.LastFillPrice = ev.FillPrice
		st.LastFillQty = ev.FillQty
	case EventRequeue, EventCancelAck, EventReject:
		l.unbindOrder(st)
		st.ClientOrderID = ""
	}
	st.Status = next
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	st.UpdatedAt = at
	return *st, nil
}

func nextStatus(from Status, kind EventKind) (Status, error) {
	switch kind {
	case EventPlace:
		if from == StatusIdle {
			return StatusPending, nil
		}
		if from == StatusPending || from == StatusOpen || from == StatusCancelling || from == StatusUnknown {
			return from, ErrOrderAlreadyActive
		}
	case EventAck:
		// Ack also resolves an Unknown level confirmed still open on the venue.
		if from == StatusPending || from == StatusUnknown {
			return StatusOpen, nil
		}
	case EventFill:
		// Pending is legal: a fill notification can outrun the placement ack.
		// Cancelling is legal: the cancel raced the fill and lost.
		switch from {
		case StatusOpen, StatusPending, StatusCancelling, StatusUnknown:
			return StatusFilled, nil
		}
	case EventRequeue:
		if from == StatusFilled {
			return StatusIdle, nil
		}
	case EventCancelRequest:
		if from == StatusOpen {
			return StatusCancelling, nil
		}
	case EventCancelAck:
		// Unknown resolved as not-on-venue comes back through cancel ack.
		if from == StatusCancelling || from == StatusUnknown {
			return StatusIdle, nil
		}
	case EventAckTimeout:
		if from == StatusPending || from == StatusCancelling {
			return StatusUnknown, nil
		}
	case EventReject:
		// Placement definitively refused before resting: the level is free again.
		if from == StatusPending {
			return StatusIdle, nil
		}
	}
	return from, &InvalidTransitionError{From: from, Event: kind}
}

func (l *Ledger) bindOrder(st *LevelState, orderID string) {
	if orderID == "" {
		return
	}
	if st.OrderID != "" {
		delete(l.byOrderID, st.OrderID)
	}
	st.OrderID = orderID
	l.byOrderID[orderID] = st.LevelIndex
}

func (l *Ledger) unbindOrder(st *LevelState) {
	if st.OrderID != "" {
		delete(l.byOrderID, st.OrderID)
		st.OrderID = ""
	}
}

// Get returns a copy of one level's state.
func (l *Ledger) Get(idx int) (LevelState, bool) {
	st, ok := l.levels[idx]
	if !ok {
		return LevelState{}, false
	}
	return *st, true
}

// LevelForOrder maps a venue order id back to its grid level.
func (l *Ledger) LevelForOrder(orderID string) (int, bool) {
	idx, ok := l.byOrderID[orderID]
	return idx, ok
}

// Snapshot returns copies of every level state keyed by level index.
func (l *Ledger) Snapshot() map[int]LevelState {
	out := make(map[int]LevelState, len(l.levels))
	for idx, st := range l.levels {
		out[idx] = *st
	}
	return out
}

// Working returns levels with a live venue order (Open or Cancelling), in
// ascending level order.
func (l *Ledger) Working() []LevelState {
	out := make([]LevelState, 0, len(l.levels))
	for _, idx := range l.indexes {
		st := l.levels[idx]
		if st.Status == StatusOpen || st.Status == StatusCancelling {
			out = append(out, *st)
		}
	}
	return out
}

// Unresolved returns levels stuck in Unknown, oldest first.
func (l *Ledger) Unresolved() []LevelState {
	out := make([]LevelState, 0)
	for _, idx := range l.indexes {
		st := l.levels[idx]
		if st.Status == StatusUnknown {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}
