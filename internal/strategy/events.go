package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

// EventType enumerates the structured event stream the core emits for
// external logging and alerting collaborators.
type EventType string

const (
	EventOrderPlaced       EventType = "order_placed"
	EventOrderCancelled    EventType = "order_cancelled"
	EventFillProcessed     EventType = "fill_processed"
	EventRiskBlocked       EventType = "risk_blocked"
	EventHalted            EventType = "halted"
	EventBoundaryExhausted EventType = "boundary_exhausted"
	EventReconciled        EventType = "reconciled"
	EventDropped           EventType = "event_dropped"
)

type Event struct {
	Type       EventType
	Symbol     string
	LevelIndex int
	Side       core.Side
	Price      decimal.Decimal
	Qty        decimal.Decimal
	OrderID    string
	Reason     string
	At         time.Time
}

// Sink receives core events. Publish must not block the event loop.
type Sink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}
