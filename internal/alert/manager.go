package alert

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity orders alert importance; Critical alerts flush synchronously.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

type Message struct {
	Severity Severity
	Title    string
	Body     string
	At       time.Time
}

// Notifier delivers one message to an external channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Alerter is the surface the rest of the engine raises alerts through.
type Alerter interface {
	Alert(severity Severity, title, body string)
}

// NopAlerter discards everything. Used by backtests and tests.
type NopAlerter struct{}

func (NopAlerter) Alert(Severity, string, string) {}

// Manager fans alerts out to a notifier from a single background worker.
// The queue is bounded; when it is full the oldest messages are dropped and
// the drop count is reported with the next delivered message.
type Manager struct {
	notifier Notifier
	queue    chan Message
	timeout  time.Duration

	mu      sync.Mutex
	dropped int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

type Options struct {
	QueueSize      int
	DeliverTimeout time.Duration
}

func NewManager(notifier Notifier, opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		notifier: notifier,
		queue:    make(chan Message, opts.QueueSize),
		timeout:  opts.DeliverTimeout,
		ctx:      ctx,
		cancel:   cancel,
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Manager) Alert(severity Severity, title, body string) {
	msg := Message{Severity: severity, Title: title, Body: body, At: time.Now().UTC()}
	if severity >= SeverityCritical {
		// Critical alerts bypass the queue so a crash right after still
		// had its message on the wire.
		m.deliver(msg)
		return
	}
	if m.ctx.Err() != nil {
		// Closed; the worker is gone or draining.
		return
	}
	select {
	case m.queue <- msg:
	default:
		m.noteDropped()
	}
}

// Close stops the worker after it drains whatever is already queued. The
// queue channel is never closed, so an Alert racing Close cannot panic;
// late messages are simply discarded.
func (m *Manager) Close() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case msg := <-m.queue:
			m.deliver(msg)
		case <-m.ctx.Done():
			for {
				select {
				case msg := <-m.queue:
					m.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(msg Message) {
	if m.notifier == nil {
		return
	}
	if n := m.takeDropped(); n > 0 {
		msg.Body += "\n(" + pluralDropped(n) + " dropped while the queue was full)"
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		log.Warn().Str("event", "alert_delivery_failed").
			Str("severity", msg.Severity.String()).
			Str("title", msg.Title).Err(err).Send()
	}
}

func (m *Manager) noteDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func (m *Manager) takeDropped() int {
	m.mu.Lock()
	n := m.dropped
	m.dropped = 0
	m.mu.Unlock()
	return n
}

func pluralDropped(n int) string {
	if n == 1 {
		return "1 alert"
	}
	return strconv.Itoa(n) + " alerts"
}
