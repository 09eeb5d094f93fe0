package safety

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"grid-engine/internal/core"
)

// ErrBreakerOpen rejects venue commands while the breaker cools down.
var ErrBreakerOpen = errors.New("circuit breaker open")

type BreakerConfig struct {
	// MaxConsecutiveFailures trips the breaker immediately. Zero disables.
	MaxConsecutiveFailures int
	// FailureRate trips when the windowed failure ratio exceeds it and at
	// least MinSamples calls were observed. Zero disables.
	FailureRate float64
	MinSamples  int
	Window      time.Duration
	Cooldown    time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
}

type sample struct {
	at time.Time
	ok bool
}

// Breaker trips on venue command failures and holds all further commands for
// a cooldown. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	samples     []sample
	consecutive int
	openUntil   time.Time
	tripCount   int
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg}
}

// Allow reports whether a venue command may go out now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Now().Before(b.openUntil) {
		return ErrBreakerOpen
	}
	return nil
}

func (b *Breaker) Record(err error) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	ok := err == nil || isBusinessError(err)
	b.samples = append(b.samples, sample{at: now, ok: ok})
	b.pruneLocked(now)

	if ok {
		b.consecutive = 0
		return
	}
	b.consecutive++

	if b.cfg.MaxConsecutiveFailures > 0 && b.consecutive >= b.cfg.MaxConsecutiveFailures {
		b.tripLocked(now, "consecutive_failures")
		return
	}
	if b.cfg.FailureRate > 0 && len(b.samples) >= b.cfg.MinSamples {
		failed := 0
		for _, s := range b.samples {
			if !s.ok {
				failed++
			}
		}
		if float64(failed)/float64(len(b.samples)) >= b.cfg.FailureRate {
			b.tripLocked(now, "failure_rate")
		}
	}
}

func (b *Breaker) tripLocked(now time.Time, cause string) {
	b.openUntil = now.Add(b.cfg.Cooldown)
	b.tripCount++
	b.consecutive = 0
	b.samples = b.samples[:0]
	log.Error().Str("event", "breaker_tripped").Str("cause", cause).
		Dur("cooldown", b.cfg.Cooldown).Int("trips", b.tripCount).Send()
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

func (b *Breaker) TripCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripCount
}

// Business rejections reflect order content, not venue health, and must not
// accumulate toward a trip.
func isBusinessError(err error) bool {
	return errors.Is(err, core.ErrInsufficientBalance) ||
		errors.Is(err, core.ErrDuplicateOrder) ||
		errors.Is(err, core.ErrOrderNotFound) ||
		errors.Is(err, core.ErrAlreadyFilled) ||
		errors.Is(err, core.ErrVenueRejected)
}

// Venue is the command surface the guard wraps.
type Venue interface {
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// GuardedExecutor runs breaker checks around every venue command.
type GuardedExecutor struct {
	venue   Venue
	breaker *Breaker
}

func NewGuardedExecutor(venue Venue, breaker *Breaker) *GuardedExecutor {
	return &GuardedExecutor{venue: venue, breaker: breaker}
}

func (g *GuardedExecutor) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := g.breaker.Allow(); err != nil {
		return core.Order{}, err
	}
	placed, err := g.venue.PlaceOrder(ctx, order)
	g.breaker.Record(err)
	return placed, err
}

func (g *GuardedExecutor) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	err := g.venue.CancelOrder(ctx, symbol, orderID)
	g.breaker.Record(err)
	return err
}
