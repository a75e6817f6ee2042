// Package resilience guards calls to the external compute services with a
// circuit breaker and an opt-in retry of connection failures.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is a breaker state.
type State int

const (
	// Closed lets calls through.
	Closed State = iota
	// Open rejects calls until the cool-down elapses.
	Open
	// HalfOpen lets a single probe through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a breaker rejects a call.
var ErrOpen = eris.New("resilience: circuit open")

// BreakerConfig controls a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before a probe.
	Cooldown time.Duration
}

// Breaker is a consecutive-failure circuit breaker for one service.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return eris.Wrapf(ErrOpen, "resilience: %s", b.name)
		}
		b.setState(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return eris.Wrapf(ErrOpen, "resilience: %s probe in flight", b.name)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) release(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == HalfOpen
	b.probing = false

	if !countsAsFailure(err) {
		b.failures = 0
		if wasProbe {
			b.setState(Closed)
		}
		return
	}

	b.failures++
	if wasProbe || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		if b.state != Open {
			b.setState(Open)
		}
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	zap.L().Info("resilience: circuit state change",
		zap.String("service", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", b.failures),
	)
}

// Guard combines a Breaker and a retry Policy for one service.
type Guard struct {
	Breaker *Breaker
	Policy  Policy
}

// NewGuard creates a Guard for service.
func NewGuard(service string, bc BreakerConfig, p Policy) *Guard {
	if p.OnRetry == nil {
		p.OnRetry = LogRetry(service, "call")
	}
	return &Guard{Breaker: NewBreaker(service, bc), Policy: p}
}

// Call runs fn through g. Each attempt passes through the breaker. A nil
// Guard runs fn once.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	return Retry(ctx, g.Policy, func(ctx context.Context) (T, error) {
		if err := g.Breaker.acquire(); err != nil {
			var zero T
			return zero, err
		}
		v, err := fn(ctx)
		g.Breaker.release(err)
		return v, err
	})
}
