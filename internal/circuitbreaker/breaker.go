// Package circuitbreaker implements the circuit breaker guarding reconnect
// attempts against a Q-SYS Core. After a configured run of consecutive
// failures the breaker opens for a cool-down window; a half-open probe budget
// decides whether it closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many probes in half-open state")
)

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// breaker while closed.
	FailureThreshold uint32

	// CoolDown is how long the breaker stays open before allowing probes.
	CoolDown time.Duration

	// HalfOpenMax bounds concurrent probes in half-open state; that many
	// consecutive successes close the breaker again.
	HalfOpenMax uint32

	// OnStateChange, when set, observes every transition.
	OnStateChange func(from, to State)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 5
	}
	if out.CoolDown == 0 {
		out.CoolDown = 60 * time.Second
	}
	if out.HalfOpenMax == 0 {
		out.HalfOpenMax = 1
	}
	return out
}

// Counts tracks attempts within the current generation.
type Counts struct {
	Requests             uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openedAt   time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// State returns the effective state, promoting Open to HalfOpen once the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.current(time.Now())
	return s
}

// Counts returns a snapshot of the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reserves an attempt. It returns the generation token that must be
// passed back to Record, or an error when the breaker refuses the attempt.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.current(now)

	switch state {
	case StateOpen:
		return gen, ErrOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.cfg.HalfOpenMax {
			return gen, ErrTooManyRequests
		}
	}

	b.counts.Requests++
	return gen, nil
}

// Record reports the outcome of an attempt previously admitted by Allow.
// Outcomes from a stale generation are ignored.
func (b *Breaker) Record(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.current(now)
	if gen != current {
		return
	}

	if success {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.HalfOpenMax {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// Reset force-closes the breaker. Used by connect(force=true).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, time.Now())
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.CoolDown {
		b.transition(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.counts = Counts{}
	if to == StateOpen {
		b.openedAt = now
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
