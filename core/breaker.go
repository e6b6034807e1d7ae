package core

// breaker.go implements a per-dependency circuit breaker (spec §5): each
// external dependency (chain RPC, a given peer's P2P endpoint, the exit
// price backend) gets its own CLOSED/OPEN/HALF_OPEN state machine so one
// unhealthy dependency doesn't starve calls to the others. Grounded on the
// teacher's HealthChecker (fault_tolerance.go) miss-counting and EWMA
// pattern, adapted from a peer-ping loop into a generic call-wrapping
// breaker, and on HighAvailability's registered-set-plus-mutex shape.

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one breaker's trip/reset thresholds.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before tripping to OPEN
	OpenDuration     time.Duration // time spent OPEN before probing HALF_OPEN
	HalfOpenSuccess  int           // consecutive half-open successes required to close
}

// DefaultBreakerConfig matches the teacher's maxMisses=3 failure threshold
// and spec §4.8's documented 60s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, OpenDuration: 60 * time.Second, HalfOpenSuccess: 1}
}

// ErrBreakerOpen is returned by Call when the breaker is OPEN and not yet
// due for a half-open probe.
var ErrBreakerOpen = fmt.Errorf("circuit breaker open")

// Breaker is one dependency's circuit breaker. Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	events *EventLog

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
}

// NewBreaker constructs a closed breaker for the named dependency. events
// may be nil to skip resilience-event logging (tests).
func NewBreaker(name string, cfg BreakerConfig, events *EventLog) *Breaker {
	return &Breaker{name: name, cfg: cfg, events: events, state: BreakerClosed}
}

// State returns the breaker's current state without mutating it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow reports whether a call may proceed, transitioning OPEN -> HALF_OPEN
// once the open duration has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = BreakerHalfOpen
			b.consecutiveOK = 0
			if b.events != nil {
				b.events.Append(EventBreakerHalfOpen, b.name, nil)
			}
			return true
		}
		return false
	default:
		return true
	}
}

// Call runs fn only if the breaker allows it, recording the outcome to
// drive the next state transition.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFail = 0
		switch b.state {
		case BreakerHalfOpen:
			b.consecutiveOK++
			if b.consecutiveOK >= b.cfg.HalfOpenSuccess {
				b.state = BreakerClosed
				if b.events != nil {
					b.events.Append(EventBreakerClosed, b.name, nil)
				}
			}
		case BreakerOpen:
			b.state = BreakerClosed
		}
		return
	}

	if !isRetryable(err) {
		// A permanent error (bad signature, revert) doesn't indicate the
		// dependency itself is unhealthy; don't count it toward tripping.
		return
	}

	b.consecutiveFail++
	switch b.state {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	b.consecutiveOK = 0
	if b.events != nil {
		b.events.Append(EventBreakerOpened, b.name, map[string]any{"consecutive_failures": b.consecutiveFail})
	}
}

// BreakerRegistry hands out one Breaker per dependency name, lazily created.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	events   *EventLog
	breakers map[string]*Breaker
}

// NewBreakerRegistry constructs a registry sharing one config across every
// dependency it creates breakers for.
func NewBreakerRegistry(cfg BreakerConfig, events *EventLog) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg, events: events, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg, r.events)
		r.breakers[name] = b
	}
	return b
}

// Snapshot returns the current state of every known breaker, keyed by
// dependency name. The /health handler does not include it in its response.
func (r *BreakerRegistry) Snapshot() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
