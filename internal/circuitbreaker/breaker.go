// Package circuitbreaker trips a named dependency open after consecutive
// failures so callers stop waiting on a backend that is already down.
//
// The store decorator in kvstore uses one breaker per backend. While open,
// store calls fail immediately with ErrUnavailable and the rate limiter's
// fail-open path answers without paying the store timeout per request.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/mbd888/keyguard/internal/metrics"
)

// State is the breaker state for one name.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Defaults applied by New for non-positive arguments.
const (
	DefaultThreshold    = 5
	DefaultOpenDuration = 10 * time.Second
)

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// TransitionFunc observes a state change.
type TransitionFunc func(name string, from, to State)

// Breaker tracks consecutive failures per name. After threshold failures the
// name is open for openDuration, then half-open for a single probe.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition TransitionFunc
}

// New creates a breaker.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock overrides the time source (tests).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition sets a callback run after every state change, outside the lock.
func (b *Breaker) OnTransition(fn TransitionFunc) *Breaker {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
	return b
}

// Allow reports whether a call for name may proceed. An open name whose
// cool-down has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(name string) bool {
	b.mu.Lock()
	e, ok := b.entries[name]
	if !ok {
		b.mu.Unlock()
		return true
	}

	var fire func()
	allowed := true
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) >= b.openDuration {
			e.openedAt = b.now()
			fire = b.transition(e, name, StateHalfOpen)
		} else {
			allowed = false
		}
	case StateHalfOpen:
		// A probe that never reported back is replaced after another cool-down.
		if b.now().Sub(e.openedAt) >= b.openDuration {
			e.openedAt = b.now()
		} else {
			allowed = false
		}
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open name.
func (b *Breaker) RecordSuccess(name string) {
	b.mu.Lock()
	e, ok := b.entries[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.failures = 0
	var fire func()
	if e.state != StateClosed {
		fire = b.transition(e, name, StateClosed)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordFailure counts a failure. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(name string) {
	b.mu.Lock()
	e, ok := b.entries[name]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[name] = e
	}
	e.failures++

	var fire func()
	switch {
	case e.state == StateHalfOpen:
		e.openedAt = b.now()
		fire = b.transition(e, name, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		e.openedAt = b.now()
		fire = b.transition(e, name, StateOpen)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// State returns the current state; unknown names are closed.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[name]; ok {
		return e.state
	}
	return StateClosed
}

// transition updates e and returns the callback to run once b.mu is released.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, name string, to State) func() {
	from := e.state
	if from == to {
		return nil
	}
	e.state = to
	metrics.CircuitTransitions.WithLabelValues(name, from.String(), to.String()).Inc()

	fn := b.onTransition
	if fn == nil {
		return nil
	}
	return func() { fn(name, from, to) }
}
