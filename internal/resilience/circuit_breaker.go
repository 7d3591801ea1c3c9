// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"errors"
	"sync"
	"time"

	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/ManuGH/dokkugw/internal/metrics"
	"github.com/rs/zerolog"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var states = []string{string(StateClosed), string(StateHalfOpen), string(StateOpen)}

// ErrCircuitOpen is returned without calling fn while the breaker is open,
// or while a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker counts consecutive failures of a dependency. After
// threshold failures it opens; once resetTimeout has elapsed exactly one
// caller is let through as a probe, whose outcome closes or re-opens it.
type CircuitBreaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	clock        Clock
	countable    func(error) bool // nil counts every error
	logger       zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithFailureFilter restricts which errors trip the breaker.
// Errors for which fn returns false pass through without being recorded.
func WithFailureFilter(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.countable = fn }
}

// NewCircuitBreaker creates a closed breaker. name labels its metrics.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:         name,
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        realClock{},
		logger:       xglog.WithComponent("breaker").With().Str("breaker", name).Logger(),
	}
	for _, opt := range opts {
		opt(cb)
	}

	metrics.SetBreakerState(cb.name, string(cb.state), states...)
	return cb
}

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, ok := cb.admit()
	if !ok {
		metrics.IncBreakerRejected(cb.name)
		return ErrCircuitOpen
	}

	err := fn()
	counted := err != nil && (cb.countable == nil || cb.countable(err))

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probing = false
	}
	switch {
	case counted:
		cb.onFailureLocked(err)
	case err == nil:
		cb.failures = 0
		cb.transitionLocked(StateClosed, "success")
	}
	return err
}

// admit decides whether a call may run and whether it is the half-open probe.
func (cb *CircuitBreaker) admit() (probe, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.transitionLocked(StateHalfOpen, "reset_timeout")
	}

	switch cb.state {
	case StateClosed:
		return false, true
	case StateHalfOpen:
		if cb.probing {
			return false, false
		}
		cb.probing = true
		return true, true
	default:
		return false, false
	}
}

func (cb *CircuitBreaker) onFailureLocked(err error) {
	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		metrics.IncBreakerOpened(cb.name, "half_open_failed")
		cb.transitionLocked(StateOpen, err.Error())
	case cb.state == StateClosed && cb.failures >= cb.threshold:
		metrics.IncBreakerOpened(cb.name, "threshold")
		cb.transitionLocked(StateOpen, err.Error())
	}
}

// transitionLocked moves to next and records it. Caller must hold mu.
func (cb *CircuitBreaker) transitionLocked(next State, reason string) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	if next == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	metrics.SetBreakerState(cb.name, string(next), states...)

	ev := cb.logger.Info()
	if next == StateOpen {
		ev = cb.logger.Warn()
	}
	ev.Str(xglog.FieldEvent, "breaker.transition").
		Str(xglog.FieldOldState, string(prev)).
		Str(xglog.FieldNewState, string(next)).
		Int("failures", cb.failures).
		Str("reason", reason).
		Msg("circuit breaker state changed")
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OpenFor reports how long the breaker stays open before admitting a
// probe; zero unless open.
func (cb *CircuitBreaker) OpenFor() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	if left := cb.resetTimeout - cb.clock.Now().Sub(cb.openedAt); left > 0 {
		return left
	}
	return 0
}
