package errors

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var errCircuitOpen = errors.New("circuit breaker is open")

// ErrCircuitOpen is returned while a breaker is open. It is retryable: the
// upstream may be back once the reset timeout has passed.
var ErrCircuitOpen = New(ErrCodeGenerationUnavailable, "upstream temporarily disabled", errCircuitOpen)

// State is a breaker's position.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls without running them.
	StateOpen
	// StateHalfOpen lets a trial call through after the reset timeout.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails fast while an upstream model is down. After
// maxFailures consecutive tripping errors it opens; once resetTimeout has
// passed one trial call decides whether it closes again.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	tripOn       func(error) bool

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithMaxFailures sets how many consecutive failures open the breaker.
func WithMaxFailures(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.maxFailures = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open.
func WithResetTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.resetTimeout = d
		}
	}
}

// WithTripOn decides which errors count as failures. Validation errors do
// not count by default: a rejected prompt says nothing about the upstream.
func WithTripOn(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if fn != nil {
			cb.tripOn = fn
		}
	}
}

// NewCircuitBreaker creates a closed breaker. Defaults: 5 failures, 30s.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  5,
		resetTimeout: 30 * time.Second,
		tripOn:       func(err error) bool { return !IsValidation(err) },
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state. An open breaker whose timeout has passed
// reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) > cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Allow reports whether a call would be let through.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.moveLocked(StateClosed)
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.openLocked()
	}
}

func (cb *CircuitBreaker) openLocked() {
	cb.openedAt = time.Now()
	cb.moveLocked(StateOpen)
}

func (cb *CircuitBreaker) moveLocked(to State) {
	if cb.state == to {
		return
	}
	slog.Info("circuit_state_changed",
		slog.String("breaker", cb.name),
		slog.String("from", cb.state.String()),
		slog.String("to", to.String()),
		slog.Int("failures", cb.failures))
	cb.state = to
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := CircuitCall(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// CircuitCall runs fn through cb and returns its result, or ErrCircuitOpen
// without calling fn while cb is open. A failed half-open trial reopens the
// breaker at once.
func CircuitCall[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T

	cb.mu.Lock()
	state := cb.stateLocked()
	if state == StateOpen {
		cb.mu.Unlock()
		return zero, ErrCircuitOpen
	}
	cb.moveLocked(state)
	cb.mu.Unlock()

	result, err := fn()
	switch {
	case err == nil:
		cb.RecordSuccess()
		return result, nil
	case !cb.tripOn(err):
		return zero, err
	case state == StateHalfOpen:
		cb.mu.Lock()
		cb.failures++
		cb.openLocked()
		cb.mu.Unlock()
		return zero, err
	default:
		cb.RecordFailure()
		return zero, err
	}
}

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, errCircuitOpen)
}
