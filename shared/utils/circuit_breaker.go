package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitState represents the state of the circuit breaker
type CircuitState string

const (
	// StateClosed allows requests to pass through
	StateClosed CircuitState = "closed"
	// StateOpen blocks requests
	StateOpen CircuitState = "open"
	// StateHalfOpen allows one trial request through
	StateHalfOpen CircuitState = "half-open"
)

var (
	// ErrCircuitOpen is returned when circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when a trial request is already in flight
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitBreaker guards calls to an external collaborator (identity provider,
// billing). Context cancellation by the caller is not counted as a failure.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mutex       sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Call executes fn with circuit breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	return cb.Execute(context.Background(), func(context.Context) error { return fn() })
}

// Execute runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.probing = false

	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		cb.onFailure()
	default:
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.probing {
			return ErrTooManyRequests
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = cb.now()

	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	logrus.WithFields(logrus.Fields{
		"breaker": cb.name,
		"from":    cb.state,
		"to":      to,
	}).Warn("circuit breaker state change")
	cb.state = to
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
}
