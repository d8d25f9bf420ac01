// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/relay/pkg/errors"
)

// CircuitBreakerState is the position of a breaker.
type CircuitBreakerState string

const (
	// StateClosed lets every call through.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen rejects calls until the timeout elapses.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen lets probe calls through to see if the agent recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in errors, logs and metrics. Relay uses the
	// agent name.
	Name string
	// FailureThreshold is the number of consecutive tripping failures that
	// opens a closed breaker. Defaults to 5.
	FailureThreshold int
	// SuccessThreshold is the number of successful probes that closes a
	// half-open breaker. Defaults to 1.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing. Defaults to 30s.
	Timeout time.Duration
	// ShouldTrip decides whether an error counts as a failure. Defaults to
	// errors.IsRecoverable, so configuration errors and context loss never trip.
	ShouldTrip func(error) bool
	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name       string              `json:"name"`
	State      CircuitBreakerState `json:"state"`
	Failures   int                 `json:"failures"`
	OpenedAt   time.Time           `json:"opened_at,omitempty"`
	RetryAfter time.Duration       `json:"retry_after_ns,omitempty"`
}

type transition struct {
	from, to CircuitBreakerState
}

// CircuitBreaker stops calling an agent that keeps failing. The protected
// function runs outside the lock so concurrent callers are not serialized.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "circuit_breaker"
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = errors.IsRecoverable
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Call runs fn unless the breaker is open, in which case it returns a
// CIRCUIT_OPEN error carrying the breaker name and the remaining wait.
func (cb *CircuitBreaker) Call(_ context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.observe(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	var changes []transition
	if cb.state == StateOpen {
		wait := cb.cfg.Timeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			cb.mu.Unlock()
			return errors.New(errors.CodeCircuitOpen, "circuit breaker open", nil).
				WithContext("breaker", cb.cfg.Name).
				WithContext("retry_after", wait)
		}
		changes = cb.moveTo(StateHalfOpen, changes)
	}
	cb.mu.Unlock()
	cb.notify(changes)
	return nil
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	var changes []transition
	switch {
	case err != nil && cb.cfg.ShouldTrip(err):
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			changes = cb.moveTo(StateOpen, changes)
		}
	case err != nil:
		// Neutral errors neither trip nor heal the breaker.
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			changes = cb.moveTo(StateClosed, changes)
		}
	default:
		cb.failures = 0
	}
	cb.mu.Unlock()
	cb.notify(changes)
}

// moveTo switches state and resets the counters. Caller holds mu.
func (cb *CircuitBreaker) moveTo(to CircuitBreakerState, changes []transition) []transition {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if from == to {
		return changes
	}
	return append(changes, transition{from: from, to: to})
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.cfg.OnStateChange(cb.cfg.Name, c.from, c.to)
	}
}

// State returns the current state. An open breaker whose timeout elapsed
// still reports open until the next call probes it.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current state with counters and the remaining wait.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := BreakerSnapshot{Name: cb.cfg.Name, State: cb.state, Failures: cb.failures}
	if cb.state == StateOpen {
		s.OpenedAt = cb.openedAt
		if wait := cb.cfg.Timeout - cb.now().Sub(cb.openedAt); wait > 0 {
			s.RetryAfter = wait
		}
	}
	return s
}

// Name returns the breaker identifier.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.force(StateClosed)
}

// Open forces the breaker open for a full timeout.
func (cb *CircuitBreaker) Open() {
	cb.force(StateOpen)
}

func (cb *CircuitBreaker) force(to CircuitBreakerState) {
	cb.mu.Lock()
	changes := cb.moveTo(to, nil)
	cb.mu.Unlock()
	cb.notify(changes)
}
