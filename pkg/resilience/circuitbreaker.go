package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // calls pass through
	StateOpen                         // calls are rejected
	StateHalfOpen                     // a single trial call is in flight
)

func (s CircuitState) String() string {
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

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that trip the breaker
	Cooldown         time.Duration // time spent open before a trial call is allowed

	// IsFailure decides which errors count against the breaker. Other
	// errors are returned unchanged and leave the counters alone. Nil
	// counts every error.
	IsFailure func(error) bool

	// OnStateChange is called with the new state whenever it changes.
	OnStateChange func(CircuitState)
}

// CircuitBreaker trips open after FailureThreshold consecutive failures and
// lets exactly one trial call through once the cooldown has elapsed.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitState
	failureThreshold    int
	consecutiveFailures int
	cooldown            time.Duration
	openedAt            time.Time
	trialing            bool
	isFailure           func(error) bool
	onStateChange       func(CircuitState)
	now                 func() time.Time

	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64
	totalIgnored   int64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(error) bool { return true }
	}

	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		isFailure:        cfg.IsFailure,
		onStateChange:    cfg.OnStateChange,
		now:              time.Now,
	}
}

// Execute runs fn unless the breaker is open, classifying its error with
// the configured IsFailure. ErrCircuitOpen is returned without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteClassified(fn, cb.isFailure)
}

// ExecuteClassified is Execute with a per-call failure classifier. An error
// for which isFailure is false neither trips nor resets the breaker; a
// half-open breaker stays half-open and lets the next call through as the trial.
func (cb *CircuitBreaker) ExecuteClassified(fn func() error, isFailure func(error) bool) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialing = false
	switch {
	case err == nil:
		cb.recordSuccess()
	case isFailure(err):
		cb.recordFailure()
	default:
		cb.totalIgnored++
	}
	return err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats is a snapshot of the breaker counters.
type BreakerStats struct {
	Successes int64
	Failures  int64
	Rejected  int64
	Ignored   int64 // errors not classified as failures
}

// Stats returns the lifetime counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Successes: cb.totalSuccesses,
		Failures:  cb.totalFailures,
		Rejected:  cb.totalRejected,
		Ignored:   cb.totalIgnored,
	}
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.setState(StateHalfOpen)
			cb.trialing = true
			return true
		}
	case StateHalfOpen:
		if !cb.trialing {
			cb.trialing = true
			return true
		}
	}
	cb.totalRejected++
	return false
}

// recordFailure must be called with mu held.
func (cb *CircuitBreaker) recordFailure() {
	cb.consecutiveFailures++
	cb.totalFailures++

	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.openedAt = cb.now()
		cb.setState(StateOpen)
	}
}

// recordSuccess must be called with mu held.
func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses++
	cb.consecutiveFailures = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onStateChange != nil {
		cb.onStateChange(s)
	}
}
