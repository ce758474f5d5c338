// Package circuitbreaker guards the HEC transport against a collector that keeps
// failing. While open, attempts fail fast instead of tying up the delivery slot.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open and rejecting requests.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed means the circuit breaker is allowing all requests through
	StateClosed State = iota
	// StateOpen means the circuit breaker is rejecting all requests
	StateOpen
	// StateHalfOpen means the circuit breaker is testing if the collector has recovered
	StateHalfOpen
)

// String returns the string representation of the state
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

// Config contains configuration for the circuit breaker.
// A FailureThreshold of 0 disables the breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig returns the default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Disabled returns a configuration that never opens.
func Disabled() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 0
	return cfg
}

// CircuitBreaker is safe for concurrent use by multiple goroutines.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	halfOpenCalls   int
	lastStateChange time.Time
	now             func() time.Time
}

// New creates a new circuit breaker. Zero or negative tuning values fall back
// to the defaults; a negative FailureThreshold also takes the default.
func New(config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold < 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Enabled reports whether the breaker can ever open.
func (cb *CircuitBreaker) Enabled() bool {
	return cb.config.FailureThreshold > 0
}

// Call runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling fn. The outcome of fn updates the state.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.Enabled() {
		return fn()
	}

	halfOpen, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()
	cb.record(err, halfOpen)
	return err
}

// admit decides whether a call may proceed and whether it holds a half-open slot.
func (cb *CircuitBreaker) admit() (halfOpen bool, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastStateChange) >= cb.config.Timeout {
		cb.setState(StateHalfOpen)
		slog.Info("circuit breaker half-open, probing HEC")
	}

	switch cb.state {
	case StateClosed:
		return false, true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return false, false
		}
		cb.halfOpenCalls++
		return true, true
	default:
		return false, false
	}
}

func (cb *CircuitBreaker) record(err error, halfOpen bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if halfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.setState(StateClosed)
				slog.Info("circuit breaker closed, HEC recovered")
			}
		}
		return
	}

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			slog.Warn("circuit breaker opened",
				"consecutive_failures", cb.failures,
				"threshold", cb.config.FailureThreshold)
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit
		slog.Warn("circuit breaker reopened during probe", "error", err)
		cb.setState(StateOpen)
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	cb.lastStateChange = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCalls = 0
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count in the current state
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}
