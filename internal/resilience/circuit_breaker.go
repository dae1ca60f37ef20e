package resilience

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lexiqai/talk-gateway/internal/observability"
)

// ErrCircuitOpen is returned by Call while the breaker rejects requests
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Circuit is open, requests fail immediately
	StateHalfOpen                     // Testing if service has recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name          string
	maxFailures   int           // Number of failures before opening circuit
	resetTimeout  time.Duration // Time to wait before attempting half-open
	halfOpenMax   int           // Max requests in half-open state
	halfOpenCount int           // Current requests in half-open state

	mu                sync.RWMutex
	state             CircuitState
	failureCount      int
	lastFailTime      time.Time
	successCount      int
	requestCount      int64
	failureCountTotal int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3, // Allow 3 requests in half-open state
		state:        StateClosed,
	}
	observability.UpdateCircuitBreakerState(name, int(StateClosed))
	return cb
}

// Call executes a function with circuit breaker protection.
// Only errors for which countable returns true are recorded as failures;
// a nil countable counts every error.
func (cb *CircuitBreaker) Call(fn func() error, countable func(error) bool) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	success := err == nil || (countable != nil && !countable(err))
	cb.RecordResult(success)

	return err
}

// allowRequest checks if a request should be allowed
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		// Circuit is open - check if we should transition to half-open
		if time.Since(cb.lastFailTime) >= cb.resetTimeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenCount = 1
			cb.successCount = 0
			return true
		}
		return false

	case StateHalfOpen:
		// Testing recovery - allow limited requests
		if cb.halfOpenCount < cb.halfOpenMax {
			cb.halfOpenCount++
			return true
		}
		return false
	}

	return false
}

// RecordResult records the result of a request
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requestCount++

	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
}

// recordSuccess records a successful request
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		// Reset failure count on success
		cb.failureCount = 0

	case StateHalfOpen:
		cb.successCount++
		// If we have enough successes, close the circuit
		if cb.successCount >= cb.halfOpenMax {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.halfOpenCount = 0
			cb.successCount = 0
		}
	}
}

// recordFailure records a failed request
func (cb *CircuitBreaker) recordFailure() {
	cb.failureCountTotal++
	cb.lastFailTime = time.Now()
	observability.IncrementCircuitBreakerFailures(cb.name)

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.maxFailures {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		// Any failure in half-open immediately opens the circuit
		cb.setState(StateOpen)
		cb.halfOpenCount = 0
		cb.successCount = 0
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(state CircuitState) {
	cb.state = state
	observability.UpdateCircuitBreakerState(cb.name, int(state))
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() (state CircuitState, requestCount, failureCount int64, failureRate float64) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	state = cb.state
	requestCount = cb.requestCount
	failureCount = cb.failureCountTotal

	if requestCount > 0 {
		failureRate = float64(failureCount) / float64(requestCount) * 100.0
	}

	return
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.halfOpenCount = 0
	cb.successCount = 0
}

// DefaultMaxBreakers bounds how many keys a BreakerSet tracks at once
const DefaultMaxBreakers = 1024

// BreakerSet lazily creates one breaker per key (a source host for fetches).
// A set built with maxFailures <= 0 is disabled and always runs fn directly.
// The least recently used key is forgotten once the set is full.
type BreakerSet struct {
	prefix       string
	maxFailures  int
	resetTimeout time.Duration

	mu       sync.Mutex
	breakers *lru.Cache[string, *CircuitBreaker]
}

// NewBreakerSet creates a set whose breakers are named "<prefix>:<key>",
// tracking at most DefaultMaxBreakers keys
func NewBreakerSet(prefix string, maxFailures int, resetTimeout time.Duration) *BreakerSet {
	return NewBoundedBreakerSet(prefix, maxFailures, resetTimeout, DefaultMaxBreakers)
}

// NewBoundedBreakerSet is NewBreakerSet with an explicit key limit
func NewBoundedBreakerSet(prefix string, maxFailures int, resetTimeout time.Duration, maxKeys int) *BreakerSet {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxBreakers
	}
	breakers, _ := lru.NewWithEvict(maxKeys, func(_ string, cb *CircuitBreaker) {
		observability.ForgetCircuitBreaker(cb.name)
	})
	return &BreakerSet{
		prefix:       prefix,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		breakers:     breakers,
	}
}

// Enabled reports whether the set guards calls at all
func (s *BreakerSet) Enabled() bool {
	return s != nil && s.maxFailures > 0
}

// Get returns the breaker for key, creating it on first use
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers.Get(key)
	if !ok {
		cb = NewCircuitBreaker(s.prefix+":"+key, s.maxFailures, s.resetTimeout)
		s.breakers.Add(key, cb)
	}
	return cb
}

// Len returns the number of keys currently tracked
func (s *BreakerSet) Len() int {
	return s.breakers.Len()
}

// Call runs fn under the breaker for key
func (s *BreakerSet) Call(key string, fn func() error, countable func(error) bool) error {
	if !s.Enabled() {
		return fn()
	}
	return s.Get(key).Call(fn, countable)
}
