package routing

import (
	"fmt"
	"sync"
	"time"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// CircuitOpenError is returned when a provider is behind an open breaker.
type CircuitOpenError struct {
	Provider string
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for provider %q until %s", e.Provider, e.RetryAt.Format(time.RFC3339))
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is a per-provider circuit breaker. It is independent of the
// provider's per-key health state: the breaker reacts to provider-level
// failures regardless of which credential carried them.
type Breaker struct {
	provider         string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu           sync.Mutex
	state        breakerState
	failureCount int
	lastFailure  time.Time
	nextRetry    time.Time

	now func() time.Time
}

func NewBreaker(provider string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	return &Breaker{
		provider:         provider,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a request may go to this provider. An open breaker
// whose recovery timeout has elapsed transitions to half-open and admits
// exactly one trial; the trial claim itself expires after another recovery
// timeout so an unreported outcome cannot wedge the breaker half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().After(b.nextRetry) {
			b.state = breakerHalfOpen
			b.nextRetry = b.now().Add(b.recoveryTimeout)
			return true
		}
		return false
	default: // half-open, trial already claimed
		if b.now().After(b.nextRetry) {
			b.nextRetry = b.now().Add(b.recoveryTimeout)
			return true
		}
		return false
	}
}

// RecordSuccess closes the breaker and resets its counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = breakerClosed
	b.failureCount = 0
}

// RecordFailure advances the breaker. Crossing the threshold, or failing the
// half-open trial, opens it and schedules the next retry window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	if b.state == breakerHalfOpen || b.failureCount >= b.failureThreshold {
		b.state = breakerOpen
		b.nextRetry = b.now().Add(b.recoveryTimeout)
	}
}

// IsOpen reports whether the breaker currently refuses traffic. Unlike Allow
// it never claims the half-open trial.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state == breakerOpen && !b.now().After(b.nextRetry)
}

// OpenError builds the typed error for callers that need to surface the
// breaker state.
func (b *Breaker) OpenError() *CircuitOpenError {
	b.mu.Lock()
	defer b.mu.Unlock()

	return &CircuitOpenError{Provider: b.provider, RetryAt: b.nextRetry}
}
