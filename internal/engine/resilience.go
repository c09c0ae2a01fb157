package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait before the next one. It is a pure decision component: the engine
// performs the actual wait.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy creates a policy from the given config (defaults applied).
func NewRetryPolicy(cfg RetryConfig) RetryPolicy {
	return RetryPolicy{cfg: cfg.withDefaults()}
}

// ShouldRetry reports whether another attempt is warranted after the given
// completed attempt count failed with err.
func (p RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if attempts >= p.cfg.MaxAttempts {
		return false
	}
	return retryable(err)
}

// Delay returns the jittered exponential backoff delay to wait after the
// given attempt: min(MaxDelay, BaseDelay * 2^(attempt-1)), randomized by
// the jitter factor.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseDelay
	b.MaxInterval = p.cfg.MaxDelay
	b.Multiplier = 2.0
	b.RandomizationFactor = p.cfg.Jitter
	b.MaxElapsedTime = 0 // Attempt budget is enforced by ShouldRetry

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// breakerRegistry manages per-unit-kind circuit breakers so one
// persistently failing kind of work does not block unrelated kinds.
// State is process-local: a resumed run starts with all breakers closed.
type breakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(cfg BreakerConfig) *breakerRegistry {
	return &breakerRegistry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns the breaker for a unit kind, creating it on first use.
func (r *breakerRegistry) get(kind string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[kind]; ok {
		return cb
	}

	threshold := r.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kind,
		MaxRequests: 1, // One trial call in half-open state
		Interval:    0, // Never clear counts while closed
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Run-level cancellation is not the work kind's fault.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled)
		},
	})

	r.breakers[kind] = cb
	return cb
}
