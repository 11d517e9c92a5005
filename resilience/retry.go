// Package resilience provides the reconnect backoff and per-peer circuit
// breaker policies used by the connection engine.
package resilience

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxAttempts is the number of delays handed out before the
	// controller reports exhaustion.
	DefaultMaxAttempts = 5
	// DefaultInitialDelay is the first reconnect delay.
	DefaultInitialDelay = 1 * time.Second
	// DefaultMaxDelay caps the exponential growth.
	DefaultMaxDelay = 30 * time.Second
	// defaultMultiplier doubles the delay between attempts.
	defaultMultiplier = 2.0
	// defaultJitter randomizes each delay by ±10%.
	defaultJitter = 0.1
)

// RetryController hands out exponentially growing, jittered reconnect delays
// and reports exhaustion after a fixed number of attempts.
//
// Reconnects are triggered both by user action and by automatic recovery, so
// the controller serializes all access behind its own mutex.
type RetryController struct {
	mu sync.Mutex

	backoff     *backoff.ExponentialBackOff
	attempts    int
	maxAttempts int
}

// NewRetryController creates a controller with the fixed reconnect policy.
func NewRetryController() *RetryController {
	return &RetryController{
		backoff:     newExponentialBackOff(),
		maxAttempts: DefaultMaxAttempts,
	}
}

func newExponentialBackOff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = DefaultInitialDelay
	eb.MaxInterval = DefaultMaxDelay
	eb.Multiplier = defaultMultiplier
	eb.RandomizationFactor = defaultJitter
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// NextDelay returns the next reconnect delay. The second result is false once
// the attempt budget is exhausted; callers must stop retrying.
func (c *RetryController) NextDelay() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempts >= c.maxAttempts {
		return 0, false
	}
	c.attempts++

	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	return delay, true
}

// Attempts returns how many delays have been handed out since the last reset.
func (c *RetryController) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Reset zeroes the attempt counter after a successful connection.
func (c *RetryController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	c.backoff = newExponentialBackOff()
}
