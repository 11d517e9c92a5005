package resilience

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultFailureThreshold opens the breaker for a peer.
	DefaultFailureThreshold = 3
	// DefaultCooldown is how long an open breaker suppresses attempts.
	DefaultCooldown = 300 * time.Second
)

type breakerEntry struct {
	failureCount int
	lastFailedAt time.Time
}

// CircuitBreaker suppresses connection attempts to peers that keep failing.
//
// An entry is created on first failure, opens at the failure threshold, and
// is cleared either by a success or by a check after the cooldown elapsed.
type CircuitBreaker struct {
	mu sync.Mutex

	entries   map[string]*breakerEntry
	threshold int
	cooldown  time.Duration

	now func() time.Time
}

// NewCircuitBreaker creates a breaker with the fixed failure policy.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		entries:   make(map[string]*breakerEntry),
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
}

// RecordFailure counts one failed connection attempt for a peer.
func (b *CircuitBreaker) RecordFailure(peerID string) {
	if peerID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entries[peerID]
	if entry == nil {
		entry = &breakerEntry{}
		b.entries[peerID] = entry
	}
	entry.failureCount++
	entry.lastFailedAt = b.now()

	if entry.failureCount == b.threshold {
		logrus.WithFields(logrus.Fields{
			"peer_id":  peerID,
			"failures": entry.failureCount,
			"cooldown": b.cooldown,
		}).Warn("circuit breaker opened")
	}
}

// RecordSuccess clears the peer's entry immediately.
func (b *CircuitBreaker) RecordSuccess(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, peerID)
}

// ShouldAttemptConnection reports whether connecting to the peer is allowed.
// A check after the cooldown elapsed clears the entry and resumes attempts.
func (b *CircuitBreaker) ShouldAttemptConnection(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entries[peerID]
	if entry == nil || entry.failureCount < b.threshold {
		return true
	}

	if b.now().Sub(entry.lastFailedAt) >= b.cooldown {
		delete(b.entries, peerID)
		return true
	}
	return false
}

// FailureCount returns the recorded failures for a peer.
func (b *CircuitBreaker) FailureCount(peerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry := b.entries[peerID]; entry != nil {
		return entry.failureCount
	}
	return 0
}
