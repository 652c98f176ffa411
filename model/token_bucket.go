package model

import (
	"sync"
	"time"
)

// TokenBucket holds a refillable throughput budget. One bucket exists per
// peer per direction; it is never persisted, so a restart resets the budget.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     uint64
	tokens       uint64
	refillPeriod time.Duration
	lastRefill   time.Time
}

// NewTokenBucket returns a full bucket that refills to capacity once per
// refill period.
func NewTokenBucket(capacity uint64, refillPeriod time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		lastRefill:   time.Now(),
	}
}

// Take consumes count tokens, refilling first if the refill period has
// elapsed. Reports whether the budget covered the request; on false no
// tokens are consumed.
func (b *TokenBucket) Take(count uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.lastRefill) >= b.refillPeriod {
		b.tokens = b.capacity
		b.lastRefill = now
	}
	if count > b.tokens {
		return false
	}
	b.tokens -= count
	return true
}

// Tokens reports the currently available budget without consuming it.
func (b *TokenBucket) Tokens() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
