package ratelimit

import (
	"sync"
	"time"
)

// Options tune a token bucket.
type Options struct {
	// MaxTokens caps the bucket and is also the starting balance.
	MaxTokens float64
	// RefillPerSecond is the continuous replenishment rate.
	RefillPerSecond float64
	// Now overrides the clock, mainly for tests. Defaults to time.Now.
	Now func() time.Time
}

// Bucket is a lazily refilled token bucket. Refill happens on each
// consumption attempt from elapsed wall-clock time, so the bucket stays
// correct across process suspension and needs no background timer.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

// New constructs a full bucket.
func New(opts Options) *Bucket {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxTokens := opts.MaxTokens
	if maxTokens < 0 {
		maxTokens = 0
	}
	return &Bucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: opts.RefillPerSecond,
		lastRefill: now(),
		now:        now,
	}
}

// TryConsume deducts cost tokens if available and reports whether the
// call was admitted. A rejected call leaves the balance unchanged.
func (b *Bucket) TryConsume(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// WaitTime returns zero when cost tokens are immediately available,
// otherwise the duration until they will be.
func (b *Bucket) WaitTime(cost float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= cost {
		return 0
	}
	if b.refillRate <= 0 {
		// Never refills; callers treat a huge wait as "not now".
		return time.Duration(1<<63 - 1)
	}
	seconds := (cost - b.tokens) / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// Tokens reports the current balance after a refill pass.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}
