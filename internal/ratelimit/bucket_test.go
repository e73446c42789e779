package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(maxTokens, refillPerSecond float64) (*Bucket, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(Options{MaxTokens: maxTokens, RefillPerSecond: refillPerSecond, Now: clock.now})
	return b, clock
}

func TestBucketExhaustionAndRefill(t *testing.T) {
	b, clock := newTestBucket(5, 1.0/60.0)

	for i := 0; i < 5; i++ {
		if !b.TryConsume(1) {
			t.Fatalf("consume %d should succeed", i+1)
		}
	}
	if b.TryConsume(1) {
		t.Fatal("sixth consume should be rejected")
	}

	clock.advance(60 * time.Second)

	if !b.TryConsume(1) {
		t.Fatal("one token should be available after 60s")
	}
	if b.TryConsume(1) {
		t.Fatal("only one token should have refilled")
	}
}

func TestBucketNeverNegativeNeverOverMax(t *testing.T) {
	b, clock := newTestBucket(3, 2)

	for i := 0; i < 20; i++ {
		b.TryConsume(1)
		if tokens := b.Tokens(); tokens < 0 {
			t.Fatalf("tokens went negative: %f", tokens)
		}
		clock.advance(time.Duration(i%5) * 300 * time.Millisecond)
	}

	clock.advance(time.Hour)
	if tokens := b.Tokens(); tokens > 3 {
		t.Fatalf("tokens exceeded max: %f", tokens)
	}
}

func TestBucketRejectionLeavesBalance(t *testing.T) {
	b, _ := newTestBucket(2, 0)

	if !b.TryConsume(2) {
		t.Fatal("initial consume should succeed")
	}
	if b.TryConsume(1) {
		t.Fatal("empty bucket should reject")
	}
	if tokens := b.Tokens(); tokens != 0 {
		t.Fatalf("rejected consume changed balance: %f", tokens)
	}
}

func TestBucketWaitTime(t *testing.T) {
	b, clock := newTestBucket(1, 0.5)

	if wait := b.WaitTime(1); wait != 0 {
		t.Fatalf("full bucket should report zero wait, got %s", wait)
	}

	if !b.TryConsume(1) {
		t.Fatal("consume should succeed")
	}

	// 1 token at 0.5 tokens/s takes 2s.
	if wait := b.WaitTime(1); wait != 2*time.Second {
		t.Fatalf("expected 2s wait, got %s", wait)
	}

	clock.advance(time.Second)
	if wait := b.WaitTime(1); wait != time.Second {
		t.Fatalf("expected 1s wait after partial refill, got %s", wait)
	}
}
