package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 5, 5) // 5 tokens capacity, 5 tokens/sec.

	if !b.AllowN(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow() {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // 1 token refilled.
	if !b.Allow() {
		t.Fatalf("expected refill after time advance")
	}
}

func TestBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 1, 1)

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}

	clk.Advance(10 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow() {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestBucket_TimeGoingBackwardsDoesNotRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewBucket(clk, 1, 1)

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}

	clk.Advance(-50 * time.Second)
	if b.Allow() {
		t.Fatalf("expected no refill when clock moves backwards")
	}
}

func TestBucket_ZeroRateNeverRefills(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 2, 0)

	if !b.AllowN(2) {
		t.Fatalf("expected initial capacity")
	}
	clk.Advance(time.Hour)
	if b.Allow() {
		t.Fatalf("expected no refill with zero rate")
	}
}
