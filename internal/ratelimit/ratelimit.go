// Package ratelimit provides a deterministic token bucket used to cap the
// rate of inbound signaling events before they reach the call session
// machine. A misbehaving relay must not be able to spin the machine.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// fill rate of N tokens/sec adds exactly N nano-tokens per elapsed nanosecond
// without float rounding.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// Bucket is a token bucket refilled at an integer tokens/sec rate.
type Bucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewBucket(clock Clock, capacity, rate int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &Bucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: scale(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool { return b.AllowN(1) }

// AllowN consumes n tokens if available. n <= 0 always succeeds.
func (b *Bucket) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := scale(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	cap := scale(b.capacity)
	if b.available >= cap {
		b.available = cap
		return
	}

	// rate tokens/sec == rate nano-tokens/ns. Clamp instead of overflowing
	// when enough time has passed to fill the bucket outright.
	need := cap - b.available
	if fill := need / b.rate; fill <= 0 || elapsed >= fill {
		b.available = cap
		return
	}
	b.available += elapsed * b.rate
	if b.available > cap {
		b.available = cap
	}
}

func scale(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
