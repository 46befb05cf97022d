package session

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC)}
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

func TestStaleEventGuardWindow(t *testing.T) {
	clock := newFakeClock()
	g := NewStaleEventGuard(3*time.Second, clock.Now)

	if g.IsStale("sess_1") {
		t.Fatal("unknown session must not be stale")
	}

	g.MarkEnded("sess_1")
	clock.Advance(time.Second)
	if !g.IsStale("sess_1") {
		t.Error("session ended 1s ago must be stale")
	}

	clock.Advance(4 * time.Second)
	if g.IsStale("sess_1") {
		t.Error("session ended 5s ago must no longer be stale")
	}
}

func TestStaleEventGuardPrunesOldEntries(t *testing.T) {
	clock := newFakeClock()
	g := NewStaleEventGuard(2*time.Second, clock.Now)

	g.MarkEnded("sess_old")
	clock.Advance(10 * time.Second)
	g.MarkEnded("sess_new")

	g.mu.Lock()
	size := len(g.ended)
	g.mu.Unlock()
	if size != 1 {
		t.Errorf("guard retained %d entries, want 1", size)
	}
}

func TestStaleEventGuardIgnoresEmptyID(t *testing.T) {
	g := NewStaleEventGuard(time.Second, nil)
	g.MarkEnded("")
	if g.IsStale("") {
		t.Error("empty session id must never be stale")
	}
}
