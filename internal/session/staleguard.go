package session

import (
	"sync"
	"time"
)

// StaleEventGuard remembers recently ended sessions for a short window so a
// late signaling event cannot resurrect a call both sides already tore down.
// It is deliberately forgetful; after the window the same session id is
// treated as a fresh, unrelated call.
type StaleEventGuard struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	ended  map[string]time.Time
}

func NewStaleEventGuard(window time.Duration, now func() time.Time) *StaleEventGuard {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = 3 * time.Second
	}
	return &StaleEventGuard{
		window: window,
		now:    now,
		ended:  make(map[string]time.Time),
	}
}

func (g *StaleEventGuard) MarkEnded(sessionID string) {
	if sessionID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.ended[sessionID] = now
	// Expired entries are pruned here so the map stays bounded by the number
	// of calls ended within one window.
	for id, at := range g.ended {
		if now.Sub(at) > g.window {
			delete(g.ended, id)
		}
	}
}

func (g *StaleEventGuard) IsStale(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.ended[sessionID]
	if !ok {
		return false
	}
	if g.now().Sub(at) > g.window {
		delete(g.ended, sessionID)
		return false
	}
	return true
}
