// ABOUTME: Reconnection grace manager holding one delayed cleanup timer per session
// ABOUTME: A reconnecting client cancels the timer before its session state is dropped

package session

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultGracePeriod is how long a disconnected session survives without a client.
const DefaultGracePeriod = 30 * time.Second

type pendingCleanup struct {
	timer *time.Timer
	gen   uint64
}

// Grace schedules deferred per-session callbacks. At most one is pending per
// session id; scheduling again replaces the earlier one.
type Grace struct {
	mu      sync.Mutex
	period  time.Duration
	pending map[string]pendingCleanup
	gen     uint64
	logger  *slog.Logger
}

// NewGrace creates a grace manager. A non-positive period uses DefaultGracePeriod.
func NewGrace(period time.Duration, logger *slog.Logger) *Grace {
	if period <= 0 {
		period = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Grace{
		period:  period,
		pending: make(map[string]pendingCleanup),
		logger:  logger.With("component", "grace"),
	}
}

// Period returns the configured grace period.
func (g *Grace) Period() time.Duration { return g.period }

// Schedule runs fn after the grace period unless Cancel is called first.
// fn runs at most once, on its own goroutine, without any lock held.
func (g *Grace) Schedule(id string, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.pending[id]; ok {
		prev.timer.Stop()
	}

	g.gen++
	gen := g.gen
	timer := time.AfterFunc(g.period, func() {
		if !g.claim(id, gen) {
			return
		}
		g.logger.Info("grace period expired", "session_id", id)
		fn()
	})
	g.pending[id] = pendingCleanup{timer: timer, gen: gen}

	g.logger.Debug("cleanup scheduled", "session_id", id, "in", g.period)
}

// claim removes the entry for id if it still belongs to generation gen.
// A timer that was replaced or cancelled after it started firing loses here.
func (g *Grace) claim(id string, gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[id]
	if !ok || p.gen != gen {
		return false
	}
	delete(g.pending, id)
	return true
}

// Cancel stops the pending cleanup for id. It reports whether one was pending.
func (g *Grace) Cancel(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(g.pending, id)
	g.logger.Debug("cleanup cancelled", "session_id", id)
	return true
}

// CancelAll stops every pending cleanup and returns how many there were.
func (g *Grace) CancelAll() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.pending)
	for id, p := range g.pending {
		p.timer.Stop()
		delete(g.pending, id)
	}
	return n
}

// Pending returns the number of scheduled cleanups.
func (g *Grace) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// IsPending reports whether a cleanup is scheduled for id.
func (g *Grace) IsPending(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[id]
	return ok
}
