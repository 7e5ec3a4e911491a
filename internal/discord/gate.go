package discord

import (
	"context"
	"sync"
	"time"
)

// readinessGate is the barrier outbound work waits behind. Waiters are
// woken with true on the next ready transition and with false when the
// supervisor stops for good.
type readinessGate struct {
	mu      sync.Mutex
	ready   bool
	stopped bool
	waiters []chan bool
}

func (g *readinessGate) isReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready && !g.stopped
}

// setReady flips the gate. Turning it on resolves all waiters.
func (g *readinessGate) setReady(ready bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = ready
	if ready && !g.stopped {
		g.wakeLocked(true)
	}
}

// stop permanently closes the gate, rejecting current and future waiters.
func (g *readinessGate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	g.ready = false
	g.wakeLocked(false)
}

func (g *readinessGate) wakeLocked(value bool) {
	for _, w := range g.waiters {
		w <- value
	}
	g.waiters = nil
}

// wait returns true if the gate is ready now or becomes ready within
// timeout; false on timeout, stop, or context cancellation.
func (g *readinessGate) wait(ctx context.Context, timeout time.Duration) bool {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return false
	}
	if g.ready {
		g.mu.Unlock()
		return true
	}
	w := make(chan bool, 1)
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok := <-w:
		return ok
	case <-timer.C:
		g.remove(w)
		return false
	case <-ctx.Done():
		g.remove(w)
		return false
	}
}

func (g *readinessGate) remove(w chan bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.waiters {
		if existing == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}
