// Package gate bounds the number of tile builds in flight on this node.
//
// The gate is independent of worker fan-out: it guards total concurrent
// work even while the worker pool is resizing or reloading. Request
// serving probes it with TryAcquire and turns a refusal into
// backpressure; pyramid runs block on Acquire instead, background work
// has no deadline to miss.
package gate

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrRejected reports an admission refusal: the node is already at its
// concurrent tile build ceiling.
var ErrRejected = errors.New("admission rejected")

// Gate is a counting admission gate whose limit can be moved at
// runtime. Raising the limit releases queued waiters immediately;
// lowering it never revokes held slots, the excess drains as they are
// released.
type Gate struct {
	mu       sync.Mutex
	limit    int
	inFlight int
	waiters  []chan struct{}
}

func New(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{limit: limit}
}

// TryAcquire claims a slot without waiting.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.limit {
		return false
	}
	g.inFlight++
	return true
}

// Acquire claims a slot, waiting for one to free up.
//
// Returns the context error when ctx ends first; the queued claim is
// withdrawn in that case.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.inFlight < g.limit {
		g.inFlight++
		g.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-w:
			// granted while leaving; pass the slot on
			g.inFlight--
			g.grantLocked()
		default:
			if i := slices.Index(g.waiters, w); i >= 0 {
				g.waiters = slices.Delete(g.waiters, i, i+1)
			}
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees a held slot and hands it to the next waiter.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	g.grantLocked()
}

// Resize moves the limit by delta and returns the new limit. The limit
// never drops below one.
func (g *Gate) Resize(delta int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit += delta
	if g.limit < 1 {
		g.limit = 1
	}
	g.grantLocked()
	return g.limit
}

// Limit returns the current admission ceiling.
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// InFlight returns the number of held slots.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

func (g *Gate) grantLocked() {
	for g.inFlight < g.limit && len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(w)
		g.inFlight++
	}
}
