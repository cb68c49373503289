// Package flight coalesces concurrent builds of the same tile
// fingerprint into one execution that all callers await.
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group runs at most one build per key at a time and shares the result
// with every caller that arrived while it ran.
//
// The build runs detached from any single caller, so one cancelled
// request cannot kill a build others are waiting on. Waiters are
// counted per key; when the last one leaves early, the build is
// cancelled and the key forgotten.
type Group[T any] struct {
	g singleflight.Group

	mu     sync.Mutex
	builds map[string]*build
}

type build struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

func NewGroup[T any]() *Group[T] {
	return &Group[T]{builds: map[string]*build{}}
}

// Do returns the result of fn for key, running it once no matter how
// many callers arrive while it is in flight.
//
// Args:
//
// - ctx: the caller's context. It bounds the wait, not the build.
//
// - key: the coalescing key, one build per key at a time.
//
// - fn: the build. It receives the shared build context.
//
// Returns:
//
// - T: the build result.
//
// - bool: whether the result was shared with other callers.
//
// - error: fn's error, or the context error when the caller left early.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	bctx := g.enter(ctx, key)

	ch := g.g.DoChan(key, func() (interface{}, error) {
		return fn(bctx)
	})

	select {
	case res := <-ch:
		g.leave(key, false)
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		g.leave(key, true)
		var zero T
		return zero, false, ctx.Err()
	}
}

// enter joins the build of key, creating it on first arrival. The
// returned context belongs to the build, not the caller.
func (g *Group[T]) enter(ctx context.Context, key string) context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.builds[key]
	if !ok {
		bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b = &build{ctx: bctx, cancel: cancel}
		g.builds[key] = b
	}
	b.refs++
	return b.ctx
}

// leave drops one waiter. The last one out tears the build down; on an
// early exit the key is also forgotten so new callers do not latch onto
// a build that is being cancelled.
func (g *Group[T]) leave(key string, early bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.builds[key]
	if !ok {
		return
	}
	b.refs--
	if b.refs > 0 {
		return
	}
	delete(g.builds, key)
	b.cancel()
	if early {
		g.g.Forget(key)
	}
}
