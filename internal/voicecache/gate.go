package voicecache

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/allvoice/voice-gateway/internal/observability"
)

// Gate caps the number of synthesis calls in flight. Waiters are admitted in
// FIFO order.
type Gate struct {
	sem    *semaphore.Weighted
	limit  int
	active atomic.Int64
}

// NewGate creates a gate admitting at most limit holders
func NewGate(limit int) *Gate {
	return &Gate{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Acquire blocks until a permit is free or ctx is done
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	observability.SetActiveSyntheses(int(g.active.Add(1)))
	return nil
}

// Release returns a permit taken by Acquire
func (g *Gate) Release() {
	observability.SetActiveSyntheses(int(g.active.Add(-1)))
	g.sem.Release(1)
}

// Do runs fn while holding a permit. The permit is returned on every path.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// Active is the number of permits currently held
func (g *Gate) Active() int {
	return int(g.active.Load())
}

func (g *Gate) Limit() int {
	return g.limit
}
