package codec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pixload/darkroom/internal/domain"
)

// Governor bounds the number of codec processes running at once,
// independent of how many HTTP requests are in flight. Saturated callers
// queue up to a fixed depth and then fail fast instead of piling up.
type Governor struct {
	slots   chan struct{}
	waiting atomic.Int64
	depth   int64
}

func NewGovernor(maxProcs, queueDepth int) *Governor {
	if maxProcs < 1 {
		maxProcs = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Governor{
		slots: make(chan struct{}, maxProcs),
		depth: int64(queueDepth),
	}
}

// Acquire leases one process slot, blocking while the pool is saturated.
// The returned release is idempotent and must be called on every exit path;
// callers defer it immediately. Queue overflow returns ErrOverloaded,
// caller cancellation returns the context error.
func (g *Governor) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case g.slots <- struct{}{}:
		return g.releaseFunc(), nil
	default:
	}

	if g.waiting.Add(1) > g.depth {
		g.waiting.Add(-1)
		return nil, fmt.Errorf("%w: queue depth %d exceeded", domain.ErrOverloaded, g.depth)
	}
	defer g.waiting.Add(-1)

	select {
	case g.slots <- struct{}{}:
		return g.releaseFunc(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Governor) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-g.slots })
	}
}

// InUse reports currently leased slots.
func (g *Governor) InUse() int {
	return len(g.slots)
}

// Waiting reports callers blocked on a slot.
func (g *Governor) Waiting() int {
	return int(g.waiting.Load())
}

// Capacity reports the slot count.
func (g *Governor) Capacity() int {
	return cap(g.slots)
}
