// Package workpool bounds how many background jobs run at once.
package workpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent jobs using a weighted semaphore.
type Pool struct {
	sem     *semaphore.Weighted
	limit   int
	running atomic.Int64
}

// New creates a Pool that allows at most limit concurrent jobs.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.sem.Release(1)
	}()
	return fn()
}

// Running returns the number of jobs currently holding a slot.
func (p *Pool) Running() int {
	if p == nil {
		return 0
	}
	return int(p.running.Load())
}

// Limit returns the slot count, or 0 for a nil pool.
func (p *Pool) Limit() int {
	if p == nil {
		return 0
	}
	return p.limit
}
