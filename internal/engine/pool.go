package engine

import (
	"context"
	"runtime"
)

// pool bounds the number of partition tasks running at once across all
// nodes of a run.
type pool struct {
	sem chan struct{}
}

func newPool(workers int) *pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &pool{sem: make(chan struct{}, workers)}
}

// acquire blocks until a task slot is free. The returned func releases it.
func (p *pool) acquire(ctx context.Context) (func(), error) {
	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// size returns the number of task slots.
func (p *pool) size() int {
	return cap(p.sem)
}
