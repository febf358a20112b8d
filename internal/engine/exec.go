package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerrecon/recon/internal/errors"
)

// execContext is the state shared by every node of one run.
type execContext struct {
	runID          string
	dir            string
	spillThreshold int64
	memoryLimit    int64
	verify         bool
	resident       atomic.Int64
	pool           *pool
	logger         *slog.Logger
}

func (ec *execContext) overBudget() bool {
	return ec.memoryLimit > 0 && ec.resident.Load() > ec.memoryLimit
}

// nodeRun is one execution of a node.
type nodeRun struct {
	ec    *execContext
	n     *node
	stats *statsRecorder
}

// parallel runs fn for indexes 0..n-1 on the shared task pool and returns
// the first error, annotated with the index it failed on.
func (r *nodeRun) parallel(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() (err error) {
			release, err := r.ec.pool.acquire(gctx)
			if err != nil {
				return err
			}
			defer release()
			defer func() {
				if p := recover(); p != nil {
					err = r.annotate(errors.NewInternalError(fmt.Sprintf("%s panicked", r.n.label()), fmt.Errorf("%v", p)), i)
				}
			}()

			if err := fn(gctx, i); err != nil {
				return r.annotate(err, i)
			}
			return nil
		})
	}
	return g.Wait()
}

// forEach builds partitions 0..n-1 in parallel and returns them in index
// order. On failure every partition already built is released.
func (r *nodeRun) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int) (*Partition, error)) ([]*Partition, error) {
	out := make([]*Partition, n)
	err := r.parallel(ctx, n, func(ctx context.Context, i int) error {
		p, err := fn(ctx, i)
		if err != nil {
			return err
		}
		out[i] = p
		return nil
	})
	if err != nil {
		releaseAll(out)
		return nil, err
	}
	return out, nil
}

// annotate attaches the node's identity, key columns and the partition (if
// not negative) to err.
func (r *nodeRun) annotate(err error, part int) error {
	re := asRecon(err, fmt.Sprintf("%s failed", r.n.kind))
	d := map[string]interface{}{
		errors.DetailNode:     r.n.label(),
		errors.DetailNodeKind: r.n.kind,
	}
	if len(r.n.keys) > 0 {
		d[errors.DetailKeys] = strings.Join(r.n.keys, ",")
	}
	if _, has := re.Details[errors.DetailPartition]; !has && part >= 0 {
		d[errors.DetailPartition] = part
	}
	return re.WithDetails(d)
}

func asRecon(err error, message string) *errors.ReconError {
	if re, ok := err.(*errors.ReconError); ok {
		return re
	}
	return errors.NewInternalError(message, err)
}
