package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/ledgerrecon/recon/internal/errors"
)

const writeBatchSize = 1024

// WriteInfo describes the table a sink is about to receive.
type WriteInfo struct {
	Name       string
	Partitions int
	Columns    []string
	SortedBy   []string
}

// RowWriter receives the rows of one partition.
type RowWriter[T any] interface {
	Write(rows []T) error
	Close() error
}

// Sink persists a table, one writer per partition. Open may be called
// concurrently for different partitions. Nothing written becomes visible
// until Commit succeeds; Abort discards everything written so far.
type Sink[T any] interface {
	Begin(ctx context.Context, info WriteInfo) error
	Open(ctx context.Context, index int) (RowWriter[T], error)
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Action is a terminal operation. Running an action executes its node and
// every ancestor that has not already been executed in the same run.
type Action interface {
	Name() string
	root() *node
}

type writeAction struct {
	name string
	n    *node
}

func (a *writeAction) Name() string { return a.name }
func (a *writeAction) root() *node  { return a.n }

// Write creates an action that streams every partition of t to sink and
// commits it. Any failure aborts the sink, so partial output never becomes
// visible.
func Write[T any](name string, t Table[T], sink Sink[T]) Action {
	in := t.n
	n := newNode("write", in)
	a := &writeAction{name: name, n: n}
	if n.err != nil {
		return a
	}
	n.schema, n.layout, n.parts, n.sortedBy = in.schema, in.layout, in.parts, in.sortedBy
	info := WriteInfo{Name: name, Partitions: in.parts, Columns: in.schema.Names(), SortedBy: in.sortedBy}

	n.run = func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
		if err := sink.Begin(ctx, info); err != nil {
			return nil, writeErr(name, err)
		}
		_, err := r.forEach(ctx, len(in[0]), func(ctx context.Context, i int) (*Partition, error) {
			return nil, writePartition(ctx, sink, in[0][i], i, name)
		})
		if err == nil {
			if err = sink.Commit(ctx); err != nil {
				err = writeErr(name, err)
			}
		}
		if err != nil {
			if aerr := sink.Abort(context.WithoutCancel(ctx)); aerr != nil {
				r.ec.logger.Error("failed to abort write", "action", name, "error", aerr)
			}
			return nil, err
		}
		r.stats.rows.Add(sumRows(in[0]))
		return nil, nil
	}
	return a
}

func writePartition[T any](ctx context.Context, sink Sink[T], p *Partition, i int, name string) error {
	w, err := sink.Open(ctx, i)
	if err != nil {
		return writeErr(name, err)
	}
	batch := make([]T, 0, writeBatchSize)
	err = scan(ctx, p, func(row T) error {
		batch = append(batch, row)
		if len(batch) == cap(batch) {
			if err := w.Write(batch); err != nil {
				return writeErr(name, err)
			}
			batch = batch[:0]
		}
		return nil
	})
	if err == nil && len(batch) > 0 {
		if werr := w.Write(batch); werr != nil {
			err = writeErr(name, werr)
		}
	}
	if cerr := w.Close(); cerr != nil && err == nil {
		err = writeErr(name, cerr)
	}
	return err
}

func writeErr(name string, err error) error {
	if _, ok := err.(*errors.ReconError); ok {
		return err
	}
	return errors.NewWriteFailure(fmt.Sprintf("failed to write %s", name), err)
}

func sumRows(parts []*Partition) int64 {
	var n int64
	for _, p := range parts {
		n += p.Rows()
	}
	return n
}

// Collection is an action that loads a table into memory. It is meant for
// tests and small results.
type Collection[T any] struct {
	name  string
	n     *node
	mu    sync.Mutex
	parts [][]T
}

// Collect creates an action that materializes t in memory, keeping the
// partition structure.
func Collect[T any](name string, t Table[T]) *Collection[T] {
	in := t.n
	n := newNode("collect", in)
	c := &Collection[T]{name: name, n: n}
	if n.err != nil {
		return c
	}
	n.schema, n.layout, n.parts, n.sortedBy = in.schema, in.layout, in.parts, in.sortedBy
	n.run = func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
		parts := make([][]T, len(in[0]))
		err := r.parallel(ctx, len(in[0]), func(ctx context.Context, i int) error {
			rows, err := collect[T](ctx, in[0][i])
			parts[i] = rows
			return err
		})
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.parts = parts
		c.mu.Unlock()
		r.stats.rows.Add(sumRows(in[0]))
		return nil, nil
	}
	return c
}

func (c *Collection[T]) Name() string { return c.name }
func (c *Collection[T]) root() *node  { return c.n }

// Partitions returns the collected rows per partition.
func (c *Collection[T]) Partitions() [][]T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parts
}

// Rows returns all collected rows, partition by partition.
func (c *Collection[T]) Rows() []T {
	var out []T
	for _, p := range c.Partitions() {
		out = append(out, p...)
	}
	return out
}

// Materialize runs t on eng and returns its rows per partition.
func Materialize[T any](ctx context.Context, eng *Engine, t Table[T]) ([][]T, error) {
	c := Collect("materialize", t)
	res := eng.Run(ctx, c)
	return c.Partitions(), res[0].Err
}
