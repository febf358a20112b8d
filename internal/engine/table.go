// Package engine is a single-process, partitioned execution engine for typed
// row tables. Tables are lazy: operators only add nodes to a graph, and no
// rows are read or computed until Engine.Run executes one or more actions.
//
// Operators are generic package functions because methods cannot introduce
// type parameters:
//
//	lines := engine.Scan[types.GLRow](src)
//	byJournal := engine.Repartition(lines, journalKey, engine.Partitions(64))
//	totals := engine.GroupByKeysSum(byJournal, journalKey, sums, emit, engine.Partitions(64))
//
// Hash repartitioning establishes the colocation invariant: every row with a
// given key lands in the same partition. Aggregation and joins check that
// invariant when the graph is built and refuse to run without it.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ledgerrecon/recon/internal/errors"
)

var nodeSeq atomic.Int64

type runFunc func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error)

// node is one vertex of an operator graph. Nodes are immutable once built
// and identified by pointer: a node reachable from several actions is
// executed once per run.
type node struct {
	id       int64
	kind     string
	inputs   []*node
	schema   *Schema
	layout   Layout
	parts    int
	estBytes int64
	sortedBy []string
	keys     []string
	err      error
	run      runFunc
}

func newNode(kind string, inputs ...*node) *node {
	n := &node{id: nodeSeq.Add(1), kind: kind, inputs: inputs}
	for _, in := range inputs {
		if in.err != nil && n.err == nil {
			n.err = in.err
		}
		n.estBytes += in.estBytes
	}
	return n
}

func (n *node) label() string {
	return fmt.Sprintf("%s#%d", n.kind, n.id)
}

// fail records a plan-time error on the node, annotated with the node's
// identity.
func (n *node) fail(err *errors.ReconError) {
	if n.err != nil {
		return
	}
	d := map[string]interface{}{
		errors.DetailNode:     n.label(),
		errors.DetailNodeKind: n.kind,
	}
	if len(n.keys) > 0 {
		d[errors.DetailKeys] = strings.Join(n.keys, ",")
	}
	n.err = err.WithDetails(d)
}

// Table is a handle to a lazily evaluated, partitioned table of rows of
// type T. The zero Table is not usable; tables come from Scan, FromRows or
// an operator.
type Table[T any] struct {
	n *node
}

// Schema returns the table's columns.
func (t Table[T]) Schema() *Schema { return t.n.schema }

// Layout returns how rows are distributed across the table's partitions.
func (t Table[T]) Layout() Layout { return t.n.layout }

// Partitions returns the number of partitions the table will have.
func (t Table[T]) Partitions() int { return t.n.parts }

// EstimatedBytes is the planner's size estimate for the table.
func (t Table[T]) EstimatedBytes() int64 { return t.n.estBytes }

// SortedBy returns the columns each partition is sorted by, if any.
func (t Table[T]) SortedBy() []string { return append([]string(nil), t.n.sortedBy...) }

// Err returns the plan-time error of the table, if building it or any of
// its inputs failed validation.
func (t Table[T]) Err() error { return t.n.err }

func (t Table[T]) String() string {
	return fmt.Sprintf("%s %s", t.n.label(), t.n.layout)
}

// Source provides the partitions of an input dataset. Read streams the rows
// of one partition in batches; emit must not retain the batch.
type Source[T any] interface {
	Name() string
	Partitions() int
	SizeBytes() int64
	Read(ctx context.Context, index int, emit func([]T) error) error
}

// Scan creates a table backed by a source. Every partition of the source is
// read exactly once per run, however many pipelines consume the table.
func Scan[T any](src Source[T]) Table[T] {
	n := newNode("scan")
	n.parts = src.Partitions()
	n.estBytes = src.SizeBytes()
	n.layout = Layout{Scheme: SchemeNone, Count: n.parts}
	schema, err := SchemaOf[T]()
	if err != nil {
		n.fail(asRecon(err, "invalid row type"))
		return Table[T]{n: n}
	}
	n.schema = schema
	n.run = func(ctx context.Context, r *nodeRun, _ [][]*Partition) ([]*Partition, error) {
		r.ec.logger.Debug("scanning source", "source", src.Name(), "partitions", n.parts)
		return r.forEach(ctx, n.parts, func(ctx context.Context, i int) (*Partition, error) {
			b := newBuilder[T](r, i)
			err := src.Read(ctx, i, func(batch []T) error {
				for _, row := range batch {
					if err := b.Add(row); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				b.Discard()
				if _, ok := err.(*errors.ReconError); ok {
					return nil, err
				}
				return nil, errors.NewReadFailure(fmt.Sprintf("failed to read %s", src.Name()), err)
			}
			return b.Finish(nil)
		})
	}
	return Table[T]{n: n}
}

// Invalid creates a table that fails every action depending on it with err.
// It stands in for an input that could not be opened, so that pipelines not
// using the input still run.
func Invalid[T any](name string, err error) Table[T] {
	n := newNode("scan")
	re, ok := err.(*errors.ReconError)
	if !ok {
		re = errors.NewReadFailure(fmt.Sprintf("failed to open %s", name), err)
	}
	if _, has := re.Details[errors.DetailPath]; !has {
		re = re.WithDetail(errors.DetailPath, name)
	}
	n.fail(re)
	return Table[T]{n: n}
}

// FromRows creates a table with one partition per argument.
func FromRows[T any](parts ...[]T) Table[T] {
	return Scan[T](&sliceSource[T]{parts: parts})
}

type sliceSource[T any] struct {
	parts [][]T
}

func (s *sliceSource[T]) Name() string    { return "memory" }
func (s *sliceSource[T]) Partitions() int { return len(s.parts) }

func (s *sliceSource[T]) SizeBytes() int64 {
	var n int64
	for _, p := range s.parts {
		for _, row := range p {
			n += rowSize(row)
		}
	}
	return n
}

func (s *sliceSource[T]) Read(_ context.Context, index int, emit func([]T) error) error {
	return emit(s.parts[index])
}
