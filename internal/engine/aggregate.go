package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ledgerrecon/recon/internal/errors"
)

// Sum is one summed column of a grouped aggregation.
type Sum[T any] struct {
	// Column is the input column being summed.
	Column string
	// As is the output column holding the sum. Defaults to Column.
	As string
	// Value reads the column from a row.
	Value func(T) decimal.Decimal
}

// SumOf sums column into an output column of the same name.
func SumOf[T any](column string, value func(T) decimal.Decimal) Sum[T] {
	return Sum[T]{Column: column, Value: value}
}

func (s Sum[T]) output() string {
	if s.As != "" {
		return s.As
	}
	return s.Column
}

// Aggregation describes a grouped sum from rows of type T into rows of type
// A, one per distinct key.
type Aggregation[T any, K KeyValue, A any] struct {
	Key  Key[T, K]
	Sums []Sum[T]
	// Emit builds the output row for a key from its sums, in Sums order.
	Emit func(K, []decimal.Decimal) A
	// OutKey reads the key back from an output row. It is used to verify
	// colocation of the merged result and may be nil.
	OutKey func(A) K
}

func (a Aggregation[T, K, A]) validate(in *Schema) (*Schema, *errors.ReconError) {
	if len(a.Key.Columns) == 0 || a.Key.Extract == nil {
		return nil, errors.NewInvalidPlan("aggregate: key has no columns")
	}
	if a.Emit == nil {
		return nil, errors.NewInvalidPlan("aggregate: no emit function")
	}
	if err := in.Require(a.Key.Columns...); err != nil {
		return nil, asRecon(err, "aggregate")
	}
	out, err := SchemaOf[A]()
	if err != nil {
		return nil, asRecon(err, "aggregate")
	}
	if err := out.Require(a.Key.Columns...); err != nil {
		return nil, errors.NewSchemaMismatch(fmt.Sprintf("aggregate: output row does not carry key columns [%s]", strings.Join(a.Key.Columns, ", ")))
	}
	for _, s := range a.Sums {
		if s.Value == nil {
			return nil, errors.NewInvalidPlan(fmt.Sprintf("aggregate: sum of %q has no value function", s.Column))
		}
		if err := in.Require(s.Column); err != nil {
			return nil, asRecon(err, "aggregate")
		}
		if err := out.Require(s.output()); err != nil {
			return nil, errors.NewSchemaMismatch(fmt.Sprintf("aggregate: output row has no column %q for sum of %q", s.output(), s.Column)).
				WithDetail(errors.DetailColumn, s.output())
		}
	}
	return out, nil
}

func colocationErr(layout Layout, keys []string) *errors.ReconError {
	return errors.NewColocationViolation(fmt.Sprintf(
		"input is %s, not hash-partitioned by [%s]; repartition by the grouping key before aggregating",
		layout, strings.Join(keys, ", ")))
}

// LocalAggregate sums rows within each partition, producing one row per key
// present in the partition, in order of first appearance. This is complete
// only if no key spans two partitions, so the input must be hash-partitioned
// by the grouping key; anything else fails with COLOCATION_VIOLATION when the
// graph is built.
func LocalAggregate[T any, K KeyValue, A any](t Table[T], agg Aggregation[T, K, A]) Table[A] {
	in := t.n
	n := newNode("aggregate", in)
	n.keys = agg.Key.Columns
	if n.err != nil {
		return Table[A]{n: n}
	}
	out, verr := agg.validate(in.schema)
	if verr != nil {
		n.fail(verr)
		return Table[A]{n: n}
	}
	if !in.layout.hashedBy(agg.Key.Columns, agg.Key.encoding()) {
		n.fail(colocationErr(in.layout, agg.Key.Columns))
		return Table[A]{n: n}
	}
	n.schema, n.layout, n.parts = out, in.layout, in.parts
	layout := in.layout

	n.run = func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
		return r.forEach(ctx, len(in[0]), func(ctx context.Context, i int) (*Partition, error) {
			src := in[0][i]
			if err := checkBucket(src, i, layout); err != nil {
				return nil, err
			}
			index := make(map[K]int)
			var keys []K
			var sums [][]decimal.Decimal
			err := scan(ctx, src, func(row T) error {
				k := agg.Key.Extract(row)
				g, ok := index[k]
				if !ok {
					g = len(keys)
					index[k] = g
					keys = append(keys, k)
					acc := make([]decimal.Decimal, len(agg.Sums))
					for s := range acc {
						acc[s] = decimal.Zero
					}
					sums = append(sums, acc)
				}
				for s, sum := range agg.Sums {
					sums[g][s] = sums[g][s].Add(sum.Value(row))
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			b := newBuilder[A](r, i)
			for g, k := range keys {
				if err := b.Add(agg.Emit(k, sums[g])); err != nil {
					b.Discard()
					return nil, err
				}
			}
			return b.Finish(src.Bucket)
		})
	}
	return Table[A]{n: n}
}

// checkBucket verifies that partition i carries the bucket descriptor of
// the given layout.
func checkBucket(p *Partition, i int, layout Layout) error {
	if p.Bucket == nil || p.Bucket.Index != i || !p.Bucket.Layout.hashedBy(layout.Keys, layout.Encoding) ||
		p.Bucket.Layout.Seed != layout.Seed || p.Bucket.Layout.Count != layout.Count {
		return errors.NewColocationViolation(fmt.Sprintf("partition %d is %s, want bucket %d of %s", i, p.Bucket, i, layout))
	}
	return nil
}

// MergeAggregate completes a grouped aggregation across partitions. Since
// LocalAggregate's input was colocated by key, every key already has exactly
// one row and merging is a concatenation: partitions are handed through
// without copying. With colocation verification enabled, every row's key is
// re-hashed and checked against the partition it sits in.
func MergeAggregate[T any, K KeyValue, A any](t Table[A], agg Aggregation[T, K, A]) Table[A] {
	in := t.n
	n := newNode("merge", in)
	n.keys = agg.Key.Columns
	if n.err != nil {
		return Table[A]{n: n}
	}
	if !in.layout.hashedBy(agg.Key.Columns, agg.Key.encoding()) {
		n.fail(colocationErr(in.layout, agg.Key.Columns))
		return Table[A]{n: n}
	}
	n.schema, n.layout, n.parts, n.sortedBy = in.schema, in.layout, in.parts, in.sortedBy
	layout := in.layout

	n.run = func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
		if r.ec.verify && agg.OutKey != nil {
			err := r.parallel(ctx, len(in[0]), func(ctx context.Context, i int) error {
				outKey := Key[A, K]{Columns: agg.Key.Columns, Extract: agg.OutKey}
				a := newAssigner(outKey, layout.Seed, layout.Count)
				return scan(ctx, in[0][i], func(row A) error {
					if j := a.assign(row); j != i {
						return errors.NewColocationViolation(fmt.Sprintf(
							"key %v belongs to partition %d but was found in partition %d", agg.OutKey(row), j, i))
					}
					return nil
				})
			})
			if err != nil {
				return nil, err
			}
		}
		out := make([]*Partition, len(in[0]))
		for i, p := range in[0] {
			out[i] = p.share(i, p.Bucket)
			r.stats.rows.Add(p.Rows())
			r.stats.bytes.Add(p.Bytes())
		}
		return out, nil
	}
	return Table[A]{n: n}
}

// GroupByKeysSum sums rows by key: Repartition by the key, then
// LocalAggregate, then MergeAggregate. The order matters: aggregating before
// repartitioning splits a key's total across partitions.
func GroupByKeysSum[T any, K KeyValue, A any](t Table[T], agg Aggregation[T, K, A], opts ...RepartitionOption) Table[A] {
	colocated := Repartition(t, agg.Key, opts...)
	return MergeAggregate(LocalAggregate(colocated, agg), agg)
}
