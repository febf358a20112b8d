package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledgerrecon/recon/internal/errors"
)

// JoinKind selects inner or full outer join semantics.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	OuterJoin
)

func (k JoinKind) String() string {
	if k == OuterJoin {
		return "outer"
	}
	return "inner"
}

// Joined is an output row of a join. In an outer join a side with no match
// is absent: its value is the zero row and its Has flag is false.
type Joined[L, R any] struct {
	Left     L
	Right    R
	HasLeft  bool
	HasRight bool
}

// Size estimates the in-memory footprint of the row in bytes.
func (j Joined[L, R]) Size() int {
	return int(rowSize(j.Left)+rowSize(j.Right)) + 2
}

// Join equi-joins two tables on lk = rk. Both inputs must be hash-partitioned
// by their join keys with the same seed and partition count, which is
// checked when the graph is built and again against every partition's bucket
// descriptor before any partition is joined; a mismatch fails with
// JOIN_PRECONDITION. Partition i of the left is joined only with partition i
// of the right.
//
// The right partition is the build side and is held in memory; the left
// partition is streamed. Output preserves left order, with unmatched right
// rows of an outer join appended in their original order.
//
// The output schema keeps left column names and suffixes colliding right
// column names with JoinSuffix (see ResolveJoinColumns).
func Join[L, R any, K KeyValue](left Table[L], right Table[R], lk Key[L, K], rk Key[R, K], kind JoinKind) Table[Joined[L, R]] {
	n := newNode("join", left.n, right.n)
	n.keys = lk.Columns
	if n.err != nil {
		return Table[Joined[L, R]]{n: n}
	}
	ln, rn := left.n, right.n
	if len(lk.Columns) == 0 || len(lk.Columns) != len(rk.Columns) || lk.Extract == nil || rk.Extract == nil {
		n.fail(errors.NewInvalidPlan(fmt.Sprintf("join: key columns [%s] and [%s] do not pair up",
			strings.Join(lk.Columns, ", "), strings.Join(rk.Columns, ", "))))
		return Table[Joined[L, R]]{n: n}
	}
	if err := ln.schema.Require(lk.Columns...); err != nil {
		n.fail(asRecon(err, "join"))
		return Table[Joined[L, R]]{n: n}
	}
	if err := rn.schema.Require(rk.Columns...); err != nil {
		n.fail(asRecon(err, "join"))
		return Table[Joined[L, R]]{n: n}
	}
	if err := JoinPrecondition(ln.layout, rn.layout, lk.Columns, rk.Columns, lk.encoding()); err != nil {
		n.fail(err)
		return Table[Joined[L, R]]{n: n}
	}
	n.schema, _ = ResolveJoinColumns(ln.schema, rn.schema)
	n.layout, n.parts = ln.layout, ln.parts
	if kind == OuterJoin {
		// Right-only rows carry their key in the right columns, so the
		// output is not hashed by the left key columns.
		n.layout = Layout{Scheme: SchemeNone, Count: ln.parts}
	}
	layout := n.layout

	n.run = func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
		lp, rp := in[0], in[1]
		if len(lp) != len(rp) {
			return nil, errors.NewJoinPrecondition(fmt.Sprintf("left has %d partitions, right has %d", len(lp), len(rp)))
		}
		for i := range lp {
			if err := alignedBuckets(lp[i], rp[i], i); err != nil {
				return nil, r.annotate(err, i)
			}
		}
		return r.forEach(ctx, len(lp), func(ctx context.Context, i int) (*Partition, error) {
			rows, err := collect[R](ctx, rp[i])
			if err != nil {
				return nil, err
			}
			index := make(map[K][]int, len(rows))
			for j, row := range rows {
				k := rk.Extract(row)
				index[k] = append(index[k], j)
			}
			matched := make([]bool, len(rows))

			b := newBuilder[Joined[L, R]](r, i)
			err = scan(ctx, lp[i], func(l L) error {
				js, ok := index[lk.Extract(l)]
				if !ok {
					if kind == OuterJoin {
						return b.Add(Joined[L, R]{Left: l, HasLeft: true})
					}
					return nil
				}
				for _, j := range js {
					matched[j] = true
					if err := b.Add(Joined[L, R]{Left: l, Right: rows[j], HasLeft: true, HasRight: true}); err != nil {
						return err
					}
				}
				return nil
			})
			if err == nil && kind == OuterJoin {
				for j, row := range rows {
					if matched[j] {
						continue
					}
					if err = b.Add(Joined[L, R]{Right: row, HasRight: true}); err != nil {
						break
					}
				}
			}
			if err != nil {
				b.Discard()
				return nil, err
			}
			if layout.Scheme == SchemeNone {
				return b.Finish(nil)
			}
			return b.Finish(&Bucket{Layout: layout, Index: i})
		})
	}
	return Table[Joined[L, R]]{n: n}
}

// JoinPrecondition checks that two layouts are partition-aligned on the
// given key columns: both hash-partitioned by those keys with the same key
// encoding, seed and partition count.
func JoinPrecondition(left, right Layout, leftKeys, rightKeys []string, encoding string) *errors.ReconError {
	switch {
	case !left.hashedBy(leftKeys, encoding):
		return errors.NewJoinPrecondition(fmt.Sprintf("left input is %s, not hash-partitioned by [%s]", left, strings.Join(leftKeys, ", ")))
	case !right.hashedBy(rightKeys, encoding):
		return errors.NewJoinPrecondition(fmt.Sprintf("right input is %s, not hash-partitioned by [%s]", right, strings.Join(rightKeys, ", ")))
	case !left.alignedWith(right):
		return errors.NewJoinPrecondition(fmt.Sprintf("inputs are not partitioned identically: left %s, right %s", left, right))
	}
	return nil
}

func alignedBuckets(l, r *Partition, i int) *errors.ReconError {
	if l.Bucket == nil || r.Bucket == nil || l.Bucket.Index != i || r.Bucket.Index != i ||
		!l.Bucket.Layout.alignedWith(r.Bucket.Layout) {
		return errors.NewJoinPrecondition(fmt.Sprintf("partition %d is not aligned: left %s, right %s", i, l.Bucket, r.Bucket))
	}
	return nil
}
