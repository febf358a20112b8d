package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ledgerrecon/recon/internal/errors"
)

// Filter keeps the rows for which pred returns true. columns names the
// columns pred reads; they are validated against the input schema. The
// input's layout and sort order carry over.
func Filter[T any](t Table[T], pred func(T) bool, columns ...string) Table[T] {
	in := t.n
	n := newNode("filter", in)
	if n.err != nil {
		return Table[T]{n: n}
	}
	n.schema, n.layout, n.parts, n.sortedBy = in.schema, in.layout, in.parts, in.sortedBy
	if err := in.schema.Require(columns...); err != nil {
		n.fail(asRecon(err, "filter"))
		return Table[T]{n: n}
	}
	n.run = func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
		return r.forEach(ctx, len(in[0]), func(ctx context.Context, i int) (*Partition, error) {
			src := in[0][i]
			b := newBuilder[T](r, i)
			err := scan(ctx, src, func(row T) error {
				if pred(row) {
					return b.Add(row)
				}
				return nil
			})
			if err != nil {
				b.Discard()
				return nil, err
			}
			return b.Finish(src.Bucket)
		})
	}
	return Table[T]{n: n}
}

// Projection declares the columns a Project carries from its input, how they
// are renamed, and which output columns the mapping computes.
type Projection struct {
	// Columns are input columns carried into the output.
	Columns []string
	// Renames maps input column names to output names.
	Renames map[string]string
	// Derived are output columns computed from other columns.
	Derived []string
}

func (p Projection) outputName(col string) string {
	if to, ok := p.Renames[col]; ok {
		return to
	}
	return col
}

// Project maps every row to a new row type. The projection must account for
// every column of U exactly once. A hash layout survives when all of its key
// columns are carried (under their new names).
func Project[T, U any](t Table[T], p Projection, fn func(T) U) Table[U] {
	in := t.n
	n := newNode("project", in)
	if n.err != nil {
		return Table[U]{n: n}
	}
	n.parts = in.parts
	out, err := SchemaOf[U]()
	if err != nil {
		n.fail(asRecon(err, "project"))
		return Table[U]{n: n}
	}
	n.schema = out
	if err := validateProjection(in.schema, out, p); err != nil {
		n.fail(err)
		return Table[U]{n: n}
	}

	carried := make(map[string]bool, len(p.Columns))
	for _, c := range p.Columns {
		carried[c] = true
	}
	rename := func(col string) (string, bool) {
		if !carried[col] {
			return "", false
		}
		return p.outputName(col), true
	}
	n.layout, _ = in.layout.renamed(rename)
	for _, c := range in.sortedBy {
		to, ok := rename(c)
		if !ok {
			break
		}
		n.sortedBy = append(n.sortedBy, to)
	}

	n.run = func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
		return r.forEach(ctx, len(in[0]), func(ctx context.Context, i int) (*Partition, error) {
			src := in[0][i]
			b := newBuilder[U](r, i)
			if err := scan(ctx, src, func(row T) error { return b.Add(fn(row)) }); err != nil {
				b.Discard()
				return nil, err
			}
			var bucket *Bucket
			if src.Bucket != nil && n.layout.Scheme == SchemeHash {
				bucket = &Bucket{Layout: n.layout, Index: src.Bucket.Index}
			}
			return b.Finish(bucket)
		})
	}
	return Table[U]{n: n}
}

func validateProjection(in, out *Schema, p Projection) *errors.ReconError {
	if err := in.Require(p.Columns...); err != nil {
		return asRecon(err, "project")
	}
	for from := range p.Renames {
		if !slices.Contains(p.Columns, from) {
			return errors.NewInvalidPlan(fmt.Sprintf("project: rename of %q which is not a projected column", from)).
				WithDetail(errors.DetailColumn, from)
		}
	}
	produced := make(map[string]bool)
	add := func(name string) *errors.ReconError {
		if produced[name] {
			return errors.NewInvalidPlan(fmt.Sprintf("project: column %q produced twice", name)).
				WithDetail(errors.DetailColumn, name)
		}
		produced[name] = true
		return nil
	}
	for _, c := range p.Columns {
		if err := add(p.outputName(c)); err != nil {
			return err
		}
	}
	for _, c := range p.Derived {
		if err := add(c); err != nil {
			return err
		}
	}
	var missing, extra []string
	for _, c := range out.Names() {
		if !produced[c] {
			missing = append(missing, c)
		}
		delete(produced, c)
	}
	for c := range produced {
		extra = append(extra, c)
	}
	if len(missing) > 0 || len(extra) > 0 {
		slices.Sort(extra)
		return errors.NewSchemaMismatch(fmt.Sprintf("project: output row declares [%s]; missing [%s], unexpected [%s]",
			strings.Join(out.Names(), ", "), strings.Join(missing, ", "), strings.Join(extra, ", ")))
	}
	return nil
}

// SortWithin sorts each partition by cmp. It does not order rows across
// partitions. columns names the sort key for validation and for the sorting
// metadata recorded by writers.
func SortWithin[T any](t Table[T], cmp func(a, b T) int, columns ...string) Table[T] {
	in := t.n
	n := newNode("sort", in)
	n.keys = columns
	if n.err != nil {
		return Table[T]{n: n}
	}
	n.schema, n.layout, n.parts = in.schema, in.layout, in.parts
	if len(columns) == 0 {
		n.fail(errors.NewInvalidPlan("sort: no sort columns"))
		return Table[T]{n: n}
	}
	if err := in.schema.Require(columns...); err != nil {
		n.fail(asRecon(err, "sort"))
		return Table[T]{n: n}
	}
	n.sortedBy = append([]string(nil), columns...)
	n.run = func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
		return r.forEach(ctx, len(in[0]), func(ctx context.Context, i int) (*Partition, error) {
			src := in[0][i]
			s := newSorter(r, i, cmp)
			if err := scan(ctx, src, s.add); err != nil {
				s.discard()
				return nil, err
			}
			return s.finish(ctx, src.Bucket)
		})
	}
	return Table[T]{n: n}
}
