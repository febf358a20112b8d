package engine

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/ledgerrecon/recon/internal/errors"
)

type renamedItem struct {
	ID    string `parquet:"id"`
	Seq   int64  `parquet:"seq"`
	Value int64  `parquet:"value"`
}

type keyOnly struct {
	Key string `parquet:"key"`
}

func TestFilter_KeepsLayoutAndRows(t *testing.T) {
	by := Repartition(FromRows(makeItems([]int{1, 2, 3, 4, 5, 6}, 2)...), itemKey, Partitions(3))
	pos := Filter(by, func(r item) bool { return r.Value > 0 }, "value")
	if pos.Layout().String() != by.Layout().String() {
		t.Errorf("filter should keep the layout, got %s", pos.Layout())
	}
	parts := mustMaterialize(t, newTestEngine(t), pos)
	for i, p := range parts {
		for _, r := range p {
			if r.Value <= 0 {
				t.Errorf("row %+v should have been filtered", r)
			}
			if Assign(strKey(r.Key), DefaultSeed, 3) != i {
				t.Errorf("row %+v moved out of its partition", r)
			}
		}
	}
}

func TestProject_RenameKeepsLayout(t *testing.T) {
	by := Repartition(FromRows(makeItems([]int{1, 2, 3}, 1)...), itemKey, Partitions(2))
	out := Project(by, Projection{Columns: []string{"key", "seq", "value"}, Renames: map[string]string{"key": "id"}},
		func(r item) renamedItem { return renamedItem{ID: r.Key, Seq: r.Seq, Value: r.Value} })
	if out.Err() != nil {
		t.Fatal(out.Err())
	}
	l := out.Layout()
	if l.Scheme != SchemeHash || len(l.Keys) != 1 || l.Keys[0] != "id" || l.Count != 2 {
		t.Errorf("layout = %s, want hash(id)/2", l)
	}

	byID := NewKey(func(r renamedItem) strKey { return strKey(r.ID) }, "id")
	again := Repartition(out, byID, Partitions(2))
	var rows int
	for i, p := range mustMaterialize(t, newTestEngine(t), again) {
		for _, r := range p {
			rows++
			if Assign(strKey(r.ID), DefaultSeed, 2) != i {
				t.Errorf("row %+v is not in its assigned partition", r)
			}
		}
	}
	if rows != 3 {
		t.Errorf("got %d rows, want 3", rows)
	}
}

func TestProject_Validation(t *testing.T) {
	items := FromRows([]item{{Key: "a"}})
	toKey := func(r item) keyOnly { return keyOnly{Key: r.Key} }

	tests := []struct {
		name string
		p    Projection
		want error
	}{
		{"unknown input column", Projection{Columns: []string{"nope"}}, errors.ErrInvalidPlan},
		{"missing output column", Projection{Columns: []string{"seq"}}, errors.ErrSchemaMismatch},
		{"extra output column", Projection{Columns: []string{"key", "seq"}}, errors.ErrSchemaMismatch},
		{"produced twice", Projection{Columns: []string{"key"}, Derived: []string{"key"}}, errors.ErrInvalidPlan},
		{"rename of dropped column", Projection{Columns: []string{"key"}, Renames: map[string]string{"seq": "x"}}, errors.ErrInvalidPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Project(items, tt.p, toKey)
			if !errors.Is(out.Err(), tt.want) {
				t.Errorf("got %v, want %v", out.Err(), tt.want)
			}
		})
	}

	ok := Project(items, Projection{Columns: []string{"key"}}, toKey)
	if ok.Err() != nil {
		t.Errorf("valid projection failed: %v", ok.Err())
	}
}

func TestSortWithin(t *testing.T) {
	by := Repartition(FromRows(makeItems([]int{5, 3, 9, 1, 3, 7, 2, 2}, 3)...), itemKey, Partitions(2))
	sorted := SortWithin(by, func(a, b item) int {
		if c := cmp.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	}, "key", "seq")
	if fmt.Sprint(sorted.SortedBy()) != "[key seq]" {
		t.Errorf("sortedBy = %v", sorted.SortedBy())
	}
	if sorted.Layout().String() != by.Layout().String() {
		t.Errorf("sort should keep the layout")
	}
	var total int
	for _, p := range mustMaterialize(t, newTestEngine(t), sorted) {
		total += len(p)
		for i := 1; i < len(p); i++ {
			a, b := p[i-1], p[i]
			if a.Key > b.Key || (a.Key == b.Key && a.Seq > b.Seq) {
				t.Fatalf("partition out of order at %d: %+v then %+v", i, a, b)
			}
		}
	}
	if total != 8 {
		t.Errorf("got %d rows, want 8", total)
	}

	if bad := SortWithin(by, func(a, b item) int { return 0 }); !errors.Is(bad.Err(), errors.ErrInvalidPlan) {
		t.Errorf("sort without columns: got %v", bad.Err())
	}
}

func TestSortWithin_SpilledPartitionSortsOutOfCore(t *testing.T) {
	const n = 20000
	rows := make([]item, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, item{Key: "hot", Seq: int64(i * 7919 % n), Value: int64(i)})
	}
	dir := t.TempDir()
	eng := newTestEngine(t, func(o *Options) {
		o.TempDir = dir
		o.SpillThreshold = 16 << 10
		o.MemoryLimit = 256 << 10
	})
	by := Repartition(FromRows(rows), itemKey, Partitions(2))
	bySeq := Collect("by-seq", SortWithin(by, func(a, b item) int { return cmp.Compare(a.Seq, b.Seq) }, "seq"))
	byKey := Collect("by-key", SortWithin(by, func(a, b item) int { return cmp.Compare(a.Key, b.Key) }, "key"))

	results := eng.Run(context.Background(), bySeq, byKey)
	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("%s: %v", res.Name, res.Err)
		}
		var runs int64
		for _, s := range res.Nodes {
			if s.Kind == "sort" {
				runs += s.SpillFiles
			}
		}
		if runs < 2 {
			t.Errorf("%s: sort wrote %d runs, want several", res.Name, runs)
		}
	}

	hot := Assign(strKey("hot"), DefaultSeed, 2)
	got := bySeq.Partitions()[hot]
	if len(got) != n {
		t.Fatalf("got %d rows, want %d", len(got), n)
	}
	for i, r := range got {
		if r.Seq != int64(i) {
			t.Fatalf("row %d has seq %d", i, r.Seq)
		}
	}

	// Equal keys keep input order across runs.
	stable := byKey.Partitions()[hot]
	for i, r := range stable {
		if r.Value != int64(i) {
			t.Fatalf("row %d has value %d, sort is not stable", i, r.Value)
		}
	}

	left, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("%d run files left behind", len(left))
	}
}

func TestSchemaOf(t *testing.T) {
	type row struct {
		A       string `parquet:"a"`
		B       int64  `parquet:"b,optional"`
		Skipped string `parquet:"-"`
		C       float64
	}
	s, err := SchemaOf[row]()
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(s.Names()) != "[a b C]" {
		t.Errorf("names = %v", s.Names())
	}
	if c, _ := s.Lookup("b"); c.Type != "int64" {
		t.Errorf("b type = %q", c.Type)
	}

	type dup struct {
		A string `parquet:"x"`
		B string `parquet:"x"`
	}
	if _, err := SchemaOf[dup](); !errors.Is(err, errors.ErrInvalidPlan) {
		t.Errorf("duplicate columns: got %v", err)
	}
	if _, err := SchemaOf[int](); err == nil {
		t.Error("non-struct row type should be rejected")
	}
}
