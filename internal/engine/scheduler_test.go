package engine

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/ledgerrecon/recon/internal/errors"
)

func TestRun_SharedScanExecutesOnce(t *testing.T) {
	src := &countingSource[item]{parts: makeItems([]int{1, 2, 3, 1, 2, 4}, 3)}
	lines := Filter(Scan[item](src), func(r item) bool { return r.Value != 0 }, "value")

	grouped := GroupByKeysSum(lines, sumValues, Partitions(4))
	byKey := Repartition(lines, itemKey, Partitions(4))

	a := Collect("grouped", grouped)
	b := Collect("lines", byKey)
	results := newTestEngine(t).Run(context.Background(), a, b)
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("%s: %v", r.Name, r.Err)
		}
	}
	if got := src.reads.Load(); got != 3 {
		t.Errorf("source partitions read %d times, want 3 (once each)", got)
	}

	shared := 0
	for _, n := range results[0].Nodes {
		if n.Shared {
			shared++
			if n.Kind != "scan" && n.Kind != "filter" {
				t.Errorf("unexpected shared node %s", n.Label)
			}
		}
	}
	if shared != 2 {
		t.Errorf("shared nodes = %d, want scan and filter", shared)
	}
}

func TestRun_FailureIsIsolatedPerAction(t *testing.T) {
	src := &countingSource[item]{parts: makeItems([]int{1, 2, 3}, 2)}
	lines := Scan[item](src)

	broken := Project(lines, Projection{Columns: []string{"key", "seq", "value"}}, func(r item) item {
		if r.Seq == 1 {
			panic("bad row")
		}
		return r
	})
	failSink := newMemSink[item]()
	okSink := newMemSink[item]()

	results := newTestEngine(t).Run(context.Background(),
		Write("broken", Filter(broken, func(item) bool { return true }), failSink),
		Write("healthy", lines, okSink),
	)

	if results[0].Err == nil {
		t.Fatal("broken pipeline should fail")
	}
	if !errors.Is(results[0].Err, errors.ErrUpstreamFailed) {
		t.Errorf("write should fail as upstream-failed, got %v", results[0].Err)
	}
	if v, ok := errors.GetDetail(results[0].Err, errors.DetailPartition); !ok || v != 1 {
		t.Errorf("failure should name partition 1, got %v (%v)", v, ok)
	}
	if failSink.committed {
		t.Error("failed pipeline must not commit")
	}

	if results[1].Err != nil {
		t.Fatalf("healthy pipeline failed: %v", results[1].Err)
	}
	if !okSink.committed {
		t.Error("healthy pipeline should commit")
	}
	var rows int
	for _, p := range okSink.parts {
		rows += len(p)
	}
	if rows != 3 {
		t.Errorf("healthy pipeline wrote %d rows, want 3", rows)
	}
}

func TestRun_PlanErrorSkipsExecution(t *testing.T) {
	src := &countingSource[item]{parts: makeItems([]int{1, 2}, 1)}
	lines := Scan[item](src)
	bad := Filter(lines, func(item) bool { return true }, "no_such_column")

	results := newTestEngine(t).Run(context.Background(),
		Collect("bad", bad),
		Collect("good", lines),
	)
	if !errors.Is(results[0].Err, errors.ErrInvalidPlan) {
		t.Errorf("got %v, want invalid plan", results[0].Err)
	}
	if results[1].Err != nil {
		t.Errorf("good action failed: %v", results[1].Err)
	}
	if src.reads.Load() != 1 {
		t.Errorf("source read %d times, want 1", src.reads.Load())
	}
}

func TestRun_InvalidInputFailsOnlyDependents(t *testing.T) {
	missing := Invalid[label]("tb.parquet", errors.NewSchemaMismatch("missing column Ending_Balance"))
	items := FromRows(makeItems([]int{1, 2}, 1)...)

	joined := Join(Repartition(items, itemKey, Partitions(2)), Repartition(missing, labelKey, Partitions(2)), itemKey, labelKey, OuterJoin)
	results := newTestEngine(t).Run(context.Background(), Collect("joined", joined), Collect("items", items))

	if !errors.Is(results[0].Err, errors.ErrSchemaMismatch) {
		t.Errorf("got %v, want schema mismatch", results[0].Err)
	}
	if v, _ := errors.GetDetail(results[0].Err, errors.DetailPath); v != "tb.parquet" {
		t.Errorf("path detail = %v", v)
	}
	if results[1].Err != nil {
		t.Errorf("independent action failed: %v", results[1].Err)
	}
}

func TestRun_SourceFailureFailsAllDependents(t *testing.T) {
	src := &countingSource[item]{parts: makeItems([]int{1}, 1), fail: fmt.Errorf("disk gone")}
	lines := Scan[item](src)
	results := newTestEngine(t).Run(context.Background(),
		Collect("a", lines),
		Collect("b", Filter(lines, func(item) bool { return true })),
	)
	for _, r := range results {
		if !errors.Is(r.Err, errors.ErrReadFailure) {
			t.Errorf("%s: got %v, want read failure", r.Name, r.Err)
		}
	}
}

func TestRun_RemovesSpillFiles(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, func(o *Options) {
		o.TempDir = dir
		o.SpillThreshold = 1
	})
	grouped := GroupByKeysSum(FromRows(makeItems([]int{1, 2, 3, 1, 2, 3, 4, 5}, 3)...), sumValues, Partitions(3))
	res := eng.Run(context.Background(), Collect("grouped", grouped))[0]
	if res.Err != nil {
		t.Fatalf("run: %v", res.Err)
	}
	if Summarize(res.Nodes).SpillFiles == 0 {
		t.Fatal("expected spills with a one-byte threshold")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not cleaned up: %d entries left", len(entries))
	}
}

func TestRun_SingleWorker(t *testing.T) {
	eng := newTestEngine(t, func(o *Options) { o.Workers = 1 })
	left := Repartition(FromRows(makeItems([]int{1, 2, 3}, 2)...), itemKey, Partitions(3))
	right := Repartition(FromRows(makeLabels([]int{2, 3, 4})), labelKey, Partitions(3))
	parts := mustMaterialize(t, eng, Join(left, right, itemKey, labelKey, OuterJoin))
	var n int
	for _, p := range parts {
		n += len(p)
	}
	if n != 4 {
		t.Errorf("got %d rows, want 4", n)
	}
}

func TestTopSpillers(t *testing.T) {
	nodes := []NodeStats{
		{ID: 1, SpilledBytes: 10},
		{ID: 2},
		{ID: 3, SpilledBytes: 30},
		{ID: 4, SpilledBytes: 10},
	}
	top := TopSpillers(nodes, 2)
	if len(top) != 2 || top[0].ID != 3 || top[1].ID != 1 {
		t.Errorf("got %+v", top)
	}
	if len(TopSpillers(nodes, 0)) != 0 {
		t.Error("n=0 should return nothing")
	}
}
