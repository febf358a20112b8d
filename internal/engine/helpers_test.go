package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

type item struct {
	Key   string `parquet:"key"`
	Seq   int64  `parquet:"seq"`
	Value int64  `parquet:"value"`
}

type total struct {
	Key   string          `parquet:"key"`
	Value decimal.Decimal `parquet:"value"`
}

type label struct {
	Key   string `parquet:"key"`
	Label string `parquet:"label"`
}

type strKey string

func (k strKey) AppendKey(b []byte) []byte { return append(b, k...) }

var (
	itemKey  = NewKey(func(r item) strKey { return strKey(r.Key) }, "key")
	totalKey = NewKey(func(r total) strKey { return strKey(r.Key) }, "key")
	labelKey = NewKey(func(r label) strKey { return strKey(r.Key) }, "key")
)

var sumValues = Aggregation[item, strKey, total]{
	Key:  itemKey,
	Sums: []Sum[item]{SumOf("value", func(r item) decimal.Decimal { return decimal.NewFromInt(r.Value) })},
	Emit: func(k strKey, s []decimal.Decimal) total {
		return total{Key: string(k), Value: s[0]}
	},
	OutKey: func(r total) strKey { return strKey(r.Key) },
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Workers:          4,
		TempDir:          t.TempDir(),
		VerifyColocation: true,
		Logger:           quietLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts)
}

// makeItems builds rows from keys, split into parts input partitions.
func makeItems(keys []int, parts int) [][]item {
	if parts < 1 {
		parts = 1
	}
	out := make([][]item, parts)
	for i, k := range keys {
		p := i % parts
		out[p] = append(out[p], item{Key: fmt.Sprintf("k%d", k), Seq: int64(i), Value: int64(i%13 - 6)})
	}
	return out
}

func mustMaterialize[T any](t *testing.T, eng *Engine, tbl Table[T]) [][]T {
	t.Helper()
	parts, err := Materialize(context.Background(), eng, tbl)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	return parts
}

// countingSource is an in-memory source that counts partition reads and can
// be told to fail.
type countingSource[T any] struct {
	parts [][]T
	reads atomic.Int64
	fail  error
}

func (s *countingSource[T]) Name() string     { return "counting" }
func (s *countingSource[T]) Partitions() int  { return len(s.parts) }
func (s *countingSource[T]) SizeBytes() int64 { return int64(len(s.parts)) * 1024 }

func (s *countingSource[T]) Read(_ context.Context, i int, emit func([]T) error) error {
	s.reads.Add(1)
	if s.fail != nil {
		return s.fail
	}
	return emit(s.parts[i])
}

// memSink collects written rows per partition.
type memSink[T any] struct {
	mu        sync.Mutex
	info      WriteInfo
	parts     map[int][]T
	committed bool
	aborted   bool
	failOn    int
	failErr   error
}

func newMemSink[T any]() *memSink[T] {
	return &memSink[T]{parts: make(map[int][]T), failOn: -1}
}

func (s *memSink[T]) Begin(_ context.Context, info WriteInfo) error {
	s.info = info
	return nil
}

func (s *memSink[T]) Open(_ context.Context, index int) (RowWriter[T], error) {
	return &memWriter[T]{sink: s, index: index}, nil
}

func (s *memSink[T]) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
	return nil
}

func (s *memSink[T]) Abort(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.parts = make(map[int][]T)
	return nil
}

type memWriter[T any] struct {
	sink  *memSink[T]
	index int
}

func (w *memWriter[T]) Write(rows []T) error {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	if w.index == w.sink.failOn {
		return w.sink.failErr
	}
	w.sink.parts[w.index] = append(w.sink.parts[w.index], rows...)
	return nil
}

func (w *memWriter[T]) Close() error { return nil }
