package engine

import (
	"container/heap"
	"context"
	"slices"

	"github.com/ledgerrecon/recon/internal/errors"
)

// sorter sorts one partition out of core. Rows are buffered under the same
// limits as a builder; a full buffer is sorted and written as a run file.
// A partition that never fills the buffer is sorted in memory and kept
// resident. Otherwise the runs are merged with a heap, holding one row per
// run. The sort is stable: ties keep input order.
type sorter[T any] struct {
	run      *nodeRun
	part     int
	cmp      func(a, b T) int
	buf      []T
	bufBytes int64
	runs     []*spillSegment[T]
}

func newSorter[T any](run *nodeRun, part int, cmp func(a, b T) int) *sorter[T] {
	return &sorter[T]{run: run, part: part, cmp: cmp}
}

func (s *sorter[T]) add(row T) error {
	size := rowSize(row)
	s.buf = append(s.buf, row)
	s.bufBytes += size
	ec := s.run.ec
	ec.resident.Add(size)

	if (ec.spillThreshold > 0 && s.bufBytes >= ec.spillThreshold) ||
		(s.bufBytes >= minSpillBytes && ec.overBudget()) {
		return s.writeRun()
	}
	return nil
}

// writeRun sorts the buffer into a new run file and empties it.
func (s *sorter[T]) writeRun() error {
	ec := s.run.ec
	slices.SortStableFunc(s.buf, s.cmp)
	w, err := createSpill[T](ec.dir, "sort-run")
	if err != nil {
		return s.spillErr(err)
	}
	for _, row := range s.buf {
		if err := w.write(row, rowSize(row)); err != nil {
			w.discard()
			return s.spillErr(err)
		}
	}
	seg, err := w.finish(ec.logger)
	if err != nil {
		return s.spillErr(err)
	}
	s.runs = append(s.runs, seg)
	s.run.stats.spillFiles.Add(1)
	s.run.stats.spilledBytes.Add(s.bufBytes)
	ec.logger.Debug("wrote sort run", "node", s.run.n.label(), "partition", s.part,
		"run", len(s.runs), "rows", seg.rows)
	s.dropBuffer()
	return nil
}

func (s *sorter[T]) dropBuffer() {
	s.run.ec.resident.Add(-s.bufBytes)
	clear(s.buf)
	s.buf = s.buf[:0]
	s.bufBytes = 0
}

func (s *sorter[T]) spillErr(err error) error {
	return errors.NewSpillFailure("failed to write sort run", err).
		WithDetail(errors.DetailPartition, s.part)
}

// finish returns the sorted partition. The sorter must not be used afterwards.
func (s *sorter[T]) finish(ctx context.Context, bucket *Bucket) (*Partition, error) {
	if len(s.runs) == 0 {
		rows := int64(len(s.buf))
		s.run.stats.rows.Add(rows)
		s.run.stats.bytes.Add(s.bufBytes)
		if rows == 0 {
			return newPartition(s.part, bucket, nil), nil
		}
		slices.SortStableFunc(s.buf, s.cmp)
		// The buffer is already counted as resident; the segment takes it over.
		seg := newMemSegment(s.run.ec, s.buf, s.bufBytes)
		s.buf, s.bufBytes = nil, 0
		return newPartition(s.part, bucket, []segment{seg}), nil
	}

	defer s.discard()
	if len(s.buf) > 0 {
		if err := s.writeRun(); err != nil {
			return nil, err
		}
	}
	b := newBuilder[T](s.run, s.part)
	if err := s.merge(ctx, b); err != nil {
		b.Discard()
		return nil, err
	}
	return b.Finish(bucket)
}

func (s *sorter[T]) merge(ctx context.Context, b *builder[T]) error {
	h := &mergeHeap[T]{cmp: s.cmp}
	defer h.close()
	for i, seg := range s.runs {
		c, err := seg.open()
		if err != nil {
			return s.spillErr(err)
		}
		h.cursors = append(h.cursors, c)
		row, ok, err := c.next()
		if err != nil {
			return s.spillErr(err)
		}
		if ok {
			h.items = append(h.items, mergeItem[T]{row: row, run: i, cur: c})
		}
	}
	heap.Init(h)

	for n := 0; h.Len() > 0; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		top := &h.items[0]
		if err := b.Add(top.row); err != nil {
			return err
		}
		row, ok, err := top.cur.next()
		if err != nil {
			return s.spillErr(err)
		}
		if ok {
			top.row = row
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}
	return nil
}

// discard releases the buffer and every run file.
func (s *sorter[T]) discard() {
	s.dropBuffer()
	for _, r := range s.runs {
		r.release()
	}
	s.runs = nil
}

type mergeItem[T any] struct {
	row T
	run int
	cur *spillCursor[T]
}

// mergeHeap orders the head rows of the runs. Equal rows come out in run
// order, which is input order.
type mergeHeap[T any] struct {
	cmp     func(a, b T) int
	items   []mergeItem[T]
	cursors []*spillCursor[T]
}

func (h *mergeHeap[T]) Len() int      { return len(h.items) }
func (h *mergeHeap[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap[T]) Less(i, j int) bool {
	if c := h.cmp(h.items[i].row, h.items[j].row); c != 0 {
		return c < 0
	}
	return h.items[i].run < h.items[j].run
}

func (h *mergeHeap[T]) Push(x any) { h.items = append(h.items, x.(mergeItem[T])) }

func (h *mergeHeap[T]) Pop() any {
	old := h.items
	it := old[len(old)-1]
	h.items = old[:len(old)-1]
	return it
}

func (h *mergeHeap[T]) close() {
	for _, c := range h.cursors {
		c.close()
	}
}
