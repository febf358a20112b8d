package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// segment is an immutable run of rows, resident in memory or spilled to a
// local file. Segments are reference counted so that pass-through operators
// can hand the same rows to a new partition without copying them.
type segment interface {
	rowCount() int64
	byteSize() int64
	spilled() bool
	retain()
	release()
}

// rowSource is implemented by segments holding rows of type T.
type rowSource[T any] interface {
	each(ctx context.Context, fn func(T) error) error
}

// Partition is an immutable batch of rows. It is owned by the node that
// produced it and released by the scheduler once every consumer is done.
type Partition struct {
	Index    int
	Bucket   *Bucket
	segments []segment
	rows     int64
	bytes    int64
}

func newPartition(index int, bucket *Bucket, segs []segment) *Partition {
	p := &Partition{Index: index, Bucket: bucket, segments: segs}
	for _, s := range segs {
		p.rows += s.rowCount()
		p.bytes += s.byteSize()
	}
	return p
}

// Rows returns the number of rows in the partition.
func (p *Partition) Rows() int64 { return p.rows }

// Bytes returns the estimated size of the partition.
func (p *Partition) Bytes() int64 { return p.bytes }

// SpilledSegments returns how many of the partition's segments live on disk.
func (p *Partition) SpilledSegments() int {
	n := 0
	for _, s := range p.segments {
		if s.spilled() {
			n++
		}
	}
	return n
}

// share returns a new partition over the same segments.
func (p *Partition) share(index int, bucket *Bucket) *Partition {
	for _, s := range p.segments {
		s.retain()
	}
	return newPartition(index, bucket, append([]segment(nil), p.segments...))
}

// Release drops the partition's reference on its segments.
func (p *Partition) Release() {
	if p == nil {
		return
	}
	for _, s := range p.segments {
		s.release()
	}
	p.segments = nil
}

func (p *Partition) String() string {
	return fmt.Sprintf("partition %d (%d rows, %d segments, %s)", p.Index, p.rows, len(p.segments), p.Bucket)
}

// concatPartitions takes ownership of the segments of parts.
func concatPartitions(index int, bucket *Bucket, parts []*Partition) *Partition {
	var segs []segment
	for _, p := range parts {
		if p == nil {
			continue
		}
		segs = append(segs, p.segments...)
		p.segments = nil
	}
	return newPartition(index, bucket, segs)
}

func releaseAll(parts []*Partition) {
	for _, p := range parts {
		p.Release()
	}
}

// scan streams every row of the partition to fn in order.
func scan[T any](ctx context.Context, p *Partition, fn func(T) error) error {
	for _, s := range p.segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, ok := s.(rowSource[T])
		if !ok {
			var zero T
			return fmt.Errorf("partition: segment %T does not hold %T rows", s, zero)
		}
		if err := src.each(ctx, fn); err != nil {
			return err
		}
	}
	return nil
}

// collect loads the partition into memory.
func collect[T any](ctx context.Context, p *Partition) ([]T, error) {
	rows := make([]T, 0, p.rows)
	err := scan(ctx, p, func(row T) error {
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// sizer is implemented by row types that can estimate their own footprint.
type sizer interface {
	Size() int
}

func rowSize[T any](row T) int64 {
	if s, ok := any(row).(sizer); ok {
		return int64(s.Size())
	}
	return int64(unsafe.Sizeof(row))
}

// memSegment holds rows in memory. Its bytes count against the run's memory
// budget until the last reference is released.
type memSegment[T any] struct {
	rows  []T
	bytes int64
	refs  atomic.Int32
	ec    *execContext
}

func newMemSegment[T any](ec *execContext, rows []T, bytes int64) *memSegment[T] {
	s := &memSegment[T]{rows: rows, bytes: bytes, ec: ec}
	s.refs.Store(1)
	return s
}

func (s *memSegment[T]) rowCount() int64 { return int64(len(s.rows)) }
func (s *memSegment[T]) byteSize() int64 { return s.bytes }
func (s *memSegment[T]) spilled() bool   { return false }
func (s *memSegment[T]) retain()         { s.refs.Add(1) }

func (s *memSegment[T]) release() {
	if s.refs.Add(-1) == 0 {
		s.rows = nil
		if s.ec != nil {
			s.ec.resident.Add(-s.bytes)
		}
	}
}

func (s *memSegment[T]) each(_ context.Context, fn func(T) error) error {
	for _, row := range s.rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}
