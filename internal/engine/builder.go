package engine

import (
	"github.com/ledgerrecon/recon/internal/errors"
)

// minSpillBytes is the smallest buffer a builder flushes when the run is
// over its memory budget, so that pressure does not produce a flood of tiny
// spill files.
const minSpillBytes = 64 << 10

// builder accumulates the output rows of one partition. Rows are buffered in
// memory until the buffer exceeds the spill threshold or the run exceeds its
// memory budget; from then on the partition is streamed to a spill file.
// Row order is preserved either way.
type builder[T any] struct {
	run      *nodeRun
	part     int
	buf      []T
	bufBytes int64
	rows     int64
	bytes    int64
	spill    *spillWriter[T]
}

func newBuilder[T any](run *nodeRun, part int) *builder[T] {
	return &builder[T]{run: run, part: part}
}

// Add appends a row to the partition.
func (b *builder[T]) Add(row T) error {
	size := rowSize(row)
	b.buf = append(b.buf, row)
	b.bufBytes += size
	b.rows++
	b.bytes += size
	ec := b.run.ec
	ec.resident.Add(size)

	if (ec.spillThreshold > 0 && b.bufBytes >= ec.spillThreshold) ||
		(b.bufBytes >= minSpillBytes && ec.overBudget()) {
		return b.flush()
	}
	return nil
}

func (b *builder[T]) flush() error {
	ec := b.run.ec
	if b.spill == nil {
		w, err := createSpill[T](ec.dir, b.run.n.kind)
		if err != nil {
			return b.spillErr(err)
		}
		b.spill = w
		b.run.stats.spillFiles.Add(1)
		ec.logger.Debug("spilling partition", "node", b.run.n.label(), "partition", b.part, "path", w.path)
	}
	for _, row := range b.buf {
		if err := b.spill.write(row, rowSize(row)); err != nil {
			return b.spillErr(err)
		}
	}
	ec.resident.Add(-b.bufBytes)
	b.run.stats.spilledBytes.Add(b.bufBytes)
	clear(b.buf)
	b.buf = b.buf[:0]
	b.bufBytes = 0
	return nil
}

func (b *builder[T]) spillErr(err error) error {
	return errors.NewSpillFailure("failed to spill partition", err).
		WithDetail(errors.DetailPartition, b.part)
}

// Finish seals the partition. The builder must not be used afterwards.
func (b *builder[T]) Finish(bucket *Bucket) (*Partition, error) {
	b.run.stats.rows.Add(b.rows)
	b.run.stats.bytes.Add(b.bytes)

	if b.spill == nil {
		if b.rows == 0 {
			return newPartition(b.part, bucket, nil), nil
		}
		seg := newMemSegment(b.run.ec, b.buf, b.bufBytes)
		b.buf = nil
		b.bufBytes = 0
		return newPartition(b.part, bucket, []segment{seg}), nil
	}

	if len(b.buf) > 0 {
		if err := b.flush(); err != nil {
			b.Discard()
			return nil, err
		}
	}
	seg, err := b.spill.finish(b.run.ec.logger)
	b.spill = nil
	if err != nil {
		return nil, b.spillErr(err)
	}
	return newPartition(b.part, bucket, []segment{seg}), nil
}

// Discard drops everything the builder holds.
func (b *builder[T]) Discard() {
	b.run.ec.resident.Add(-b.bufBytes)
	b.buf = nil
	b.bufBytes = 0
	if b.spill != nil {
		b.spill.discard()
		b.spill = nil
	}
}
