package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// Spill files are snappy-framed streams of JSON-encoded rows, one per line.
// They are private to a run and removed when their last reference is
// released or the run ends.

type spillWriter[T any] struct {
	path  string
	f     *os.File
	zw    *snappy.Writer
	enc   *json.Encoder
	rows  int64
	bytes int64
}

func createSpill[T any](dir, prefix string) (*spillWriter[T], error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("spill: create dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.spill", prefix, uuid.NewString()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("spill: create file: %w", err)
	}
	zw := snappy.NewBufferedWriter(f)
	return &spillWriter[T]{path: path, f: f, zw: zw, enc: json.NewEncoder(zw)}, nil
}

func (w *spillWriter[T]) write(row T, size int64) error {
	if err := w.enc.Encode(row); err != nil {
		return fmt.Errorf("spill: write %s: %w", w.path, err)
	}
	w.rows++
	w.bytes += size
	return nil
}

// finish closes the file and returns a segment that owns it.
func (w *spillWriter[T]) finish(logger *slog.Logger) (*spillSegment[T], error) {
	if err := w.close(); err != nil {
		os.Remove(w.path)
		return nil, err
	}
	s := &spillSegment[T]{path: w.path, rows: w.rows, bytes: w.bytes, logger: logger}
	s.refs.Store(1)
	return s, nil
}

func (w *spillWriter[T]) close() error {
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("spill: flush %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("spill: close %s: %w", w.path, err)
	}
	return nil
}

// discard closes and removes a spill file that will never be read.
func (w *spillWriter[T]) discard() {
	w.zw.Close()
	w.f.Close()
	os.Remove(w.path)
}

type spillSegment[T any] struct {
	path   string
	rows   int64
	bytes  int64
	refs   atomic.Int32
	logger *slog.Logger
}

func (s *spillSegment[T]) rowCount() int64 { return s.rows }
func (s *spillSegment[T]) byteSize() int64 { return s.bytes }
func (s *spillSegment[T]) spilled() bool   { return true }
func (s *spillSegment[T]) retain()         { s.refs.Add(1) }

func (s *spillSegment[T]) release() {
	if s.refs.Add(-1) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && s.logger != nil {
			s.logger.Warn("failed to remove spill file", "path", s.path, "error", err)
		}
	}
}

func (s *spillSegment[T]) each(ctx context.Context, fn func(T) error) error {
	c, err := s.open()
	if err != nil {
		return err
	}
	defer c.close()

	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		row, ok, err := c.next()
		if err != nil || !ok {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// spillCursor reads a spill file one row at a time.
type spillCursor[T any] struct {
	path string
	f    *os.File
	dec  *json.Decoder
}

func (s *spillSegment[T]) open() (*spillCursor[T], error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("spill: open %s: %w", s.path, err)
	}
	return &spillCursor[T]{path: s.path, f: f, dec: json.NewDecoder(bufio.NewReader(snappy.NewReader(f)))}, nil
}

// next returns the next row, or ok == false at the end of the file.
func (c *spillCursor[T]) next() (row T, ok bool, err error) {
	if err := c.dec.Decode(&row); err != nil {
		if err == io.EOF {
			return row, false, nil
		}
		return row, false, fmt.Errorf("spill: read %s: %w", c.path, err)
	}
	return row, true, nil
}

func (c *spillCursor[T]) close() error {
	return c.f.Close()
}
