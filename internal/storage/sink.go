package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/ledgerrecon/recon/internal/engine"
	"github.com/ledgerrecon/recon/internal/errors"
)

// Metadata keys written to the footer of every report file.
const (
	MetaSortedBy   = "recon.sorted_by"
	MetaPartitions = "recon.partitions"
)

// Codec returns the parquet compression codec for a configured name.
func Codec(name string) (compress.Codec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return &parquet.Snappy, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

// ParquetSink writes a table as a parquet dataset, one part-NNNNN.parquet
// file per partition. Files are written to a staging directory and only
// published under prefix by Commit. It implements engine.Sink.
type ParquetSink[T any] struct {
	store  ObjectStorage
	prefix string
	codec  compress.Codec

	mu      sync.Mutex
	staging string
	info    engine.WriteInfo
}

// NewParquetSink creates a sink that publishes to prefix in store.
func NewParquetSink[T any](store ObjectStorage, prefix, compression string) (*ParquetSink[T], error) {
	codec, err := Codec(compression)
	if err != nil {
		return nil, err
	}
	return &ParquetSink[T]{store: store, prefix: prefix, codec: codec}, nil
}

func (s *ParquetSink[T]) Begin(_ context.Context, info engine.WriteInfo) error {
	dir, err := s.store.StagingDir(s.prefix)
	if err != nil {
		return errors.NewWriteFailure("cannot stage output", err).WithDetail(errors.DetailPath, s.prefix)
	}
	s.mu.Lock()
	s.staging, s.info = dir, info
	s.mu.Unlock()
	return nil
}

func (s *ParquetSink[T]) partPath(index int) string {
	return filepath.Join(s.staging, fmt.Sprintf("part-%05d.parquet", index))
}

func (s *ParquetSink[T]) writerOptions() []parquet.WriterOption {
	return []parquet.WriterOption{
		parquet.Compression(s.codec),
		parquet.KeyValueMetadata(MetaSortedBy, strings.Join(s.info.SortedBy, ",")),
		parquet.KeyValueMetadata(MetaPartitions, strconv.Itoa(s.info.Partitions)),
	}
}

func (s *ParquetSink[T]) Open(_ context.Context, index int) (engine.RowWriter[T], error) {
	path := s.partPath(index)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.NewWriteFailure("cannot create part file", err).WithDetail(errors.DetailPath, path)
	}
	return &partWriter[T]{path: path, f: f, w: parquet.NewGenericWriter[T](f, s.writerOptions()...)}, nil
}

// Commit publishes the staged files. A table without partitions still gets
// one empty file so readers can discover the schema.
func (s *ParquetSink[T]) Commit(ctx context.Context) error {
	entries, err := os.ReadDir(s.staging)
	if err != nil {
		return errors.NewWriteFailure("cannot read staging directory", err).WithDetail(errors.DetailPath, s.staging)
	}
	if len(entries) == 0 {
		if err := WriteParquetFile[T](s.partPath(0), nil, s.writerOptions()...); err != nil {
			return errors.NewWriteFailure("cannot write empty part file", err).WithDetail(errors.DetailPath, s.prefix)
		}
	}
	if err := s.store.Publish(ctx, s.staging, s.prefix); err != nil {
		return errors.NewWriteFailure("cannot publish output", err).WithDetail(errors.DetailPath, s.prefix)
	}
	return nil
}

// Abort removes the staging directory. The previously published dataset,
// if any, is left untouched.
func (s *ParquetSink[T]) Abort(context.Context) error {
	s.mu.Lock()
	dir := s.staging
	s.mu.Unlock()
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

type partWriter[T any] struct {
	path string
	f    *os.File
	w    *parquet.GenericWriter[T]
}

func (p *partWriter[T]) Write(rows []T) error {
	if _, err := p.w.Write(rows); err != nil {
		return errors.NewWriteFailure("failed to write rows", err).WithDetail(errors.DetailPath, p.path)
	}
	return nil
}

func (p *partWriter[T]) Close() error {
	if err := p.w.Close(); err != nil {
		p.f.Close()
		return errors.NewWriteFailure("failed to finish part file", err).WithDetail(errors.DetailPath, p.path)
	}
	if err := p.f.Close(); err != nil {
		return errors.NewWriteFailure("failed to close part file", err).WithDetail(errors.DetailPath, p.path)
	}
	return nil
}
