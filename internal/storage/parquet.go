package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/ledgerrecon/recon/internal/errors"
)

const readBatchSize = 4096

// Dataset is a parquet dataset on the local filesystem: a single file or a
// directory of *.parquet files, each file one partition. It implements
// engine.Source.
type Dataset[T any] struct {
	path  string
	files []string
	sizes []int64
	rows  int64
}

// OpenParquet opens the dataset at path and checks every file's schema
// against the row type T. A missing column or a column of the wrong physical
// type is a SCHEMA_MISMATCH, reported before any row is read.
func OpenParquet[T any](path string) (*Dataset[T], error) {
	files, err := datasetFiles(path)
	if err != nil {
		return nil, err
	}

	expected := parquet.SchemaOf(new(T))
	d := &Dataset[T]{path: path, files: files, sizes: make([]int64, len(files))}
	for i, name := range files {
		size, rows, err := checkFile(name, expected)
		if err != nil {
			return nil, err
		}
		d.sizes[i] = size
		d.rows += rows
	}
	return d, nil
}

func datasetFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewReadFailure("cannot open dataset", err).WithDetail(errors.DetailPath, path)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := filepath.Glob(filepath.Join(path, "*.parquet"))
	if err != nil {
		return nil, errors.NewReadFailure("cannot list dataset", err).WithDetail(errors.DetailPath, path)
	}
	if len(files) == 0 {
		return nil, errors.NewReadFailure("dataset has no parquet files", nil).WithDetail(errors.DetailPath, path)
	}
	sort.Strings(files)
	return files, nil
}

func checkFile(name string, expected *parquet.Schema) (size, rows int64, err error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, 0, errors.NewReadFailure("cannot open parquet file", err).WithDetail(errors.DetailPath, name)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, errors.NewReadFailure("cannot stat parquet file", err).WithDetail(errors.DetailPath, name)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, 0, errors.NewReadFailure("invalid parquet file", err).WithDetail(errors.DetailPath, name)
	}

	actual := pf.Schema()
	for _, field := range expected.Fields() {
		col, ok := actual.Lookup(field.Name())
		if !ok {
			return 0, 0, errors.NewSchemaMismatch(fmt.Sprintf("missing column %s", field.Name())).
				WithDetails(map[string]interface{}{errors.DetailPath: name, errors.DetailColumn: field.Name()})
		}
		if want, got := field.Type().Kind(), col.Node.Type().Kind(); want != got {
			return 0, 0, errors.NewSchemaMismatch(fmt.Sprintf("column %s is %s, expected %s", field.Name(), got, want)).
				WithDetails(map[string]interface{}{errors.DetailPath: name, errors.DetailColumn: field.Name()})
		}
	}
	return info.Size(), pf.NumRows(), nil
}

// Name returns the dataset path.
func (d *Dataset[T]) Name() string { return d.path }

// Partitions returns the number of files.
func (d *Dataset[T]) Partitions() int { return len(d.files) }

// Files returns the files backing each partition, in partition order.
func (d *Dataset[T]) Files() []string { return append([]string(nil), d.files...) }

// Rows returns the row count recorded in the file footers.
func (d *Dataset[T]) Rows() int64 { return d.rows }

// SizeBytes returns the total size of the files on disk.
func (d *Dataset[T]) SizeBytes() int64 {
	var n int64
	for _, s := range d.sizes {
		n += s
	}
	return n
}

// Read streams the rows of file index in batches. The batch slice is reused
// between calls to emit.
func (d *Dataset[T]) Read(ctx context.Context, index int, emit func([]T) error) error {
	name := d.files[index]
	f, err := os.Open(name)
	if err != nil {
		return errors.NewReadFailure("cannot open parquet file", err).WithDetail(errors.DetailPath, name)
	}
	defer f.Close()

	r := parquet.NewGenericReader[T](f)
	defer r.Close()

	buf := make([]T, readBatchSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if eerr := emit(buf[:n]); eerr != nil {
				return eerr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewReadFailure("failed to read parquet file", err).WithDetail(errors.DetailPath, name)
		}
	}
}

// WriteParquetFile writes rows to a single parquet file at path.
func WriteParquetFile[T any](path string, rows []T, options ...parquet.WriterOption) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := parquet.NewGenericWriter[T](f, options...)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
