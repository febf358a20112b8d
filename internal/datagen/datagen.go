// Package datagen builds large GL and TB datasets by stacking small seed
// datasets once per synthetic fiscal year.
package datagen

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerrecon/recon/internal/logging"
	"github.com/ledgerrecon/recon/internal/storage"
	"github.com/ledgerrecon/recon/pkg/types"
)

// Options configures a generator run.
type Options struct {
	// GLPath and TBPath are the seed datasets.
	GLPath string
	TBPath string

	// OutputPath receives gl.parquet/ and tb.parquet/.
	OutputPath string

	// Stacks is the number of copies of the seed. Copy i is booked in
	// fiscal year i.
	Stacks int

	// Chunk is the number of stacks written to each output file.
	Chunk int

	// Compression is the parquet codec of the output files.
	Compression string

	// Workers bounds the files written at once (0 = unlimited).
	Workers int

	Logger *slog.Logger
}

// DefaultChunk is the number of stacks per output file.
const DefaultChunk = 10

// Result describes a generated dataset pair.
type Result struct {
	GLDir   string
	TBDir   string
	GLFiles int
	TBFiles int
	GLRows  int64
	TBRows  int64
}

// Generate stacks the seeds and writes the GL and TB datasets. Existing
// output datasets are replaced.
func Generate(ctx context.Context, opts Options) (*Result, error) {
	if opts.Stacks <= 0 {
		return nil, fmt.Errorf("number of stacks must be positive, got %d", opts.Stacks)
	}
	if opts.Chunk <= 0 {
		opts.Chunk = DefaultChunk
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	codec, err := storage.Codec(opts.Compression)
	if err != nil {
		return nil, err
	}

	glSeed, err := readSeed[types.GLRow](ctx, opts.GLPath)
	if err != nil {
		return nil, fmt.Errorf("gl seed: %w", err)
	}
	tbSeed, err := readSeed[types.TBRow](ctx, opts.TBPath)
	if err != nil {
		return nil, fmt.Errorf("tb seed: %w", err)
	}

	res := &Result{
		GLDir: filepath.Join(opts.OutputPath, "gl.parquet"),
		TBDir: filepath.Join(opts.OutputPath, "tb.parquet"),
	}
	for _, dir := range []string{res.GLDir, res.TBDir} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to reset %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	tb := stacker[types.TBRow]{
		name: "tb", dir: res.TBDir, seed: tbSeed, opts: opts, codec: parquet.Compression(codec),
		restack: stackTB, compare: compareTB,
	}
	gl := stacker[types.GLRow]{
		name: "gl", dir: res.GLDir, seed: glSeed, opts: opts, codec: parquet.Compression(codec),
		restack: stackGL, compare: compareGL,
	}
	res.TBFiles = tb.schedule(gctx, g)
	res.GLFiles = gl.schedule(gctx, g)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.TBRows, res.GLRows = tb.rows.Load(), gl.rows.Load()

	opts.Logger.Info("generated datasets",
		"gl", res.GLDir, "gl_files", res.GLFiles, "gl_rows", res.GLRows,
		"tb", res.TBDir, "tb_files", res.TBFiles, "tb_rows", res.TBRows,
		"duration", time.Since(start))
	return res, nil
}

func readSeed[T any](ctx context.Context, path string) ([]T, error) {
	d, err := storage.OpenParquet[T](path)
	if err != nil {
		return nil, err
	}
	rows := make([]T, 0, d.Rows())
	for i := 0; i < d.Partitions(); i++ {
		err := d.Read(ctx, i, func(batch []T) error {
			rows = append(rows, batch...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// stacker writes the stacks of one seed, Chunk stacks per file.
type stacker[T any] struct {
	name    string
	dir     string
	seed    []T
	opts    Options
	codec   parquet.WriterOption
	restack func(row T, fy int32) T
	compare func(a, b T) int
	rows    atomic.Int64
}

// schedule queues one write per output file on g and returns the number of
// files.
func (s *stacker[T]) schedule(ctx context.Context, g *errgroup.Group) int {
	files := 0
	for first := 0; first < s.opts.Stacks; first += s.opts.Chunk {
		last := min(first+s.opts.Chunk, s.opts.Stacks)
		index := files
		g.Go(func() error {
			return s.write(ctx, index, first, last)
		})
		files++
	}
	return files
}

func (s *stacker[T]) write(ctx context.Context, index, first, last int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := make([]T, 0, len(s.seed)*(last-first))
	for stack := first; stack < last; stack++ {
		for _, row := range s.seed {
			rows = append(rows, s.restack(row, int32(stack)))
		}
	}
	slices.SortStableFunc(rows, s.compare)

	path := filepath.Join(s.dir, fmt.Sprintf("%s_%04d.parquet", s.name, index))
	s.opts.Logger.Debug("writing stack file", "path", path, "stacks", last-first, "rows", len(rows))
	if err := storage.WriteParquetFile(path, rows, s.codec); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if info, err := os.Stat(path); err == nil {
		s.opts.Logger.Debug("wrote stack file", "path", path, logging.Bytes("size", info.Size()))
	}
	s.rows.Add(int64(len(rows)))
	return nil
}

func stackGL(r types.GLRow, fy int32) types.GLRow {
	r.FiscalYear = fy
	r.JournalID = r.JournalID + "-" + strconv.Itoa(int(fy))
	return r
}

func stackTB(r types.TBRow, fy int32) types.TBRow {
	r.FiscalYear = fy
	return r
}

func compareGL(a, b types.GLRow) int {
	return cmp.Or(
		cmp.Compare(a.BusinessUnitCode, b.BusinessUnitCode),
		cmp.Compare(a.JournalID, b.JournalID),
		cmp.Compare(a.FiscalYear, b.FiscalYear),
		cmp.Compare(a.LineNumber, b.LineNumber),
	)
}

func compareTB(a, b types.TBRow) int {
	return a.Account().Compare(b.Account())
}
