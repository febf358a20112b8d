package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/ledgerrecon/recon/internal/engine"
	"github.com/ledgerrecon/recon/internal/errors"
	"github.com/ledgerrecon/recon/pkg/types"
)

func glRows(journal string, n int) []types.GLRow {
	rows := make([]types.GLRow, n)
	for i := range rows {
		rows[i] = types.GLRow{
			JournalID:        journal,
			LineNumber:       int64(i + 1),
			EffectiveDate:    types.Date(19000 + i),
			FiscalYear:       2024,
			BusinessUnitCode: "BU1",
			AccountNumber:    "4000",
			LocalAmount:      float64(i) - 1.5,
		}
	}
	return rows
}

func readAll[T any](t *testing.T, d *Dataset[T]) [][]T {
	t.Helper()
	out := make([][]T, d.Partitions())
	for i := range out {
		err := d.Read(context.Background(), i, func(batch []T) error {
			out[i] = append(out[i], batch...)
			return nil
		})
		require.NoError(t, err)
	}
	return out
}

func TestOpenParquet_Directory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gl.parquet")
	require.NoError(t, WriteParquetFile(filepath.Join(dir, "gl_0001.parquet"), glRows("JE2", 3)))
	require.NoError(t, WriteParquetFile(filepath.Join(dir, "gl_0000.parquet"), glRows("JE1", 5000)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_SUCCESS"), nil, 0644))

	d, err := OpenParquet[types.GLRow](dir)
	require.NoError(t, err)
	require.Equal(t, 2, d.Partitions())
	require.Equal(t, int64(5003), d.Rows())
	require.Positive(t, d.SizeBytes())

	parts := readAll(t, d)
	require.Len(t, parts[0], 5000, "files are partitions in name order")
	require.Equal(t, "JE1", parts[0][0].JournalID)
	require.Equal(t, glRows("JE2", 3), parts[1])
}

func TestOpenParquet_SchemaMismatch(t *testing.T) {
	type missingAmount struct {
		JournalID string `parquet:"Journal_ID"`
	}
	type wrongKind struct {
		FiscalYear       string  `parquet:"Fiscal_Year"`
		BusinessUnitCode string  `parquet:"Business_Unit_Code"`
		AccountNumber    string  `parquet:"Account_Number"`
		OpeningBalance   float64 `parquet:"Opening_Balance"`
		EndingBalance    float64 `parquet:"Ending_Balance"`
	}

	dir := t.TempDir()
	gl := filepath.Join(dir, "gl.parquet")
	require.NoError(t, WriteParquetFile(gl, []missingAmount{{JournalID: "JE1"}}))
	_, err := OpenParquet[types.GLRow](gl)
	require.True(t, errors.Is(err, errors.ErrSchemaMismatch), "got %v", err)
	col, ok := errors.GetDetail(err, errors.DetailColumn)
	require.True(t, ok)
	require.NotEqual(t, "Journal_ID", col)

	tb := filepath.Join(dir, "tb.parquet")
	require.NoError(t, WriteParquetFile(tb, []wrongKind{{FiscalYear: "2024"}}))
	_, err = OpenParquet[types.TBRow](tb)
	require.True(t, errors.Is(err, errors.ErrSchemaMismatch), "got %v", err)
	col, _ = errors.GetDetail(err, errors.DetailColumn)
	require.Equal(t, "Fiscal_Year", col)
}

func TestOpenParquet_Missing(t *testing.T) {
	_, err := OpenParquet[types.GLRow](filepath.Join(t.TempDir(), "nope"))
	require.True(t, errors.Is(err, errors.ErrReadFailure), "got %v", err)

	_, err = OpenParquet[types.GLRow](t.TempDir())
	require.True(t, errors.Is(err, errors.ErrReadFailure), "empty directory: got %v", err)
}

func TestParquetSink_WriteThroughEngine(t *testing.T) {
	out := t.TempDir()
	store, err := NewLocalStorage(out)
	require.NoError(t, err)
	sink, err := NewParquetSink[types.GLRow](store, "lines.parquet", "zstd")
	require.NoError(t, err)

	byJournal := engine.NewKey(types.GLRow.Journal, types.ColJournalID)
	lines := engine.Repartition(engine.FromRows(glRows("JE1", 4), glRows("JE2", 2)), byJournal, engine.Partitions(3))
	sorted := engine.SortWithin(lines, func(a, b types.GLRow) int {
		return int(a.LineNumber - b.LineNumber)
	}, types.ColLineNumber)

	eng := engine.New(engine.Options{Workers: 2, TempDir: t.TempDir()})
	res := eng.Run(context.Background(), engine.Write("lines", sorted, sink))
	require.NoError(t, res[0].Err)

	d, err := OpenParquet[types.GLRow](filepath.Join(out, "lines.parquet"))
	require.NoError(t, err)
	require.Equal(t, 3, d.Partitions())
	require.Equal(t, int64(6), d.Rows())

	f, err := os.Open(d.Files()[0])
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	pf, err := parquet.OpenFile(f, info.Size())
	require.NoError(t, err)
	sortedBy, ok := pf.Lookup(MetaSortedBy)
	require.True(t, ok)
	require.Equal(t, types.ColLineNumber, sortedBy)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging directory should be gone after commit")
}

func TestParquetSink_EmptyTableWritesOneFile(t *testing.T) {
	out := t.TempDir()
	store, err := NewLocalStorage(out)
	require.NoError(t, err)
	sink, err := NewParquetSink[types.UnbalancedLine](store, "unbalanced.parquet", "snappy")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Begin(ctx, engine.WriteInfo{Name: "unbalanced"}))
	require.NoError(t, sink.Commit(ctx))

	d, err := OpenParquet[types.UnbalancedLine](filepath.Join(out, "unbalanced.parquet"))
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(out, "unbalanced.parquet", "part-00000.parquet")}, d.Files())
	require.Zero(t, d.Rows())
}

func TestParquetSink_AbortKeepsPreviousOutput(t *testing.T) {
	out := t.TempDir()
	store, err := NewLocalStorage(out)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := NewParquetSink[types.GLRow](store, "lines.parquet", "none")
	require.NoError(t, err)
	require.NoError(t, first.Begin(ctx, engine.WriteInfo{Name: "lines", Partitions: 1}))
	w, err := first.Open(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, w.Write(glRows("JE1", 2)))
	require.NoError(t, w.Close())
	require.NoError(t, first.Commit(ctx))

	second, err := NewParquetSink[types.GLRow](store, "lines.parquet", "none")
	require.NoError(t, err)
	require.NoError(t, second.Begin(ctx, engine.WriteInfo{Name: "lines", Partitions: 1}))
	w, err = second.Open(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, w.Write(glRows("JE9", 7)))
	require.NoError(t, w.Close())
	require.NoError(t, second.Abort(ctx))

	d, err := OpenParquet[types.GLRow](filepath.Join(out, "lines.parquet"))
	require.NoError(t, err)
	require.Equal(t, int64(2), d.Rows())
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCodec(t *testing.T) {
	for _, name := range []string{"", "snappy", "ZSTD", "gzip", "none"} {
		_, err := Codec(name)
		require.NoError(t, err, name)
	}
	_, err := Codec("lzo")
	require.Error(t, err)
}

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("s3://bucket/reports/2024/")
	require.NoError(t, err)
	require.Equal(t, Location{Scheme: "s3", Bucket: "bucket", Path: "reports/2024"}, loc)
	require.Equal(t, "reports/2024/unbalanced.parquet", loc.Key("unbalanced.parquet"))

	loc, err = ParseLocation("/data/out")
	require.NoError(t, err)
	require.False(t, loc.Remote())
	require.Equal(t, "unbalanced.parquet", loc.Key("unbalanced.parquet"))

	loc, err = ParseLocation("file:///data/out")
	require.NoError(t, err)
	require.Equal(t, "/data/out", loc.Path)

	_, err = ParseLocation("s3:///nobucket")
	require.Error(t, err)
	_, err = ParseLocation("gs://bucket/x")
	require.Error(t, err)
}

func TestFetcher_CopiesDatasetAndCaches(t *testing.T) {
	remoteDir := t.TempDir()
	remote, err := NewLocalStorage(remoteDir)
	require.NoError(t, err)
	require.NoError(t, WriteParquetFile(filepath.Join(remoteDir, "in", "gl.parquet", "gl_0000.parquet"), glRows("JE1", 3)))
	require.NoError(t, WriteParquetFile(filepath.Join(remoteDir, "in", "gl.parquet", "gl_0001.parquet"), glRows("JE2", 2)))
	require.NoError(t, os.WriteFile(filepath.Join(remoteDir, "in", "gl.parquet", "README"), []byte("x"), 0644))

	cache := t.TempDir()
	f := NewFetcher(remote, 2, cache)
	ctx := context.Background()

	res, err := f.Fetch(ctx, "in/gl.parquet")
	require.NoError(t, err)
	require.Equal(t, 2, res.Downloads)
	require.Equal(t, filepath.Join(cache, "gl.parquet"), res.Dir)

	d, err := OpenParquet[types.GLRow](res.Dir)
	require.NoError(t, err)
	require.Equal(t, int64(5), d.Rows())

	res, err = f.Fetch(ctx, "in/gl.parquet/")
	require.NoError(t, err)
	require.Equal(t, 2, res.CacheHits)
	require.Zero(t, res.Downloads)

	_, err = f.Fetch(ctx, "in/tb.parquet")
	require.ErrorIs(t, err, ErrObjectNotFound)
}
