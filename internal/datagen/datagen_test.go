package datagen

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerrecon/recon/internal/logging"
	"github.com/ledgerrecon/recon/internal/storage"
	"github.com/ledgerrecon/recon/pkg/types"
)

func writeSeeds(t *testing.T) (gl, tb string) {
	t.Helper()
	dir := t.TempDir()
	gl = filepath.Join(dir, "gl_seed.parquet")
	tb = filepath.Join(dir, "tb_seed.parquet")
	require.NoError(t, storage.WriteParquetFile(gl, []types.GLRow{
		{JournalID: "JE2", LineNumber: 2, FiscalYear: 1999, BusinessUnitCode: "BU1", AccountNumber: "4000", LocalAmount: -10},
		{JournalID: "JE1", LineNumber: 1, FiscalYear: 1999, BusinessUnitCode: "BU2", AccountNumber: "1000", LocalAmount: 5},
		{JournalID: "JE2", LineNumber: 1, FiscalYear: 1999, BusinessUnitCode: "BU1", AccountNumber: "1000", LocalAmount: 10},
	}))
	require.NoError(t, storage.WriteParquetFile(tb, []types.TBRow{
		{FiscalYear: 1999, BusinessUnitCode: "BU2", AccountNumber: "1000", OpeningBalance: 1, EndingBalance: 6},
		{FiscalYear: 1999, BusinessUnitCode: "BU1", AccountNumber: "4000", OpeningBalance: 3, EndingBalance: -7},
	}))
	return gl, tb
}

func readRows[T any](t *testing.T, path string) (*storage.Dataset[T], [][]T) {
	t.Helper()
	d, err := storage.OpenParquet[T](path)
	require.NoError(t, err)
	parts := make([][]T, d.Partitions())
	for i := range parts {
		require.NoError(t, d.Read(context.Background(), i, func(batch []T) error {
			parts[i] = append(parts[i], batch...)
			return nil
		}))
	}
	return d, parts
}

func TestGenerate(t *testing.T) {
	gl, tb := writeSeeds(t)
	out := t.TempDir()

	res, err := Generate(context.Background(), Options{
		GLPath:     gl,
		TBPath:     tb,
		OutputPath: out,
		Stacks:     5,
		Chunk:      2,
		Workers:    2,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.GLFiles)
	require.Equal(t, 3, res.TBFiles)
	require.Equal(t, int64(15), res.GLRows)
	require.Equal(t, int64(10), res.TBRows)

	d, parts := readRows[types.GLRow](t, res.GLDir)
	require.Equal(t, []string{
		filepath.Join(out, "gl.parquet", "gl_0000.parquet"),
		filepath.Join(out, "gl.parquet", "gl_0001.parquet"),
		filepath.Join(out, "gl.parquet", "gl_0002.parquet"),
	}, d.Files())
	require.Len(t, parts[2], 3, "last file holds the remaining stack")
	require.True(t, slices.IsSortedFunc(parts[0], compareGL))

	first := parts[0][0]
	require.Equal(t, "BU1", first.BusinessUnitCode)
	require.Equal(t, "JE2-0", first.JournalID)
	require.Equal(t, int32(0), first.FiscalYear)
	require.Equal(t, int64(1), first.LineNumber)

	years := map[int32]int{}
	for _, p := range parts {
		for _, r := range p {
			years[r.FiscalYear]++
			require.Equal(t, fmt.Sprintf("-%d", r.FiscalYear), r.JournalID[len(r.JournalID)-2:])
		}
	}
	require.Equal(t, map[int32]int{0: 3, 1: 3, 2: 3, 3: 3, 4: 3}, years)

	_, tbParts := readRows[types.TBRow](t, res.TBDir)
	require.Len(t, tbParts, 3)
	require.True(t, slices.IsSortedFunc(tbParts[1], compareTB))
	require.Equal(t, types.TBRow{FiscalYear: 2, BusinessUnitCode: "BU1", AccountNumber: "4000", OpeningBalance: 3, EndingBalance: -7}, tbParts[1][0])
}

func TestGenerate_ReplacesOutput(t *testing.T) {
	gl, tb := writeSeeds(t)
	out := t.TempDir()
	opts := Options{GLPath: gl, TBPath: tb, OutputPath: out, Stacks: 4, Chunk: 1, Logger: logging.Discard()}

	_, err := Generate(context.Background(), opts)
	require.NoError(t, err)

	opts.Stacks = 2
	res, err := Generate(context.Background(), opts)
	require.NoError(t, err)
	d, _ := readRows[types.GLRow](t, res.GLDir)
	require.Equal(t, 2, d.Partitions())
}

func TestGenerate_Errors(t *testing.T) {
	gl, tb := writeSeeds(t)

	_, err := Generate(context.Background(), Options{GLPath: gl, TBPath: tb, OutputPath: t.TempDir()})
	require.Error(t, err)

	_, err = Generate(context.Background(), Options{GLPath: tb, TBPath: tb, OutputPath: t.TempDir(), Stacks: 1, Logger: logging.Discard()})
	require.ErrorContains(t, err, "gl seed")

	_, err = Generate(context.Background(), Options{GLPath: gl, TBPath: tb, OutputPath: t.TempDir(), Stacks: 1, Compression: "lzo"})
	require.Error(t, err)
}
