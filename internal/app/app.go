// Package app runs a reconciliation: it opens the ledgers, plans both
// reports over one shared graph, executes them and reports each outcome.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/ledgerrecon/recon/internal/config"
	"github.com/ledgerrecon/recon/internal/engine"
	"github.com/ledgerrecon/recon/internal/errors"
	"github.com/ledgerrecon/recon/internal/logging"
	"github.com/ledgerrecon/recon/internal/reports"
	"github.com/ledgerrecon/recon/internal/storage"
	"github.com/ledgerrecon/recon/pkg/types"
)

// Report names, also the dataset names under the output path.
const (
	UnbalancedReport   = "unbalanced"
	CompletenessReport = "completeness"
)

// App runs reconciliations with one configuration.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *engine.Engine
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	eng := engine.New(engine.Options{
		Workers:          cfg.Engine.Workers,
		SpillThreshold:   cfg.Engine.SpillThreshold.Bytes(),
		MemoryLimit:      cfg.Engine.MemoryLimit.Bytes(),
		TempDir:          cfg.Engine.TempDir,
		VerifyColocation: cfg.Engine.VerifyColocation,
		Logger:           logger,
	})
	return &App{cfg: cfg, logger: logger, engine: eng}, nil
}

// Outcome is the result of one report.
type Outcome struct {
	Name     string
	Path     string
	Rows     int64
	Duration time.Duration
	Totals   engine.Totals
	Err      error
}

// Summary is the result of a run.
type Summary struct {
	Partitions int
	Reports    []Outcome
}

// Failed returns the reports that did not complete.
func (s *Summary) Failed() []Outcome {
	var out []Outcome
	for _, r := range s.Reports {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Run produces both reports. A report that fails does not stop the other;
// Run returns an error when at least one report failed, together with the
// summary of both. Errors that prevent planning anything are returned
// without a summary.
func (a *App) Run(ctx context.Context) (*Summary, error) {
	outLoc, err := storage.ParseLocation(a.cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("invalid output path: %w", err)
	}
	out, err := storage.Open(ctx, outLoc, a.s3Config())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize output storage: %w", err)
	}

	gl, glSize := openInput[types.GLRow](ctx, a, "gl", a.cfg.GLPath)
	tb, _ := openInput[types.TBRow](ctx, a, "tb", a.cfg.TBPath)

	n := a.cfg.Engine.Partitions
	if n <= 0 {
		n = engine.PartitionsFor(glSize, a.cfg.Engine.TargetPartitionSize.Bytes())
	}
	opts := reports.Options{Partitions: n, Seed: a.cfg.Engine.HashSeed}
	a.logger.Info("planning reports",
		"partitions", n, "seed", opts.Seed, logging.Bytes("gl_size", glSize),
		"output", outLoc.String())

	unbalancedPath := outLoc.Key(UnbalancedReport + ".parquet")
	unbalancedSink, err := storage.NewParquetSink[types.UnbalancedLine](out, unbalancedPath, a.cfg.Output.Compression)
	if err != nil {
		return nil, err
	}
	completenessPath := outLoc.Key(CompletenessReport + ".parquet")
	completenessSink, err := storage.NewParquetSink[types.CompletenessRow](out, completenessPath, a.cfg.Output.Compression)
	if err != nil {
		return nil, err
	}

	paths := []string{unbalancedPath, completenessPath}
	results := a.engine.Run(ctx,
		engine.Write(UnbalancedReport, reports.Unbalanced(gl, opts), unbalancedSink),
		engine.Write(CompletenessReport, reports.Completeness(gl, tb, opts), completenessSink),
	)

	summary := &Summary{Partitions: n}
	for i, res := range results {
		o := Outcome{
			Name:     res.Name,
			Path:     paths[i],
			Duration: res.Duration,
			Totals:   engine.Summarize(res.Nodes),
			Err:      res.Err,
		}
		for _, s := range res.Nodes {
			if s.Kind == "write" {
				o.Rows = s.Rows
			}
		}
		a.logOutcome(o, res.Nodes)
		summary.Reports = append(summary.Reports, o)
	}

	if failed := summary.Failed(); len(failed) > 0 {
		return summary, fmt.Errorf("%d of %d reports failed", len(failed), len(summary.Reports))
	}
	return summary, nil
}

func (a *App) logOutcome(o Outcome, nodes []engine.NodeStats) {
	if o.Err != nil {
		attrs := []any{"report", o.Name, "error", o.Err}
		if code := errors.GetCode(o.Err); code != "" {
			attrs = append(attrs, "code", code)
		}
		for _, k := range []string{errors.DetailNode, errors.DetailPartition, errors.DetailPath} {
			if v, ok := errors.GetDetail(o.Err, k); ok {
				attrs = append(attrs, k, v)
			}
		}
		a.logger.Error("report failed", attrs...)
		return
	}
	a.logger.Info("report written",
		"report", o.Name,
		"path", o.Path,
		"rows", o.Rows,
		"nodes", o.Totals.Nodes,
		"spill_files", o.Totals.SpillFiles,
		logging.Bytes("spilled", o.Totals.SpilledBytes),
		"duration", o.Duration)
	for _, s := range engine.TopSpillers(nodes, 3) {
		a.logger.Debug("spilling node", "report", o.Name, "node", s.Label,
			"files", s.SpillFiles, logging.Bytes("spilled", s.SpilledBytes))
	}
}

func (a *App) s3Config() storage.S3Config {
	s3cfg := storage.DefaultS3Config()
	if a.cfg.Storage.S3.Region != "" {
		s3cfg.Region = a.cfg.Storage.S3.Region
	}
	s3cfg.Endpoint = a.cfg.Storage.S3.Endpoint
	s3cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
	s3cfg.TempDir = a.cfg.Engine.TempDir
	if a.cfg.Storage.S3.Concurrency > 0 {
		s3cfg.Concurrency = a.cfg.Storage.S3.Concurrency
	}
	return s3cfg
}

// openInput opens a ledger dataset as a table. A dataset that cannot be
// opened becomes an invalid table, which fails only the reports reading it.
func openInput[T any](ctx context.Context, a *App, name, uri string) (engine.Table[T], int64) {
	local, err := a.localize(ctx, uri)
	if err != nil {
		a.logger.Error("failed to fetch input", "input", name, "path", uri, "error", err)
		return engine.Invalid[T](uri, errors.NewReadFailure(fmt.Sprintf("cannot fetch %s", name), err).
			WithDetail(errors.DetailPath, uri)), 0
	}
	ds, err := storage.OpenParquet[T](local)
	if err != nil {
		a.logger.Error("failed to open input", "input", name, "path", uri, "error", err)
		return engine.Invalid[T](uri, err), 0
	}
	a.logger.Info("opened input", "input", name, "path", uri,
		"files", ds.Partitions(), "rows", ds.Rows(), logging.Bytes("size", ds.SizeBytes()))
	return engine.Scan[T](ds), ds.SizeBytes()
}

// localize returns a local path for a dataset, downloading remote datasets
// into the cache directory first.
func (a *App) localize(ctx context.Context, uri string) (string, error) {
	loc, err := storage.ParseLocation(uri)
	if err != nil {
		return "", err
	}
	if !loc.Remote() {
		return loc.Path, nil
	}
	remote, err := storage.Open(ctx, loc, a.s3Config())
	if err != nil {
		return "", err
	}

	// A single object is downloaded as is; anything else is a dataset prefix.
	if ok, err := remote.Exists(ctx, loc.Path); err == nil && ok {
		local := filepath.Join(a.cfg.Storage.CacheDir, loc.Bucket, filepath.FromSlash(loc.Path))
		if err := remote.Download(ctx, loc.Path, local); err != nil {
			return "", err
		}
		return local, nil
	}

	cache := filepath.Join(a.cfg.Storage.CacheDir, loc.Bucket, filepath.FromSlash(path.Dir(loc.Path)))
	res, err := storage.NewFetcher(remote, a.cfg.Storage.S3.Concurrency, cache).Fetch(ctx, loc.Path)
	if err != nil {
		return "", err
	}
	a.logger.Debug("fetched input", "path", uri, "downloads", res.Downloads, "cache_hits", res.CacheHits)
	return res.Dir, nil
}
