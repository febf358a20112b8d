// Package main implements the recon binary. The root command reconciles a
// General Ledger against a Trial Balance; "generate" builds test datasets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ledgerrecon/recon/internal/app"
	"github.com/ledgerrecon/recon/internal/config"
	"github.com/ledgerrecon/recon/internal/datagen"
	"github.com/ledgerrecon/recon/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags holds the command line values that override the configuration.
type flags struct {
	configFile string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	f := &flags{cfg: config.DefaultConfig()}

	cmd := &cobra.Command{
		Use:   "recon",
		Short: "Reconcile a General Ledger against a Trial Balance",
		Long: `recon reads a General Ledger (GL) and a Trial Balance (TB) parquet dataset
and writes two reports under the output path:

  unbalanced.parquet/    GL lines of journal entries that do not net to zero
  completeness.parquet/  opening balance + GL activity - ending balance per
                         fiscal year, business unit and account

Settings are read from the config file, then RECON_* environment variables,
then flags; later sources win.`,
		Example: `  recon --gl data/gl.parquet --tb data/tb.parquet --output out
  recon --config recon.yaml --partitions 64 --log-fmt json
  recon --gl s3://ledgers/gl.parquet --tb s3://ledgers/tb.parquet --output s3://ledgers/reports`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd, f)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.configFile, "config", "", "path to configuration file (YAML or JSON)")
	registerConfigFlags(fs, f.cfg)
	logging.RegisterFlags(cmd.PersistentFlags(), &f.cfg.Log.Format, &f.cfg.Log.Level)

	cmd.AddCommand(newGenerateCommand(f.cfg))
	return cmd
}

func registerConfigFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.GLPath, "gl", cfg.GLPath, "General Ledger dataset (file, directory or s3://bucket/prefix)")
	fs.StringVar(&cfg.TBPath, "tb", cfg.TBPath, "Trial Balance dataset (file, directory or s3://bucket/prefix)")
	fs.StringVar(&cfg.OutputPath, "output", cfg.OutputPath, "directory or s3://bucket/prefix receiving the reports")
	fs.IntVar(&cfg.Engine.Workers, "workers", cfg.Engine.Workers, "concurrent partition tasks (0 = number of CPUs)")
	fs.IntVar(&cfg.Engine.Partitions, "partitions", cfg.Engine.Partitions, "partition count (0 = derive from GL size and --target-partition-size)")
	fs.Var(&cfg.Engine.TargetPartitionSize, "target-partition-size", "GL bytes per partition when deriving the partition count")
	fs.Var(&cfg.Engine.SpillThreshold, "spill-threshold", "buffered partition size at which rows are spilled to disk (0 = never)")
	fs.Var(&cfg.Engine.MemoryLimit, "memory-limit", "resident partition budget of a run (0 = unlimited)")
	fs.StringVar(&cfg.Engine.TempDir, "temp-dir", cfg.Engine.TempDir, "directory for spill files")
	fs.BoolVar(&cfg.Engine.VerifyColocation, "verify-colocation", cfg.Engine.VerifyColocation, "re-check key placement of aggregated partitions")
	fs.Uint32Var(&cfg.Engine.HashSeed, "hash-seed", cfg.Engine.HashSeed, "partition hash seed")
	fs.StringVar(&cfg.Output.Compression, "compression", cfg.Output.Compression, "report compression: snappy, zstd, gzip or none")
	fs.StringVar(&cfg.Storage.CacheDir, "cache-dir", cfg.Storage.CacheDir, "directory receiving remote input datasets")
	fs.StringVar(&cfg.Storage.S3.Region, "s3-region", cfg.Storage.S3.Region, "AWS region")
	fs.StringVar(&cfg.Storage.S3.Endpoint, "s3-endpoint", cfg.Storage.S3.Endpoint, "S3 endpoint for S3-compatible storage")
	fs.BoolVar(&cfg.Storage.S3.UsePathStyle, "s3-path-style", cfg.Storage.S3.UsePathStyle, "use path-style S3 addressing")
}

// loadConfig layers the configuration file and the environment under the
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	// Re-apply explicitly set flags on top.
	overrides := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
	registerConfigFlags(overrides, cfg)
	logging.RegisterFlags(overrides, &cfg.Log.Format, &cfg.Log.Level)
	var err error
	cmd.Flags().Visit(func(fl *pflag.Flag) {
		target := overrides.Lookup(fl.Name)
		if target == nil || err != nil {
			return
		}
		// Sizes print rounded, so copy them instead of re-parsing.
		if size, ok := fl.Value.(*config.ByteSize); ok {
			*target.Value.(*config.ByteSize) = *size
			return
		}
		err = target.Value.Set(fl.Value.String())
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runReconcile(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	logger, err := logging.Init(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create application", "error", err)
		return err
	}
	logger.Info("starting reconciliation", "version", version,
		"gl", cfg.GLPath, "tb", cfg.TBPath, "output", cfg.OutputPath)

	summary, err := a.Run(cmd.Context())
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		return err
	}
	logger.Info("reconciliation complete", "reports", len(summary.Reports), "partitions", summary.Partitions)
	return nil
}

func newGenerateCommand(base *config.Config) *cobra.Command {
	opts := datagen.Options{Chunk: datagen.DefaultChunk, Compression: "snappy"}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate GL and TB datasets by stacking seed data",
		Long: `generate stacks the seed GL and TB --number times. Copy i is booked in
fiscal year i and its journal IDs get the suffix "-i". Every --chunks copies
are sorted and written as one file of gl.parquet/ and tb.parquet/ under
--output, replacing any existing datasets.`,
		Example:       `  recon generate --gl seed/gl.parquet --tb seed/tb.parquet --number 100 --output data`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.Init(base.Log.Format, base.Log.Level)
			if err != nil {
				return err
			}
			opts.Logger = logger
			if _, err := datagen.Generate(cmd.Context(), opts); err != nil {
				logger.Error("generation failed", "error", err)
				return err
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.GLPath, "gl", "", "seed General Ledger dataset")
	fs.StringVar(&opts.TBPath, "tb", "", "seed Trial Balance dataset")
	fs.IntVar(&opts.Stacks, "number", 0, "number of times to stack the seed data")
	fs.StringVar(&opts.OutputPath, "output", "", "directory receiving gl.parquet/ and tb.parquet/")
	fs.IntVar(&opts.Chunk, "chunks", opts.Chunk, "stacks per output file")
	fs.IntVar(&opts.Workers, "workers", 0, "files written at once (0 = unlimited)")
	fs.StringVar(&opts.Compression, "compression", opts.Compression, "compression: snappy, zstd, gzip or none")
	for _, name := range []string{"gl", "tb", "number", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
