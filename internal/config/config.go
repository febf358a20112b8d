// Package config provides configuration for the reconciliation run and the
// data generator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration of a reconciliation run.
type Config struct {
	// GLPath is the General Ledger dataset: a parquet file or directory,
	// local or s3://
	GLPath string `json:"gl_path" yaml:"gl_path"`

	// TBPath is the Trial Balance dataset
	TBPath string `json:"tb_path" yaml:"tb_path"`

	// OutputPath receives unbalanced.parquet/ and completeness.parquet/
	OutputPath string `json:"output_path" yaml:"output_path"`

	// Engine configuration
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Output configuration
	Output OutputConfig `json:"output" yaml:"output"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// EngineConfig holds execution engine configuration.
type EngineConfig struct {
	// Workers bounds concurrent nodes and partition tasks (0 = CPUs)
	Workers int `json:"workers" yaml:"workers"`

	// Partitions fixes the partition count of both pipelines (0 = derive
	// from the GL size and TargetPartitionSize)
	Partitions int `json:"partitions" yaml:"partitions"`

	// TargetPartitionSize is the GL bytes per partition when deriving the count
	TargetPartitionSize ByteSize `json:"target_partition_size" yaml:"target_partition_size"`

	// SpillThreshold is the buffered size at which a partition goes to disk
	SpillThreshold ByteSize `json:"spill_threshold" yaml:"spill_threshold"`

	// MemoryLimit is the resident partition budget of a run (0 = unlimited)
	MemoryLimit ByteSize `json:"memory_limit" yaml:"memory_limit"`

	// TempDir is the directory for spill files
	TempDir string `json:"temp_dir" yaml:"temp_dir"`

	// VerifyColocation re-checks key placement after aggregation
	VerifyColocation bool `json:"verify_colocation" yaml:"verify_colocation"`

	// HashSeed seeds the partition hash
	HashSeed uint32 `json:"hash_seed" yaml:"hash_seed"`
}

// OutputConfig holds report output configuration.
type OutputConfig struct {
	// Compression is the parquet codec: snappy, zstd, gzip or none
	Compression string `json:"compression" yaml:"compression"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// CacheDir receives remote input datasets before they are read
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// S3 configuration, used for s3:// paths
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration. The bucket and prefix come from
// the s3:// path itself.
type S3Config struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// Concurrency bounds parallel transfers
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Format is console, json or logfmt
	Format string `json:"format" yaml:"format"`

	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`
}

// DefaultSeed is the default partition hash seed.
const DefaultSeed = 0x5eed

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		OutputPath: "./output",
		Engine: EngineConfig{
			TargetPartitionSize: 100 * ByteSize(humanize.MByte),
			SpillThreshold:      256 * ByteSize(humanize.MByte),
			VerifyColocation:    true,
			HashSeed:            DefaultSeed,
		},
		Output: OutputConfig{
			Compression: "snappy",
		},
		Storage: StorageConfig{
			S3: S3Config{
				Region:      "us-east-1",
				Concurrency: 8,
			},
		},
		Log: LogConfig{
			Format: "console",
			Level:  "info",
		},
	}
}

// Resolve sets defaults that depend on other settings.
func (c *Config) Resolve() {
	if c.Engine.TempDir == "" {
		c.Engine.TempDir = os.TempDir()
	}
	if c.Storage.CacheDir == "" {
		c.Storage.CacheDir = filepath.Join(c.Engine.TempDir, "recon-cache")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.GLPath == "" {
		return fmt.Errorf("gl_path is required")
	}
	if c.TBPath == "" {
		return fmt.Errorf("tb_path is required")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output_path is required")
	}

	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative, got %d", c.Engine.Workers)
	}
	if c.Engine.Partitions < 0 {
		return fmt.Errorf("engine.partitions must not be negative, got %d", c.Engine.Partitions)
	}
	if c.Engine.Partitions == 0 && c.Engine.TargetPartitionSize == 0 {
		return fmt.Errorf("engine.target_partition_size is required when engine.partitions is not set")
	}

	switch strings.ToLower(c.Output.Compression) {
	case "snappy", "zstd", "gzip", "none", "uncompressed":
	default:
		return fmt.Errorf("invalid output.compression: %s (must be snappy, zstd, gzip or none)", c.Output.Compression)
	}

	switch c.Log.Format {
	case "console", "json", "logfmt":
	default:
		return fmt.Errorf("invalid log.format: %s (must be console, json or logfmt)", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn or error)", c.Log.Level)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the RECON_ prefix.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("RECON_GL_PATH"); v != "" {
		cfg.GLPath = v
	}
	if v := os.Getenv("RECON_TB_PATH"); v != "" {
		cfg.TBPath = v
	}
	if v := os.Getenv("RECON_OUTPUT_PATH"); v != "" {
		cfg.OutputPath = v
	}

	// Engine configuration
	if v := os.Getenv("RECON_ENGINE_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.Workers)
	}
	if v := os.Getenv("RECON_ENGINE_PARTITIONS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.Partitions)
	}
	sizes := []struct {
		env string
		dst *ByteSize
	}{
		{"RECON_ENGINE_TARGET_PARTITION_SIZE", &cfg.Engine.TargetPartitionSize},
		{"RECON_ENGINE_SPILL_THRESHOLD", &cfg.Engine.SpillThreshold},
		{"RECON_ENGINE_MEMORY_LIMIT", &cfg.Engine.MemoryLimit},
	}
	for _, s := range sizes {
		if v := os.Getenv(s.env); v != "" {
			if err := s.dst.Set(v); err != nil {
				return fmt.Errorf("%s: %w", s.env, err)
			}
		}
	}
	if v := os.Getenv("RECON_ENGINE_TEMP_DIR"); v != "" {
		cfg.Engine.TempDir = v
	}
	if v := os.Getenv("RECON_ENGINE_VERIFY_COLOCATION"); v != "" {
		cfg.Engine.VerifyColocation = v == "true" || v == "1"
	}
	if v := os.Getenv("RECON_ENGINE_HASH_SEED"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.HashSeed)
	}

	// Output configuration
	if v := os.Getenv("RECON_OUTPUT_COMPRESSION"); v != "" {
		cfg.Output.Compression = v
	}

	// Storage configuration
	if v := os.Getenv("RECON_STORAGE_CACHE_DIR"); v != "" {
		cfg.Storage.CacheDir = v
	}
	if v := os.Getenv("RECON_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("RECON_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("RECON_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Log configuration
	if v := os.Getenv("RECON_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("RECON_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Engine.TempDir,
		c.Storage.CacheDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
