package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerrecon/recon/internal/config"
)

func TestLoadConfig_Precedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "recon.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
gl_path: /file/gl.parquet
tb_path: /file/tb.parquet
engine:
  partitions: 8
  spill_threshold: 64MB
log:
  level: debug
`), 0644))
	t.Setenv("RECON_TB_PATH", "/env/tb.parquet")
	t.Setenv("RECON_ENGINE_PARTITIONS", "16")

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", file,
		"--partitions", "32",
		"--spill-threshold", "1234567",
		"--log-fmt", "json",
	}))
	cfg, err := loadConfig(cmd, &flags{configFile: file})
	require.NoError(t, err)

	require.Equal(t, "/file/gl.parquet", cfg.GLPath)
	require.Equal(t, "/env/tb.parquet", cfg.TBPath)
	require.Equal(t, 32, cfg.Engine.Partitions)
	require.Equal(t, config.ByteSize(1234567), cfg.Engine.SpillThreshold)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, config.DefaultConfig().Output.Compression, cfg.Output.Compression)
}

func TestRootCommand_HasGenerate(t *testing.T) {
	cmd, _, err := newRootCommand().Find([]string{"generate"})
	require.NoError(t, err)
	require.Equal(t, "generate", cmd.Name())
	require.NotNil(t, cmd.Flags().Lookup("chunks"))
}
