package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/eteran/hashstore/internal/storage"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("hashstore", pflag.ContinueOnError)
	registerFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadSettingsDefaults(t *testing.T) {
	cfg, err := loadSettings(parseFlags(t))
	require.NoError(t, err)

	require.Equal(t, ":8000", cfg.Listen)
	require.Equal(t, "./store", cfg.DataDir)
	require.Equal(t, storage.BackendLocal, cfg.Backend)
	require.Equal(t, 32*1024, cfg.ChunkSize)
	require.Equal(t, 64, cfg.Workers)
	require.Equal(t, 10*time.Minute, cfg.SweepInterval)
	require.Equal(t, time.Hour, cfg.StagingMaxAge)
	require.Zero(t, cfg.RateLimit)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadSettingsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashstore.yaml")
	content := `
listen: ":9100"
backend: sqlite
chunk-size: 4096
s3-bucket: ignored
sweep-interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadSettings(parseFlags(t, "--config", path, "--chunk-size", "1024"))
	require.NoError(t, err)

	require.Equal(t, ":9100", cfg.Listen)
	require.Equal(t, storage.BackendSQLite, cfg.Backend)
	require.Equal(t, 1024, cfg.ChunkSize, "flags take precedence over the file")
	require.Equal(t, "ignored", cfg.S3.Bucket)
	require.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestLoadSettingsEnvironment(t *testing.T) {
	t.Setenv("HASHSTORE_DATA_DIR", "/srv/blobs")
	t.Setenv("HASHSTORE_RATE_LIMIT", "12.5")

	cfg, err := loadSettings(parseFlags(t))
	require.NoError(t, err)
	require.Equal(t, "/srv/blobs", cfg.DataDir)
	require.InDelta(t, 12.5, cfg.RateLimit, 1e-9)
}

func TestLoadSettingsMissingConfigFile(t *testing.T) {
	_, err := loadSettings(parseFlags(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")))
	require.Error(t, err)
}

func TestLoadSettingsRejectsZeroChunkSize(t *testing.T) {
	_, err := loadSettings(parseFlags(t, "--chunk-size", "0"))
	require.Error(t, err)
}

func TestBackendConfigResolvesDataDir(t *testing.T) {
	cfg := settings{Backend: storage.BackendLocal, DataDir: "relative/store", ChunkSize: 10}
	backend, err := cfg.backendConfig()
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(backend.DataDir))
	require.Equal(t, 10, backend.ChunkSize)
}

func TestSweepCommand(t *testing.T) {
	dataDir := t.TempDir()
	staging := filepath.Join(dataDir, ".temp")
	require.NoError(t, os.MkdirAll(staging, 0o755))

	orphan := filepath.Join(staging, "upload-123")
	require.NoError(t, os.WriteFile(orphan, []byte("half"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep", "--data-dir", dataDir, "--log-level", "error"})
	require.NoError(t, cmd.ExecuteContext(t.Context()))

	require.Equal(t, "reclaimed 1 abandoned uploads\n", out.String())
	_, err := os.Stat(orphan)
	require.True(t, os.IsNotExist(err))
}

func TestSweepCommandWithoutStaging(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"sweep", "--backend", "memory", "--log-level", "error"})
	require.Error(t, cmd.ExecuteContext(t.Context()))
}

func TestInvalidLogLevel(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"sweep", "--log-level", "loud"})
	require.Error(t, cmd.ExecuteContext(t.Context()))
}
