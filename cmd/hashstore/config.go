package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eteran/hashstore/internal/storage"
	store "github.com/eteran/hashstore/pkg/storage"
)

// settings is the resolved service configuration. Values come from flags,
// HASHSTORE_* environment variables and an optional hashstore.{yaml,toml}
// file, in that order of precedence.
type settings struct {
	Listen    string
	DataDir   string
	Backend   string
	ChunkSize int
	Workers   int

	SQLitePath string
	S3         storage.S3Config

	SweepInterval time.Duration
	StagingMaxAge time.Duration

	RateLimit float64
	RateBurst int

	LogLevel string
}

func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (TOML or YAML)")

	fs.String("listen", ":8000", "HTTP listen address")
	fs.String("data-dir", "./store", "directory to store blobs in (local and sqlite backends)")
	fs.String("backend", storage.BackendLocal, "storage backend: local|memory|sqlite|s3")
	fs.Int("chunk-size", store.DefaultChunkSize, "bytes per chunk when streaming blobs")
	fs.Int("workers", storage.DefaultWorkers, "concurrent blocking filesystem calls (local backend)")

	fs.String("sqlite-path", "", "sqlite database file (defaults to <data-dir>/hashstore.db)")

	fs.String("s3-endpoint", "", "S3 endpoint host:port")
	fs.String("s3-bucket", "", "S3 bucket name")
	fs.String("s3-region", "us-east-1", "S3 region")
	fs.String("s3-access-key", "", "S3 access key")
	fs.String("s3-secret-key", "", "S3 secret key")
	fs.String("s3-prefix", "", "key prefix inside the bucket")
	fs.Bool("s3-secure", true, "use TLS for S3")

	fs.Duration("sweep-interval", 10*time.Minute, "how often to reclaim abandoned uploads (0 disables)")
	fs.Duration("staging-max-age", storage.DefaultStagingMaxAge, "age after which an unfinished upload is abandoned")

	fs.Float64("rate-limit", 0, "requests per second across all clients (0 disables)")
	fs.Int("rate-burst", 0, "burst size for rate limiting")

	fs.String("log-level", "info", "log level: debug|info|warn|error")
}

// loadSettings resolves settings from fs, the environment and the config
// file. An explicitly named config file must exist; the default one is
// optional.
func loadSettings(fs *pflag.FlagSet) (settings, error) {
	v := viper.New()

	v.SetEnvPrefix("HASHSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return settings{}, fmt.Errorf("bind flags: %w", err)
	}

	cfgFile, _ := fs.GetString("config")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("hashstore")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "hashstore"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &nf) {
			return settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := settings{
		Listen:     v.GetString("listen"),
		DataDir:    v.GetString("data-dir"),
		Backend:    strings.ToLower(v.GetString("backend")),
		ChunkSize:  v.GetInt("chunk-size"),
		Workers:    v.GetInt("workers"),
		SQLitePath: v.GetString("sqlite-path"),
		S3: storage.S3Config{
			Endpoint:  v.GetString("s3-endpoint"),
			Bucket:    v.GetString("s3-bucket"),
			Region:    v.GetString("s3-region"),
			AccessKey: v.GetString("s3-access-key"),
			SecretKey: v.GetString("s3-secret-key"),
			Prefix:    v.GetString("s3-prefix"),
			Secure:    v.GetBool("s3-secure"),
		},
		SweepInterval: v.GetDuration("sweep-interval"),
		StagingMaxAge: v.GetDuration("staging-max-age"),
		RateLimit:     v.GetFloat64("rate-limit"),
		RateBurst:     v.GetInt("rate-burst"),
		LogLevel:      v.GetString("log-level"),
	}

	if cfg.ChunkSize <= 0 {
		return settings{}, fmt.Errorf("chunk-size must be positive, got %d", cfg.ChunkSize)
	}

	return cfg, nil
}

// backendConfig converts the settings into an engine description. The data
// directory is made absolute for easier debugging.
func (s settings) backendConfig() (storage.BackendConfig, error) {
	dataDir := s.DataDir
	if dataDir != "" {
		abs, err := filepath.Abs(dataDir)
		if err != nil {
			return storage.BackendConfig{}, fmt.Errorf("failed to resolve data directory: %w", err)
		}
		dataDir = abs
	}

	return storage.BackendConfig{
		Backend:    s.Backend,
		DataDir:    dataDir,
		ChunkSize:  s.ChunkSize,
		Workers:    s.Workers,
		SQLitePath: s.SQLitePath,
		S3:         s.S3,
	}, nil
}
