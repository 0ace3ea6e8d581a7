package core

import (
	"golang.org/x/time/rate"

	"github.com/eteran/hashstore/pkg/storage"
)

type Config struct {
	DataDir   string
	ChunkSize int
	Workers   int
	Engine    storage.StorageEngine

	// RateLimit is the number of requests per second accepted across all
	// clients. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

type ConfigOption func(*Config)

func WithStorageEngine(engine storage.StorageEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithChunkSize(size int) ConfigOption {
	return func(cfg *Config) {
		cfg.ChunkSize = size
	}
}

func WithWorkers(n int) ConfigOption {
	return func(cfg *Config) {
		cfg.Workers = n
	}
}

// WithRateLimit limits the server to perSecond requests with bursts of up to
// burst requests.
func WithRateLimit(perSecond float64, burst int) ConfigOption {
	return func(cfg *Config) {
		cfg.RateLimit = rate.Limit(perSecond)
		cfg.RateBurst = burst
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
