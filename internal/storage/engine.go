package storage

import (
	"context"
	"fmt"
	"path/filepath"

	store "github.com/eteran/hashstore/pkg/storage"
)

// Backend names accepted by OpenEngine.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// BackendConfig selects and configures a storage backend.
type BackendConfig struct {
	Backend   string
	DataDir   string
	ChunkSize int
	Workers   int

	// SQLitePath defaults to <DataDir>/hashstore.db.
	SQLitePath string

	S3 S3Config
}

// Engine is a StorageEngine together with the resources backing it.
type Engine struct {
	store.StorageEngine

	closeFn func() error
}

// Close releases whatever the backend holds open.
func (e *Engine) Close() error {
	if e.closeFn == nil {
		return nil
	}
	return e.closeFn()
}

// Reclaimer returns the engine as a Reclaimer if it stages uploads.
func (e *Engine) Reclaimer() (Reclaimer, bool) {
	r, ok := e.StorageEngine.(Reclaimer)
	return r, ok
}

// OpenEngine builds the backend described by cfg.
func OpenEngine(ctx context.Context, cfg BackendConfig) (*Engine, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("local backend requires a data directory")
		}
		s := NewLocalFileStorage(cfg.DataDir, WithChunkSize(cfg.ChunkSize), WithWorkers(cfg.Workers))
		return &Engine{StorageEngine: s}, nil

	case BackendMemory:
		return &Engine{StorageEngine: NewMemoryStorage(cfg.ChunkSize)}, nil

	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("sqlite backend requires a database path")
			}
			path = filepath.Join(cfg.DataDir, "hashstore.db")
		}
		if err := mkdirFor(path); err != nil {
			return nil, err
		}
		s, err := OpenSQLiteStorage(ctx, path, cfg.ChunkSize)
		if err != nil {
			return nil, err
		}
		return &Engine{StorageEngine: s, closeFn: s.Close}, nil

	case BackendS3:
		if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
			return nil, errS3Config
		}
		client, err := NewS3Client(cfg.S3)
		if err != nil {
			return nil, err
		}
		s := NewS3Storage(client, cfg.S3.Bucket, cfg.S3.Prefix, cfg.ChunkSize)
		if err := s.EnsureBucket(ctx, cfg.S3.Region); err != nil {
			return nil, err
		}
		return &Engine{StorageEngine: s}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
