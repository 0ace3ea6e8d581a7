package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	store "github.com/eteran/hashstore/pkg/storage"
)

var _ store.StorageEngine = (*LocalFileStorage)(nil)

// LocalFileStorage is a StorageEngine implementation that stores blobs on the
// local filesystem under a content-addressed layout rooted at dataDir. Blobs
// are addressed by their full SHA-512 hexadecimal hash, with the first two
// characters used as a subdirectory prefix. Uploads are written to a staging
// directory first and only become visible through an atomic rename, so a
// partially written file never appears at a blob's path.
type LocalFileStorage struct {
	dataDir   string
	chunkSize int
	pool      *workerPool
}

// LocalOption configures a LocalFileStorage.
type LocalOption func(*LocalFileStorage)

// WithChunkSize sets the size of the chunks streamed back by Find.
func WithChunkSize(size int) LocalOption {
	return func(s *LocalFileStorage) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

// WithWorkers sets how many blocking filesystem calls may run at once.
func WithWorkers(n int) LocalOption {
	return func(s *LocalFileStorage) {
		s.pool = newWorkerPool(n)
	}
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string, opts ...LocalOption) *LocalFileStorage {
	s := &LocalFileStorage{
		dataDir:   dataDir,
		chunkSize: store.DefaultChunkSize,
		pool:      newWorkerPool(DefaultWorkers),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StagingDir returns the directory holding in-flight uploads.
func (s *LocalFileStorage) StagingDir() string {
	return filepath.Join(s.dataDir, store.StagingDirName)
}

// Find returns a Stream over the blob stored under key. The file is opened
// only when the Stream is iterated.
func (s *LocalFileStorage) Find(ctx context.Context, key string) (*store.Stream, error) {
	objPath, err := store.ObjectPath(s.dataDir, key)
	if err != nil {
		return nil, store.ErrNotFound
	}

	var info fs.FileInfo
	err = s.pool.do(ctx, func() error {
		var err error
		info, err = os.Stat(objPath)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat blob: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, store.ErrNotFound
	}

	return store.NewStream(func(ctx context.Context) (io.ReadCloser, error) {
		return s.open(ctx, objPath)
	}, s.chunkSize), nil
}

func (s *LocalFileStorage) open(ctx context.Context, objPath string) (io.ReadCloser, error) {
	var f *os.File
	err := s.pool.do(ctx, func() error {
		var err error
		f, err = os.Open(objPath)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		// Deleted between Find and iteration.
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Upload streams r into a staging file while hashing it, then publishes the
// file at the path derived from the hash. If a blob with the same content is
// already present the staging file is discarded and existed is true.
func (s *LocalFileStorage) Upload(ctx context.Context, r io.Reader) (bool, string, error) {
	stagingDir := s.StagingDir()

	var tmp *os.File
	err := s.pool.do(ctx, func() error {
		if err := os.MkdirAll(stagingDir, 0o755); err != nil {
			return err
		}
		var err error
		tmp, err = os.CreateTemp(stagingDir, "upload-*")
		return err
	})
	if err != nil {
		return false, "", fmt.Errorf("create staging file: %w", err)
	}

	tmpPath := tmp.Name()
	published := false
	defer func() {
		if published {
			return
		}
		_ = tmp.Close()
		if err := removeIfExists(tmpPath); err != nil {
			slog.Warn("Failed to remove staging file", "path", tmpPath, "err", err)
		}
	}()

	key, size, err := store.Consume(ctx, r, s.chunkSize, tmp)
	if err != nil {
		return false, "", err
	}

	// CreateTemp uses 0600.
	if err := tmp.Chmod(0o644); err != nil {
		return false, "", fmt.Errorf("chmod staging file: %w", err)
	}

	// Make sure the content is durable before it becomes reachable.
	if err := tmp.Sync(); err != nil {
		return false, "", fmt.Errorf("sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, "", fmt.Errorf("close staging file: %w", err)
	}

	objPath, err := store.ObjectPath(s.dataDir, key)
	if err != nil {
		return false, "", err
	}

	var existed bool
	err = s.pool.do(ctx, func() error {
		if _, err := os.Stat(objPath); err == nil {
			existed = true
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
			return err
		}

		// Another upload of the same content may have published between the
		// Stat above and here; the rename refuses to replace it.
		err := PublishFile(tmpPath, objPath)
		if errors.Is(err, fs.ErrExist) {
			existed = true
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			// The sweeper removed the staging file while the upload was
			// still running.
			return ErrStagingReclaimed
		}
		if err != nil {
			return err
		}

		published = true
		return nil
	})
	if err != nil {
		return false, "", fmt.Errorf("publish blob: %w", err)
	}

	if existed {
		slog.Debug("Upload deduplicated", "key", key, "size", size)
	} else {
		slog.Debug("Upload published", "key", key, "size", size)
	}

	return existed, key, nil
}

// Delete removes the blob stored under key.
func (s *LocalFileStorage) Delete(ctx context.Context, key string) error {
	objPath, err := store.ObjectPath(s.dataDir, key)
	if err != nil {
		return store.ErrNotFound
	}

	err = s.pool.do(ctx, func() error {
		return os.Remove(objPath)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove blob: %w", err)
	}

	return nil
}

// ReclaimStaging removes staging files that have not been modified for at
// least olderThan. Uploads that are still streaming keep touching their
// staging file, so a generous olderThan only catches abandoned ones.
func (s *LocalFileStorage) ReclaimStaging(ctx context.Context, olderThan time.Duration) (int, error) {
	stagingDir := s.StagingDir()

	var entries []os.DirEntry
	err := s.pool.do(ctx, func() error {
		var err error
		entries, err = os.ReadDir(stagingDir)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("stat staging entry: %w", err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(stagingDir, entry.Name())
		if err := s.pool.do(ctx, func() error { return removeIfExists(path) }); err != nil {
			return removed, fmt.Errorf("remove staging entry: %w", err)
		}

		slog.Debug("Reclaimed staging file", "path", path, "modified", info.ModTime())
		removed++
	}

	return removed, nil
}
