package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	store "github.com/eteran/hashstore/pkg/storage"
)

var _ store.StorageEngine = (*MemoryStorage)(nil)

// MemoryStorage keeps blobs in a map. It is meant for tests and throwaway
// servers; nothing survives the process.
type MemoryStorage struct {
	mu        sync.RWMutex
	blobs     map[string][]byte
	chunkSize int
}

// NewMemoryStorage returns an empty MemoryStorage whose streams yield chunks
// of at most chunkSize bytes.
func NewMemoryStorage(chunkSize int) *MemoryStorage {
	if chunkSize <= 0 {
		chunkSize = store.DefaultChunkSize
	}
	return &MemoryStorage{
		blobs:     make(map[string][]byte),
		chunkSize: chunkSize,
	}
}

// Len returns the number of stored blobs.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *MemoryStorage) Find(ctx context.Context, key string) (*store.Stream, error) {
	if !store.ValidKey(key) {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	_, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	return store.NewStream(func(ctx context.Context) (io.ReadCloser, error) {
		s.mu.RLock()
		data, ok := s.blobs[key]
		s.mu.RUnlock()
		if !ok {
			return nil, store.ErrNotFound
		}
		// Stored slices are never mutated, so readers can share them.
		return io.NopCloser(bytes.NewReader(data)), nil
	}, s.chunkSize), nil
}

func (s *MemoryStorage) Upload(ctx context.Context, r io.Reader) (bool, string, error) {
	var buf bytes.Buffer
	key, _, err := store.Consume(ctx, r, s.chunkSize, &buf)
	if err != nil {
		return false, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; ok {
		return true, key, nil
	}

	s.blobs[key] = buf.Bytes()
	return false, key, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	if !store.ValidKey(key) {
		return store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return store.ErrNotFound
	}

	delete(s.blobs, key)
	return nil
}
