package storage_test

import (
	"testing"

	"github.com/eteran/hashstore/internal/storage"
	store "github.com/eteran/hashstore/pkg/storage"
	"github.com/eteran/hashstore/pkg/storage/storagetest"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorageConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) store.StorageEngine {
		return storage.NewMemoryStorage(1024)
	}, storagetest.Options{})
}

func TestMemoryStorageLen(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryStorage(0)
	require.Zero(t, engine.Len())

	storagetest.Upload(t, engine, []byte("one"))
	storagetest.Upload(t, engine, []byte("two"))
	storagetest.Upload(t, engine, []byte("one"))
	require.Equal(t, 2, engine.Len())

	require.NoError(t, engine.Delete(t.Context(), store.KeyOf([]byte("one"))))
	require.Equal(t, 1, engine.Len())
}

func TestMemoryStorageDefaultChunkSize(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryStorage(0)
	_, key := storagetest.Upload(t, engine, []byte("x"))

	stream, err := engine.Find(t.Context(), key)
	require.NoError(t, err)
	require.Equal(t, store.DefaultChunkSize, stream.ChunkSize())
}
