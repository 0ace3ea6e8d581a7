// Package storagetest holds the behavioural checks every storage.StorageEngine
// implementation must pass.
package storagetest

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/eteran/hashstore/pkg/storage"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Options tunes Run for slower backends.
type Options struct {
	// ConcurrentUploads is the number of parallel uploads of one payload.
	ConcurrentUploads int

	// ConcurrentPayloadSize is the size of that payload in bytes.
	ConcurrentPayloadSize int
}

// Run exercises engine against the content-addressed store contract. newEngine
// must return an empty engine for each call.
func Run(t *testing.T, newEngine func(t *testing.T) storage.StorageEngine, opts Options) {
	t.Helper()

	if opts.ConcurrentUploads <= 0 {
		opts.ConcurrentUploads = 10
	}
	if opts.ConcurrentPayloadSize <= 0 {
		opts.ConcurrentPayloadSize = 10 << 20
	}

	t.Run("HappyPath", func(t *testing.T) {
		HappyPath(t, newEngine(t))
	})
	t.Run("UploadIsDeterministic", func(t *testing.T) {
		UploadIsDeterministic(t, newEngine(t))
	})
	t.Run("RoundTrip", func(t *testing.T) {
		RoundTrip(t, newEngine(t))
	})
	t.Run("ShortKeysAreNotFound", func(t *testing.T) {
		ShortKeysAreNotFound(t, newEngine(t))
	})
	t.Run("DeleteUnknown", func(t *testing.T) {
		DeleteUnknown(t, newEngine(t))
	})
	t.Run("DeleteTwice", func(t *testing.T) {
		DeleteTwice(t, newEngine(t))
	})
	t.Run("ConcurrentIdenticalUploads", func(t *testing.T) {
		ConcurrentIdenticalUploads(t, newEngine(t), opts)
	})
}

// Upload is a helper that uploads data and fails the test on error.
func Upload(t *testing.T, engine storage.StorageEngine, data []byte) (bool, string) {
	t.Helper()
	existed, key, err := engine.Upload(t.Context(), bytes.NewReader(data))
	require.NoError(t, err, "Upload error")
	return existed, key
}

// Download is a helper that reads a blob back in full.
func Download(t *testing.T, engine storage.StorageEngine, key string) []byte {
	t.Helper()
	stream, err := engine.Find(t.Context(), key)
	require.NoError(t, err, "Find error")
	data, err := stream.ReadAll(t.Context())
	require.NoError(t, err, "reading stream")
	return data
}

// HappyPath uploads, downloads and deletes a small greeting.
func HappyPath(t *testing.T, engine storage.StorageEngine) {
	ctx := t.Context()
	payload := []byte("Hello, world!")

	existed, key := Upload(t, engine, payload)
	require.False(t, existed, "first upload should be fresh")
	require.Equal(t, storage.KeyOf(payload), key)
	require.Len(t, key, 128, "expected a 512-bit hex digest")

	require.Equal(t, payload, Download(t, engine, key))

	require.NoError(t, engine.Delete(ctx, key), "Delete error")

	_, err := engine.Find(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound, "Find after Delete")

	err = engine.Delete(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound, "second Delete")
}

// UploadIsDeterministic uploads the same content twice.
func UploadIsDeterministic(t *testing.T, engine storage.StorageEngine) {
	payload := []byte("Test data")

	existed, key1 := Upload(t, engine, payload)
	require.False(t, existed)

	existed, key2 := Upload(t, engine, payload)
	require.True(t, existed, "second upload should be deduplicated")
	require.Equal(t, key1, key2)

	require.Equal(t, payload, Download(t, engine, key1))
}

// RoundTrip checks that Find yields exactly the uploaded bytes, chunked to at
// most the stream's chunk size.
func RoundTrip(t *testing.T, engine storage.StorageEngine) {
	ctx := t.Context()

	random := make([]byte, 200_000)
	_, err := rand.Read(random)
	require.NoError(t, err)

	payloads := map[string][]byte{
		"empty":  {},
		"byte":   {0x42},
		"text":   []byte(strings.Repeat("lorem ipsum ", 1000)),
		"random": random,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			_, key := Upload(t, engine, payload)

			stream, err := engine.Find(ctx, key)
			require.NoError(t, err)

			got := make([]byte, 0, len(payload))
			for chunk, err := range stream.Chunks(ctx) {
				require.NoError(t, err)
				require.NotEmpty(t, chunk)
				require.LessOrEqual(t, len(chunk), stream.ChunkSize())
				got = append(got, chunk...)
			}
			require.Equal(t, payload, got)
		})
	}
}

// ShortKeysAreNotFound checks that keys below the minimum length never
// resolve, even when a blob's key starts with them.
func ShortKeysAreNotFound(t *testing.T, engine storage.StorageEngine) {
	ctx := t.Context()
	_, key := Upload(t, engine, []byte("prefix check"))

	for _, short := range []string{"", key[:1], key[:2]} {
		_, err := engine.Find(ctx, short)
		require.ErrorIs(t, err, storage.ErrNotFound, "Find(%q)", short)

		err = engine.Delete(ctx, short)
		require.ErrorIs(t, err, storage.ErrNotFound, "Delete(%q)", short)
	}

	require.NotEmpty(t, Download(t, engine, key), "blob should be untouched")
}

// DeleteUnknown deletes a key that was never uploaded.
func DeleteUnknown(t *testing.T, engine storage.StorageEngine) {
	ctx := t.Context()

	err := engine.Delete(ctx, "abcdef01234")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = engine.Find(ctx, "abcdef01234")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// DeleteTwice checks that a second Delete fails.
func DeleteTwice(t *testing.T, engine storage.StorageEngine) {
	ctx := t.Context()
	_, key := Upload(t, engine, []byte("Test file"))

	require.NoError(t, engine.Delete(ctx, key))
	require.ErrorIs(t, engine.Delete(ctx, key), storage.ErrNotFound)
}

// ConcurrentIdenticalUploads uploads one large payload from many goroutines
// at once.
func ConcurrentIdenticalUploads(t *testing.T, engine storage.StorageEngine, opts Options) {
	payload := make([]byte, opts.ConcurrentPayloadSize)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	want := storage.KeyOf(payload)

	var (
		mu    sync.Mutex
		fresh int
	)

	g, ctx := errgroup.WithContext(t.Context())
	for range opts.ConcurrentUploads {
		g.Go(func() error {
			existed, key, err := engine.Upload(ctx, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			if key != want {
				return fmt.Errorf("got key %s, want %s", key, want)
			}
			if !existed {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait(), "concurrent uploads")

	require.Equal(t, 1, fresh, "exactly one upload should publish")

	require.Equal(t, payload, Download(t, engine, want))
}
