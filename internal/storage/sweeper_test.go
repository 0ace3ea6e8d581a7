package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eteran/hashstore/internal/storage"

	"github.com/stretchr/testify/require"
)

type countingReclaimer struct {
	calls  atomic.Int32
	maxAge atomic.Int64
}

func (r *countingReclaimer) ReclaimStaging(ctx context.Context, olderThan time.Duration) (int, error) {
	r.calls.Add(1)
	r.maxAge.Store(int64(olderThan))
	return 0, nil
}

func TestSweeperSweepsLocalStaging(t *testing.T) {
	t.Parallel()

	engine := storage.NewLocalFileStorage(t.TempDir())
	require.NoError(t, os.MkdirAll(engine.StagingDir(), 0o755))

	orphan := filepath.Join(engine.StagingDir(), "upload-orphan")
	require.NoError(t, os.WriteFile(orphan, []byte("half an upload"), 0o644))
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	n, err := storage.NewSweeper(engine, time.Hour).Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = os.Stat(orphan)
	require.True(t, os.IsNotExist(err), "orphan should be removed")
}

func TestSweeperDefaultsMaxAge(t *testing.T) {
	t.Parallel()

	r := &countingReclaimer{}
	_, err := storage.NewSweeper(r, 0).Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(storage.DefaultStagingMaxAge), r.maxAge.Load())
}

func TestSweeperRunTicksUntilCanceled(t *testing.T) {
	t.Parallel()

	r := &countingReclaimer{}
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		storage.NewSweeper(r, time.Minute).Run(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return r.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond, "sweeper should tick repeatedly")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
