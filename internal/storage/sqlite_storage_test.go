package storage_test

import (
	"bytes"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/eteran/hashstore/internal/storage"
	store "github.com/eteran/hashstore/pkg/storage"
	"github.com/eteran/hashstore/pkg/storage/storagetest"

	"github.com/stretchr/testify/require"
)

// newSQLiteStorage opens a fresh database in a temp dir and returns the
// engine along with a second handle for inspecting tables.
func newSQLiteStorage(t *testing.T, chunkSize int) (*storage.SQLiteStorage, *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "blobs.db")
	engine, err := storage.OpenSQLiteStorage(t.Context(), path, chunkSize)
	require.NoError(t, err, "OpenSQLiteStorage")
	t.Cleanup(func() { _ = engine.Close() })

	db, err := sql.Open("sqlite3", storage.SQLiteDSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return engine, db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()

	var n int
	require.NoError(t, db.QueryRowContext(t.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestSQLiteStorageConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) store.StorageEngine {
		engine, _ := newSQLiteStorage(t, 8192)
		return engine
	}, storagetest.Options{
		ConcurrentUploads:     4,
		ConcurrentPayloadSize: 256 << 10,
	})
}

func TestSQLiteStorageChunkRows(t *testing.T) {
	t.Parallel()

	engine, db := newSQLiteStorage(t, 10)

	_, key := storagetest.Upload(t, engine, bytes.Repeat([]byte("a"), 25))
	require.Equal(t, 1, countRows(t, db, "blobs"))
	require.Equal(t, 3, countRows(t, db, "chunks"))
	require.Zero(t, countRows(t, db, "staging"))

	var size int64
	require.NoError(t, db.QueryRowContext(t.Context(), "SELECT size FROM blobs WHERE key = ?", key).Scan(&size))
	require.EqualValues(t, 25, size)

	existed, _ := storagetest.Upload(t, engine, bytes.Repeat([]byte("a"), 25))
	require.True(t, existed)
	require.Equal(t, 3, countRows(t, db, "chunks"), "duplicate upload must not leave staged rows")

	require.NoError(t, engine.Delete(t.Context(), key))
	require.Zero(t, countRows(t, db, "blobs"))
	require.Zero(t, countRows(t, db, "chunks"))
}

func TestSQLiteStorageAbortedUpload(t *testing.T) {
	t.Parallel()

	engine, db := newSQLiteStorage(t, 8)

	r := &failingReader{data: bytes.Repeat([]byte("y"), 64), err: errors.New("peer went away")}
	_, _, err := engine.Upload(t.Context(), r)
	require.ErrorIs(t, err, store.ErrUploadAborted)

	require.Zero(t, countRows(t, db, "chunks"))
	require.Zero(t, countRows(t, db, "staging"))
	require.Zero(t, countRows(t, db, "blobs"))
}

func TestSQLiteStorageReclaimStaging(t *testing.T) {
	t.Parallel()

	engine, db := newSQLiteStorage(t, 0)
	ctx := t.Context()

	old := time.Now().Add(-2 * time.Hour)
	_, err := db.ExecContext(ctx, `INSERT INTO staging(id, created_at, touched_at) VALUES(?, ?, ?)`, ".temp/stale", old.UTC(), old.UnixNano())
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO chunks(key, seq, data) VALUES(?, 0, ?)`, ".temp/stale", []byte("junk"))
	require.NoError(t, err)
	now := time.Now()
	_, err = db.ExecContext(ctx, `INSERT INTO staging(id, created_at, touched_at) VALUES(?, ?, ?)`, ".temp/fresh", now.UTC(), now.UnixNano())
	require.NoError(t, err)

	n, err := engine.ReclaimStaging(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, 1, countRows(t, db, "staging"))
	require.Zero(t, countRows(t, db, "chunks"))
}

func TestSQLiteStorageReclaimDuringUpload(t *testing.T) {
	t.Parallel()

	engine, db := newSQLiteStorage(t, 10)

	first := bytes.Repeat([]byte("A"), 10)
	rest := bytes.Repeat([]byte("B"), 10)
	full := append(bytes.Repeat([]byte("A"), 10), rest...)

	upload := startUpload(t, engine, first)

	n, err := engine.ReclaimStaging(t.Context(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res := upload.finish(rest)
	require.ErrorIs(t, res.err, storage.ErrStagingReclaimed, "a reclaimed upload must not publish")
	require.Empty(t, res.key)

	requireNotStored(t, engine, full)
	requireNotStored(t, engine, rest)
	require.Zero(t, countRows(t, db, "blobs"))
	require.Zero(t, countRows(t, db, "chunks"))
	require.Zero(t, countRows(t, db, "staging"))
}

func TestSQLiteStorageReclaimSkipsActiveUpload(t *testing.T) {
	t.Parallel()

	engine, db := newSQLiteStorage(t, 10)
	ctx := t.Context()

	parts := [][]byte{
		bytes.Repeat([]byte("A"), 10),
		bytes.Repeat([]byte("B"), 10),
		bytes.Repeat([]byte("C"), 10),
	}

	upload := startUpload(t, engine, parts[0])

	// Pretend the upload registered long ago.
	old := time.Now().Add(-2 * time.Hour)
	_, err := db.ExecContext(ctx, `UPDATE staging SET created_at = ?, touched_at = ?`, old.UTC(), old.UnixNano())
	require.NoError(t, err)

	// Once the third part has been read the second has been written, which
	// refreshes touched_at.
	upload.write(t, parts[1])
	upload.write(t, parts[2])

	n, err := engine.ReclaimStaging(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n, "an upload that is still writing is not abandoned")

	res := upload.finish(nil)
	require.NoError(t, res.err)
	require.False(t, res.existed)

	full := bytes.Join(parts, nil)
	require.Equal(t, store.KeyOf(full), res.key)
	require.Equal(t, full, storagetest.Download(t, engine, res.key))
}

func TestSQLiteStorageFindThenDelete(t *testing.T) {
	t.Parallel()

	engine, _ := newSQLiteStorage(t, 0)
	_, key := storagetest.Upload(t, engine, []byte("gone soon"))

	stream, err := engine.Find(t.Context(), key)
	require.NoError(t, err)
	require.NoError(t, engine.Delete(t.Context(), key))

	_, err = stream.ReadAll(t.Context())
	require.ErrorIs(t, err, store.ErrNotFound)
}
