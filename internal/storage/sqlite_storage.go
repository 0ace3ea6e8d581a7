package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	store "github.com/eteran/hashstore/pkg/storage"
)

var _ store.StorageEngine = (*SQLiteStorage)(nil)

// sqliteSchema creates the tables SQLiteStorage needs. Chunks are keyed by
// their blob key once published, or by a staging id while an upload is in
// flight. touched_at is in Unix nanoseconds and moves with every staged chunk.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	key        TEXT PRIMARY KEY NOT NULL,
	size       INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	key  TEXT NOT NULL,
	seq  INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (key, seq)
);

CREATE TABLE IF NOT EXISTS staging (
	id         TEXT PRIMARY KEY NOT NULL,
	created_at TIMESTAMP NOT NULL,
	touched_at INTEGER NOT NULL
);
`

// SQLiteStorage is a StorageEngine that keeps blobs inside a SQLite
// database, split into rows of at most chunkSize bytes.
type SQLiteStorage struct {
	db        *sql.DB
	chunkSize int
}

// SQLiteDSN returns a connection string for the database file at path with
// the pragmas SQLiteStorage expects.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_foreign_keys=on", path)
}

// OpenSQLiteStorage opens (creating if needed) the database at path.
func OpenSQLiteStorage(ctx context.Context, path string, chunkSize int) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s, err := NewSQLiteStorage(ctx, db, chunkSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStorage wraps an already opened database, creating the schema if
// it does not exist yet.
func NewSQLiteStorage(ctx context.Context, db *sql.DB, chunkSize int) (*SQLiteStorage, error) {
	if chunkSize <= 0 {
		chunkSize = store.DefaultChunkSize
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return &SQLiteStorage{db: db, chunkSize: chunkSize}, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Find(ctx context.Context, key string) (*store.Stream, error) {
	if !store.ValidKey(key) {
		return nil, store.ErrNotFound
	}

	var size int64
	err := s.db.QueryRowContext(ctx, `SELECT size FROM blobs WHERE key = ?`, key).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup blob: %w", err)
	}

	return store.NewStream(func(ctx context.Context) (io.ReadCloser, error) {
		return s.openRows(ctx, key)
	}, s.chunkSize), nil
}

func (s *SQLiteStorage) openRows(ctx context.Context, key string) (io.ReadCloser, error) {
	// A read transaction pins the snapshot, so a concurrent Delete cannot
	// remove rows halfway through the blob.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs WHERE key = ?`, key).Scan(&exists)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("lookup blob: %w", err)
	}
	if exists == 0 {
		_ = tx.Rollback()
		return nil, store.ErrNotFound
	}

	rows, err := tx.QueryContext(ctx, `SELECT data FROM chunks WHERE key = ? ORDER BY seq`, key)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("query chunks: %w", err)
	}

	return &rowsReader{tx: tx, rows: rows}, nil
}

// rowsReader presents a sequence of BLOB rows as one byte stream.
type rowsReader struct {
	tx   *sql.Tx
	rows *sql.Rows
	cur  []byte
	done bool
}

func (r *rowsReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		if err := r.rows.Scan(&r.cur); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *rowsReader) Close() error {
	err := r.rows.Close()
	if rbErr := r.tx.Rollback(); err == nil && !errors.Is(rbErr, sql.ErrTxDone) {
		err = rbErr
	}
	return err
}

// claimStaging bumps touched_at of the staging row id, failing with
// ErrStagingReclaimed if the row is gone.
func claimStaging(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE staging SET touched_at = ? WHERE id = ?`, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return ErrStagingReclaimed
	}
	return nil
}

// chunkWriter inserts every Write as one row under a staging id.
type chunkWriter struct {
	ctx  context.Context
	db   *sql.DB
	id   string
	next int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	err := withTransaction(w.ctx, w.db, func(tx *sql.Tx) error {
		if err := claimStaging(w.ctx, tx, w.id); err != nil {
			return err
		}
		// The driver keeps no reference to p after Exec returns.
		_, err := tx.ExecContext(w.ctx, `INSERT INTO chunks(key, seq, data) VALUES(?, ?, ?)`, w.id, w.next, p)
		return err
	})
	if err != nil {
		return 0, err
	}
	w.next++
	return len(p), nil
}

// Upload writes the content as staged rows, each in its own short
// transaction so concurrent uploads are not serialised behind one long write,
// and then publishes it by re-keying the rows in a single transaction.
func (s *SQLiteStorage) Upload(ctx context.Context, r io.Reader) (bool, string, error) {
	stagingID := store.StagingDirName + "/" + uuid.NewString()

	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO staging(id, created_at, touched_at) VALUES(?, ?, ?)`, stagingID, now.UTC(), now.UnixNano()); err != nil {
		return false, "", fmt.Errorf("register staging upload: %w", err)
	}

	published := false
	defer func() {
		if published {
			return
		}
		// The request context may already be gone.
		if err := s.dropStaging(context.WithoutCancel(ctx), stagingID); err != nil {
			slog.Warn("Failed to drop staged chunks", "id", stagingID, "err", err)
		}
	}()

	key, size, err := store.Consume(ctx, r, s.chunkSize, &chunkWriter{ctx: ctx, db: s.db, id: stagingID})
	if err != nil {
		return false, "", err
	}

	var existed bool
	err = withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		// Once the staging row is gone its chunks may be incomplete.
		res, err := tx.ExecContext(ctx, `DELETE FROM staging WHERE id = ?`, stagingID)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows != 1 {
			return ErrStagingReclaimed
		}

		res, err = tx.ExecContext(ctx,
			`INSERT INTO blobs(key, size, created_at) VALUES(?, ?, ?) ON CONFLICT(key) DO NOTHING`,
			key, size, time.Now().UTC(),
		)
		if err != nil {
			return err
		}

		rows, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			// The deferred dropStaging removes the duplicate chunks.
			existed = true
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE chunks SET key = ? WHERE key = ?`, key, stagingID); err != nil {
			return err
		}

		published = true
		return nil
	})
	if err != nil {
		published = false
		return false, "", fmt.Errorf("publish blob: %w", err)
	}

	return existed, key, nil
}

func (s *SQLiteStorage) dropStaging(ctx context.Context, id string) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE key = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM staging WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStorage) Delete(ctx context.Context, key string) error {
	if !store.ValidKey(key) {
		return store.ErrNotFound
	}

	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("delete blob: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return store.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		return nil
	})
}

// ReclaimStaging drops staged uploads that have not written a chunk for at
// least olderThan.
func (s *SQLiteStorage) ReclaimStaging(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM staging WHERE touched_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list staging: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for i, id := range ids {
		if err := s.dropStaging(ctx, id); err != nil {
			return i, fmt.Errorf("drop staging %s: %w", id, err)
		}
		slog.Debug("Reclaimed staged upload", "id", id)
	}

	return len(ids), nil
}
