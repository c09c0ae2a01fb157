package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// retryInterval is how often lock acquisition re-attempts while waiting for
// a holder to release or expire.
const retryInterval = 25 * time.Millisecond

// SQLiteStore implements Store on a single SQLite database. A kv table
// holds values; a locks table holds lease rows with an expiry timestamp.
// Atomicity comes from SQLite's per-statement transactions plus
// BEGIN IMMEDIATE for the lock read-check-claim sequence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout
// so concurrent processes queue instead of failing.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the kv and locks tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		key TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Read returns the value stored under key, or ErrNotFound.
func (s *SQLiteStore) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reading %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, nil
}

// Write atomically upserts the value stored under key.
func (s *SQLiteStore) Write(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix, sorted.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv
		WHERE key >= ? AND key < ?
		ORDER BY key
	`, prefix, prefix+"\xff")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}

	return keys, nil
}

// Delete removes the value stored under key. Missing keys are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// AcquireLock claims the exclusive lock on key, polling until a current
// holder releases or its lease expires. Expired rows are reclaimed by the
// next acquirer, so a crashed holder only blocks for its remaining TTL.
func (s *SQLiteStore) AcquireLock(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	holder := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		acquired, err := s.tryAcquire(ctx, key, holder, ttl)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &Lock{Key: key, Holder: holder, AcquiredAt: time.Now(), TTL: ttl}, nil
		}

		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Key: key, Wait: wait}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// tryAcquire makes one claim attempt inside an immediate transaction so the
// check-expired-then-claim sequence is not interleaved with another writer.
func (s *SQLiteStore) tryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	// Clear an expired lease so it can be reclaimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND expires_at <= ?`, key, now.UnixNano()); err != nil {
		return false, fmt.Errorf("failed to clear expired lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO locks (key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, holder, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to claim lock: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return rows == 1, nil
}

// ExtendLock pushes the expiry of a held lock forward by ttl.
func (s *SQLiteStore) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE locks SET expires_at = ?
		WHERE key = ? AND holder = ? AND expires_at > ?
	`, time.Now().Add(ttl).UnixNano(), lock.Key, lock.Holder, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to extend lock %q: %w", lock.Key, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLockNotHeld
	}

	lock.TTL = ttl
	return nil
}

// ReleaseLock releases a held lock.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM locks WHERE key = ? AND holder = ?
	`, lock.Key, lock.Holder)
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", lock.Key, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLockNotHeld
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
