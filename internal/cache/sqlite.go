package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable snapshot table. The last good snapshot of every
// resource survives restarts, so a cold start with upstreams down still serves stale data.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the snapshot database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// modernc's driver serializes writes per connection; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while migrating database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			key TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			fetched_at INTEGER NOT NULL,
			ttl_ms INTEGER NOT NULL,
			dropped INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database handle. Used for health checks.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the database. Call during shutdown.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SQLiteCache implements Cache on a shared SQLiteStore; Value is stored as JSON.
type SQLiteCache[T any] struct {
	store *SQLiteStore
}

// NewSQLiteCache returns a typed view over store.
func NewSQLiteCache[T any](store *SQLiteStore) *SQLiteCache[T] {
	return &SQLiteCache[T]{store: store}
}

// Get implements Cache.Get.
func (c *SQLiteCache[T]) Get(ctx context.Context, key string) (Entry[T], bool, error) {
	var (
		payload   []byte
		fetchedAt int64
		ttlMs     int64
		dropped   int
	)
	err := c.store.db.QueryRowContext(ctx,
		`SELECT payload, fetched_at, ttl_ms, dropped FROM snapshots WHERE key = ?`, key,
	).Scan(&payload, &fetchedAt, &ttlMs, &dropped)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry[T]{}, false, nil
	}
	if err != nil {
		return Entry[T]{}, false, fmt.Errorf("select snapshot %s: %w", key, err)
	}

	entry := Entry[T]{
		FetchedAt: time.UnixMilli(fetchedAt).UTC(),
		TTL:       time.Duration(ttlMs) * time.Millisecond,
		Dropped:   dropped,
	}
	if err := json.Unmarshal(payload, &entry.Value); err != nil {
		return Entry[T]{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return entry, true, nil
}

// Set implements Cache.Set as an upsert.
func (c *SQLiteCache[T]) Set(ctx context.Context, key string, entry Entry[T]) error {
	payload, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	_, err = c.store.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, payload, fetched_at, ttl_ms, dropped, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			ttl_ms = excluded.ttl_ms,
			dropped = excluded.dropped,
			updated_at = excluded.updated_at`,
		key, payload, entry.FetchedAt.UnixMilli(), entry.TTL.Milliseconds(), entry.Dropped, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", key, err)
	}
	return nil
}
