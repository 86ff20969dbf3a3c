// Package store provides the local entity store for keepsync.
//
// The store is the offline-first source of truth for the user's items,
// calendar events, and lists. It runs on embedded SQLite (WAL mode) so the
// app keeps working with no connectivity; the sync engine reconciles it
// with the managed backend and the remote provider.
//
// Every sync-relevant table lives in this one database:
//   - entities: local items / calendar events / lists with dirty bits
//   - sync_links: local<->remote resource mapping
//   - sync_cursors: incremental-sync tokens per remote scope
//   - tombstones: recently-deleted ids, TTL-bounded
//   - sync_queue: pending offline mutations
//   - sync_meta: engine bookkeeping (last cycle summary)
//
// The DSN selects the driver: a libsql:// URL opens an embedded replica of
// the managed backend via go-libsql, anything else opens a plain local
// file through ncruces/go-sqlite3.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/tursodatabase/go-libsql"
)

// Store wraps the SQLite connection holding all local sync state.
type Store struct {
	conn *sql.DB
	dsn  string
}

// Open creates a database connection for the given DSN.
//
// Supported DSNs:
//   - "file:/path/to/keepsync.db" or a bare path (embedded SQLite)
//   - "libsql://host?authToken=..." (backend replica)
//
// The caller MUST call Close() when done.
func Open(dsn string) (*Store, error) {
	driver := "sqlite3"
	connStr := dsn
	if strings.HasPrefix(dsn, "libsql:") {
		driver = "libsql"
	} else {
		if !strings.HasPrefix(dsn, "file:") {
			connStr = "file:" + dsn
		}
		// Ensure parent directory exists for local files
		path := strings.TrimPrefix(connStr, "file:")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	conn, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, dsn: dsn}

	// WAL keeps readers unblocked while a sync phase writes.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// Sibling packages (links, cursors, tombstones, queue) share it.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates all local tables if they don't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,  -- item, calendar_event, list
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		list_id TEXT,
		starts_at TEXT,
		ends_at TEXT,
		due_at TEXT,
		all_day INTEGER NOT NULL DEFAULT 0,
		recurrence TEXT,  -- JSON array of RRULE lines
		attendees TEXT,   -- JSON array of emails
		reminders TEXT,   -- JSON array of minute offsets
		remote_hint TEXT, -- cached remote id; sync_links is authoritative
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		unsynced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_links (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		local_id TEXT NOT NULL,
		local_type TEXT NOT NULL,    -- item, calendar_event, list
		remote_id TEXT NOT NULL,
		resource_type TEXT NOT NULL, -- event, task
		scope_id TEXT NOT NULL,      -- calendar id or task-list id
		remote_etag TEXT NOT NULL DEFAULT '',
		remote_updated_at TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		last_direction TEXT NOT NULL DEFAULT ''  -- push, pull
	);

	CREATE TABLE IF NOT EXISTS sync_cursors (
		owner_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		sync_token TEXT,
		last_pulled_at TEXT,
		PRIMARY KEY (owner_id, resource_type, scope_id)
	);

	CREATE TABLE IF NOT EXISTS tombstones (
		local_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		enqueued_at TEXT NOT NULL,
		UNIQUE (entity_id, operation)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_owner_kind ON entities(owner_id, kind);
	CREATE INDEX IF NOT EXISTS idx_entities_dirty ON entities(owner_id, kind, unsynced);
	CREATE INDEX IF NOT EXISTS idx_entities_remote_hint ON entities(remote_hint);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_links_local ON sync_links(local_id, resource_type);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_links_remote ON sync_links(remote_id, scope_id);
	CREATE INDEX IF NOT EXISTS idx_links_owner ON sync_links(owner_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// SetMeta stores a small key/value pair. The engine uses this for
// bookkeeping that outlives the process, such as the last cycle summary.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set meta %q: %w", key, err)
	}
	return nil
}

// GetMeta returns the stored value for key, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %q: %w", key, err)
	}
	return v, nil
}
