// Package cursors persists incremental-sync state per remote collection.
//
// A cursor holds the provider's opaque sync token plus the last-pull time
// for one (owner, resource kind, scope) triple. A cleared or absent token
// forces the next pull to request a bounded historical window instead of a
// delta.
package cursors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no cursor exists for the key.
var ErrNotFound = errors.New("cursors: record not found")

// Record is the sync cursor for one remote scope.
type Record struct {
	OwnerID      string
	ResourceType string // event, task
	ScopeID      string
	SyncToken    string // empty means full pull required
	LastPulledAt time.Time
}

// Store provides access to the sync_cursors table.
type Store struct {
	conn *sql.DB
}

// NewStore creates a cursor store over an initialized database connection.
func NewStore(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// Get retrieves the cursor for a scope. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, ownerID, resourceType, scopeID string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT owner_id, resource_type, scope_id, sync_token, last_pulled_at
	FROM sync_cursors
	WHERE owner_id = ? AND resource_type = ? AND scope_id = ?`,
		ownerID, resourceType, scopeID)

	var r Record
	var token, lastPulled sql.NullString
	err := row.Scan(&r.OwnerID, &r.ResourceType, &r.ScopeID, &token, &lastPulled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cursor: %w", err)
	}

	r.SyncToken = token.String
	if lastPulled.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastPulled.String); err == nil {
			r.LastPulledAt = t
		}
	}
	return &r, nil
}

// Save upserts the cursor for a scope.
func (s *Store) Save(ctx context.Context, r *Record) error {
	if r.OwnerID == "" || r.ResourceType == "" || r.ScopeID == "" {
		return fmt.Errorf("cursors: owner_id, resource_type and scope_id are required")
	}

	query := `
	INSERT INTO sync_cursors (owner_id, resource_type, scope_id, sync_token, last_pulled_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, resource_type, scope_id) DO UPDATE SET
		sync_token = excluded.sync_token,
		last_pulled_at = excluded.last_pulled_at
	`

	var token sql.NullString
	if r.SyncToken != "" {
		token = sql.NullString{String: r.SyncToken, Valid: true}
	}
	var lastPulled sql.NullString
	if !r.LastPulledAt.IsZero() {
		lastPulled = sql.NullString{String: r.LastPulledAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.conn.ExecContext(ctx, query,
		r.OwnerID, r.ResourceType, r.ScopeID, token, lastPulled)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Clear drops the sync token for a scope, keeping the row. The next pull
// for that scope falls back to a bounded historical window.
func (s *Store) Clear(ctx context.Context, ownerID, resourceType, scopeID string) error {
	query := `
	UPDATE sync_cursors SET sync_token = NULL
	WHERE owner_id = ? AND resource_type = ? AND scope_id = ?
	`
	_, err := s.conn.ExecContext(ctx, query, ownerID, resourceType, scopeID)
	if err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// List returns all cursors for an owner, for status reporting.
func (s *Store) List(ctx context.Context, ownerID string) ([]*Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT owner_id, resource_type, scope_id, sync_token, last_pulled_at
	FROM sync_cursors WHERE owner_id = ?
	ORDER BY resource_type, scope_id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		var token, lastPulled sql.NullString
		if err := rows.Scan(&r.OwnerID, &r.ResourceType, &r.ScopeID, &token, &lastPulled); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		r.SyncToken = token.String
		if lastPulled.Valid {
			if t, err := time.Parse(time.RFC3339Nano, lastPulled.String); err == nil {
				r.LastPulledAt = t
			}
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}
	return records, nil
}
