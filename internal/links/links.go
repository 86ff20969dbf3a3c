// Package links persists the mapping between local entities and remote
// provider resources.
//
// The link table is the single source of truth for which local entity
// corresponds to which remote event or task. Two uniqueness invariants
// hold at all times: at most one link per (local_id, resource_type) and at
// most one per (remote_id, scope_id). Upsert detects collisions on either
// key and merges into the existing row instead of creating a duplicate.
package links

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Resource types for link records.
const (
	ResourceEvent = "event"
	ResourceTask  = "task"
)

// Sync directions recorded on a link after a write.
const (
	DirectionPush = "push"
	DirectionPull = "pull"
)

// ErrNotFound is returned when no link matches the lookup key.
var ErrNotFound = errors.New("links: record not found")

// Record maps one local entity to one remote resource.
type Record struct {
	ID      string
	OwnerID string

	LocalID   string
	LocalType string // item, calendar_event, list

	RemoteID     string
	ResourceType string // event, task
	ScopeID      string // calendar id or task-list id

	RemoteEtag      string
	RemoteUpdatedAt time.Time

	RetryCount    int
	NextRetryAt   *time.Time
	LastError     string
	LastDirection string
}

// Store provides access to the sync_links table.
type Store struct {
	conn *sql.DB
}

// NewStore creates a link store over an initialized database connection.
func NewStore(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

const linkColumns = `id, owner_id, local_id, local_type, remote_id,
	resource_type, scope_id, remote_etag, remote_updated_at,
	retry_count, next_retry_at, last_error, last_direction`

// Upsert inserts or updates a link record, merging with any existing row
// that matches either uniqueness key.
//
// Lookup order: (local_id, resource_type) first, then (remote_id,
// scope_id). If a row exists under either key its id is reused, so a
// partially-completed previous cycle can never leave two rows behind for
// the same logical link.
func (s *Store) Upsert(ctx context.Context, r *Record) error {
	if r.LocalID == "" || r.RemoteID == "" {
		return fmt.Errorf("links: local_id and remote_id are required")
	}
	if r.ResourceType != ResourceEvent && r.ResourceType != ResourceTask {
		return fmt.Errorf("links: invalid resource_type %q", r.ResourceType)
	}

	existing, err := s.GetByLocal(ctx, r.LocalID, r.ResourceType)
	if errors.Is(err, ErrNotFound) {
		existing, err = s.GetByRemote(ctx, r.RemoteID, r.ScopeID)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if existing != nil {
		r.ID = existing.ID
	} else if r.ID == "" {
		r.ID = uuid.NewString()
	}

	query := `
	INSERT INTO sync_links (` + linkColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		local_id = excluded.local_id,
		local_type = excluded.local_type,
		remote_id = excluded.remote_id,
		resource_type = excluded.resource_type,
		scope_id = excluded.scope_id,
		remote_etag = excluded.remote_etag,
		remote_updated_at = excluded.remote_updated_at,
		retry_count = excluded.retry_count,
		next_retry_at = excluded.next_retry_at,
		last_error = excluded.last_error,
		last_direction = excluded.last_direction
	`

	_, err = s.conn.ExecContext(ctx, query,
		r.ID, r.OwnerID, r.LocalID, r.LocalType, r.RemoteID,
		r.ResourceType, r.ScopeID, r.RemoteEtag,
		timeToNullString(r.RemoteUpdatedAt),
		r.RetryCount, ptrTimeToNullString(r.NextRetryAt),
		r.LastError, r.LastDirection,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert link %s: %w", r.ID, err)
	}

	return nil
}

// GetByLocal finds the link for a local entity and resource type.
func (s *Store) GetByLocal(ctx context.Context, localID, resourceType string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM sync_links WHERE local_id = ? AND resource_type = ?`,
		localID, resourceType)
	return scanLink(row)
}

// GetByRemote finds the link for a remote resource within a scope.
func (s *Store) GetByRemote(ctx context.Context, remoteID, scopeID string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM sync_links WHERE remote_id = ? AND scope_id = ?`,
		remoteID, scopeID)
	return scanLink(row)
}

// ListByOwner returns all link records for an owner.
// The orchestrator loads this snapshot once per cycle and again between
// the push and pull phases.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM sync_links WHERE owner_id = ? ORDER BY local_id`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return records, nil
}

// Delete removes a link record by id. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM sync_links WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete link %s: %w", id, err)
	}
	return nil
}

// RecordFailure bumps the retry bookkeeping on a link after a failed push.
func (s *Store) RecordFailure(ctx context.Context, id, lastError string, nextRetry time.Time) error {
	query := `
	UPDATE sync_links
	SET retry_count = retry_count + 1, last_error = ?, next_retry_at = ?
	WHERE id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		lastError, nextRetry.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to record link failure for %s: %w", id, err)
	}
	return nil
}

// ClearFailure resets the retry bookkeeping after a successful write.
func (s *Store) ClearFailure(ctx context.Context, id string) error {
	query := `
	UPDATE sync_links
	SET retry_count = 0, last_error = '', next_retry_at = NULL
	WHERE id = ?
	`
	_, err := s.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to clear link failure for %s: %w", id, err)
	}
	return nil
}

// ReconcileRemoteHints repairs entities whose cached remote id disagrees
// with the link table. The link table wins. Returns the number of rows
// repaired.
func (s *Store) ReconcileRemoteHints(ctx context.Context, ownerID string) (int, error) {
	query := `
	UPDATE entities
	SET remote_hint = (
		SELECT l.remote_id FROM sync_links l
		WHERE l.local_id = entities.id
		ORDER BY l.remote_updated_at DESC
		LIMIT 1
	)
	WHERE owner_id = ?
	  AND EXISTS (
		SELECT 1 FROM sync_links l
		WHERE l.local_id = entities.id
		  AND l.remote_id <> COALESCE(entities.remote_hint, '')
	  )
	`
	res, err := s.conn.ExecContext(ctx, query, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile remote hints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// Count returns the total number of link records for an owner.
func (s *Store) Count(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_links WHERE owner_id = ?`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count links: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLink(row scanner) (*Record, error) {
	var r Record
	var remoteUpdatedAt, nextRetryAt sql.NullString

	err := row.Scan(
		&r.ID, &r.OwnerID, &r.LocalID, &r.LocalType, &r.RemoteID,
		&r.ResourceType, &r.ScopeID, &r.RemoteEtag, &remoteUpdatedAt,
		&r.RetryCount, &nextRetryAt, &r.LastError, &r.LastDirection,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan link: %w", err)
	}

	if remoteUpdatedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, remoteUpdatedAt.String); err == nil {
			r.RemoteUpdatedAt = t
		}
	}
	if nextRetryAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextRetryAt.String); err == nil {
			r.NextRetryAt = &t
		}
	}

	return &r, nil
}

func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func ptrTimeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
