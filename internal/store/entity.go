package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the local entity type.
type Kind string

const (
	// KindItem is a generic scheduled item (note, link, file with a date).
	KindItem Kind = "item"
	// KindCalendarEvent is a calendar event.
	KindCalendarEvent Kind = "calendar_event"
	// KindList is a task list / collection.
	KindList Kind = "list"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("store: entity not found")

// Entity is a locally stored item, calendar event, or list.
//
// The unsynced flag is the dirty bit: set on every user mutation, cleared
// when a push phase confirms the remote side has the current state.
// RemoteHint caches the linked remote resource id for fast lookups; the
// sync_links table is the source of truth and wins on any mismatch.
type Entity struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Kind    Kind   `json:"kind"`

	Title string `json:"title"`
	Body  string `json:"body,omitempty"`

	ListID     string     `json:"list_id,omitempty"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	AllDay     bool       `json:"all_day,omitempty"`
	Recurrence []string   `json:"recurrence,omitempty"`
	Attendees  []string   `json:"attendees,omitempty"`
	Reminders  []int      `json:"reminders,omitempty"` // minute offsets

	RemoteHint string `json:"remote_hint,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Unsynced  bool       `json:"unsynced"`
}

// Validate checks required fields.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	switch e.Kind {
	case KindItem, KindCalendarEvent, KindList:
	default:
		return fmt.Errorf("invalid kind: %q", e.Kind)
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Deleted reports whether the entity carries a soft-delete marker.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

const entityColumns = `id, owner_id, kind, title, body, list_id,
	starts_at, ends_at, due_at, all_day, recurrence, attendees, reminders,
	remote_hint, created_at, updated_at, deleted_at, unsynced`

// Upsert inserts or updates an entity.
//
// This is the write path for user mutations as well as pull-phase
// reconciliation; the caller decides the unsynced flag.
func (s *Store) Upsert(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.UpdatedAt
	}

	recurrence, err := marshalStrings(e.Recurrence)
	if err != nil {
		return fmt.Errorf("failed to marshal recurrence: %w", err)
	}
	attendees, err := marshalStrings(e.Attendees)
	if err != nil {
		return fmt.Errorf("failed to marshal attendees: %w", err)
	}
	reminders, err := json.Marshal(e.Reminders)
	if err != nil {
		return fmt.Errorf("failed to marshal reminders: %w", err)
	}

	query := `
	INSERT INTO entities (` + entityColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		body = excluded.body,
		list_id = excluded.list_id,
		starts_at = excluded.starts_at,
		ends_at = excluded.ends_at,
		due_at = excluded.due_at,
		all_day = excluded.all_day,
		recurrence = excluded.recurrence,
		attendees = excluded.attendees,
		reminders = excluded.reminders,
		remote_hint = excluded.remote_hint,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		unsynced = excluded.unsynced
	`

	_, err = s.conn.ExecContext(ctx, query,
		e.ID, e.OwnerID, string(e.Kind), e.Title, e.Body, nullString(e.ListID),
		timeToNullString(e.StartsAt), timeToNullString(e.EndsAt), timeToNullString(e.DueAt),
		boolToInt(e.AllDay), recurrence, attendees, string(reminders),
		nullString(e.RemoteHint),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		timeToNullString(e.DeletedAt),
		boolToInt(e.Unsynced),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.ID, err)
	}

	return nil
}

// Get retrieves a single entity by id.
// Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Entity, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// FindByRemoteHint looks up a non-deleted entity already carrying the given
// remote id. Used as the de-duplication guard when a pull phase is about to
// create a local entity for a remote record.
func (s *Store) FindByRemoteHint(ctx context.Context, ownerID, remoteID string) (*Entity, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE owner_id = ? AND remote_hint = ? AND deleted_at IS NULL`,
		ownerID, remoteID)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// DirtyByKind returns unsynced entities of one kind, oldest first, capped
// at limit. Soft-deleted entities are included: a push phase must see them
// to propagate the delete.
func (s *Store) DirtyByKind(ctx context.Context, ownerID string, kind Kind, limit int) ([]*Entity, error) {
	query := `
	SELECT ` + entityColumns + `
	FROM entities
	WHERE owner_id = ? AND kind = ? AND unsynced = 1
	ORDER BY updated_at ASC
	`
	args := []interface{}{ownerID, string(kind)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty entities: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// ListByOwner returns all non-deleted entities for an owner, optionally
// filtered by kind (empty kind means all kinds).
func (s *Store) ListByOwner(ctx context.Context, ownerID string, kind Kind) ([]*Entity, error) {
	var conditions []string
	var args []interface{}

	conditions = append(conditions, "owner_id = ?", "deleted_at IS NULL")
	args = append(args, ownerID)

	if kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(kind))
	}

	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY updated_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// MarkSynced clears the dirty bit and stamps updated_at with the remote's
// timestamp so the next pull sees the entity as already in sync.
func (s *Store) MarkSynced(ctx context.Context, id string, remoteUpdatedAt time.Time) error {
	query := `UPDATE entities SET unsynced = 0, updated_at = ? WHERE id = ?`
	_, err := s.conn.ExecContext(ctx, query,
		remoteUpdatedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to mark entity %s synced: %w", id, err)
	}
	return nil
}

// MarkDirty sets the dirty bit without touching any other field.
// Used when a pull phase finds the local copy newer than the remote one.
func (s *Store) MarkDirty(ctx context.Context, id string) error {
	query := `UPDATE entities SET unsynced = 1 WHERE id = ?`
	_, err := s.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark entity %s dirty: %w", id, err)
	}
	return nil
}

// SoftDelete sets the deleted_at marker and the dirty bit so the next push
// phase propagates the delete.
func (s *Store) SoftDelete(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE entities SET deleted_at = ?, updated_at = ?, unsynced = 1 WHERE id = ?`
	ts := at.UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx, query, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete entity %s: %w", id, err)
	}
	return nil
}

// ApplyRemoteDelete soft-deletes without setting the dirty bit: the remote
// side already knows about the deletion.
func (s *Store) ApplyRemoteDelete(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE entities SET deleted_at = ?, updated_at = ?, unsynced = 0 WHERE id = ?`
	ts := at.UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx, query, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to apply remote delete for %s: %w", id, err)
	}
	return nil
}

// Remove hard-deletes an entity. Only the realtime reconciler uses this,
// when the backend reports the row permanently gone.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove entity %s: %w", id, err)
	}
	return nil
}

// SetRemoteHint updates the cached remote id on the entity.
func (s *Store) SetRemoteHint(ctx context.Context, id, remoteID string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE entities SET remote_hint = ? WHERE id = ?`, nullString(remoteID), id)
	if err != nil {
		return fmt.Errorf("failed to set remote hint for %s: %w", id, err)
	}
	return nil
}

// CountDirty returns the number of unsynced entities for an owner.
func (s *Store) CountDirty(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE owner_id = ? AND unsynced = 1`,
		ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dirty entities: %w", err)
	}
	return count, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scanner) (*Entity, error) {
	var e Entity
	var kind string
	var listID, recurrence, attendees, reminders, remoteHint sql.NullString
	var startsAt, endsAt, dueAt, createdAt, updatedAt, deletedAt sql.NullString
	var allDay, unsynced int

	err := row.Scan(
		&e.ID, &e.OwnerID, &kind, &e.Title, &e.Body, &listID,
		&startsAt, &endsAt, &dueAt, &allDay, &recurrence, &attendees, &reminders,
		&remoteHint, &createdAt, &updatedAt, &deletedAt, &unsynced,
	)
	if err != nil {
		return nil, err
	}

	e.Kind = Kind(kind)
	e.ListID = listID.String
	e.RemoteHint = remoteHint.String
	e.AllDay = allDay != 0
	e.Unsynced = unsynced != 0

	e.StartsAt = nullStringToTime(startsAt)
	e.EndsAt = nullStringToTime(endsAt)
	e.DueAt = nullStringToTime(dueAt)
	e.DeletedAt = nullStringToTime(deletedAt)
	if t := nullStringToTime(sql.NullString{String: createdAt.String, Valid: createdAt.Valid}); t != nil {
		e.CreatedAt = *t
	}
	if t := nullStringToTime(sql.NullString{String: updatedAt.String, Valid: updatedAt.Valid}); t != nil {
		e.UpdatedAt = *t
	}

	if err := unmarshalStrings(recurrence, &e.Recurrence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recurrence: %w", err)
	}
	if err := unmarshalStrings(attendees, &e.Attendees); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attendees: %w", err)
	}
	if reminders.Valid && reminders.String != "" && reminders.String != "null" {
		if err := json.Unmarshal([]byte(reminders.String), &e.Reminders); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reminders: %w", err)
		}
	}

	return &e, nil
}

func scanEntities(rows *sql.Rows) ([]*Entity, error) {
	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

func marshalStrings(vals []string) (string, error) {
	if vals == nil {
		vals = []string{}
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(ns sql.NullString, dst *[]string) error {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
