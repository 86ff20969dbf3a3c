// Package queue provides the persistent offline mutation queue.
//
// While the backend is unreachable, local mutations are appended here and
// replayed in enqueue order on reconnect. The queue deduplicates by
// (entity id, operation): a later enqueue for the same key replaces the
// payload instead of appending a second row, so a burst of edits to one
// entity replays as a single operation.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation is one pending local mutation.
type Operation struct {
	ID         string
	EntityID   string
	Name       string // e.g. upsert_entity, delete_entity
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

// Queue provides access to the sync_queue table.
type Queue struct {
	conn *sql.DB
}

// New creates a queue over an initialized database connection.
func New(conn *sql.DB) *Queue {
	return &Queue{conn: conn}
}

// Enqueue adds an operation, replacing any pending operation with the same
// (entity id, name) key.
func (q *Queue) Enqueue(ctx context.Context, entityID, name string, payload json.RawMessage) error {
	if entityID == "" || name == "" {
		return fmt.Errorf("queue: entity id and operation name are required")
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	query := `
	INSERT INTO sync_queue (id, entity_id, operation, payload, enqueued_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_id, operation) DO UPDATE SET
		payload = excluded.payload,
		enqueued_at = excluded.enqueued_at
	`
	_, err := q.conn.ExecContext(ctx, query,
		uuid.NewString(), entityID, name, string(payload),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s/%s: %w", entityID, name, err)
	}
	return nil
}

// Pending returns all queued operations in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]*Operation, error) {
	rows, err := q.conn.QueryContext(ctx, `
	SELECT id, entity_id, operation, payload, enqueued_at
	FROM sync_queue ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var op Operation
		var payload, enqueued string
		if err := rows.Scan(&op.ID, &op.EntityID, &op.Name, &payload, &enqueued); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		op.Payload = json.RawMessage(payload)
		if t, err := time.Parse(time.RFC3339Nano, enqueued); err == nil {
			op.EnqueuedAt = t
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return ops, nil
}

// Drain replays pending operations through the apply callback.
//
// Successfully applied operations are removed; a failed operation is kept
// for the next drain and does not stop the remaining ones. Returns the
// number applied and the errors encountered.
func (q *Queue) Drain(ctx context.Context, apply func(context.Context, *Operation) error) (int, []error) {
	ops, err := q.Pending(ctx)
	if err != nil {
		return 0, []error{err}
	}

	var applied int
	var errs []error
	for _, op := range ops {
		if err := apply(ctx, op); err != nil {
			errs = append(errs, fmt.Errorf("replay %s/%s: %w", op.EntityID, op.Name, err))
			continue
		}
		if _, err := q.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, op.ID); err != nil {
			errs = append(errs, fmt.Errorf("dequeue %s: %w", op.ID, err))
			continue
		}
		applied++
	}
	return applied, errs
}

// Len returns the number of pending operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var count int
	if err := q.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return count, nil
}
