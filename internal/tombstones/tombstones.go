// Package tombstones tracks recently-deleted local entity ids.
//
// A tombstone blocks resurrection: a late-arriving realtime insert or a
// stale pull for an id the user just deleted is dropped while the
// tombstone is alive. Entries expire after a TTL (7 days) and are purged
// opportunistically on every read, plus explicitly once a backend listing
// confirms the id is permanently gone.
package tombstones

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long a tombstone blocks resurrection.
const DefaultTTL = 7 * 24 * time.Hour

// Manager is the durable tombstone set with an in-memory read cache.
type Manager struct {
	conn *sql.DB
	ttl  time.Duration

	mu    sync.Mutex
	cache map[string]time.Time // local id -> created at

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewManager creates a tombstone manager and loads existing entries.
// A ttl of zero selects DefaultTTL.
func NewManager(ctx context.Context, conn *sql.DB, ttl time.Duration) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m := &Manager{
		conn:  conn,
		ttl:   ttl,
		cache: make(map[string]time.Time),
		now:   time.Now,
	}

	rows, err := conn.QueryContext(ctx, `SELECT local_id, created_at FROM tombstones`)
	if err != nil {
		return nil, fmt.Errorf("failed to load tombstones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, created string
		if err := rows.Scan(&id, &created); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.cache[id] = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}

	return m, nil
}

// Add records a tombstone for a deleted local id.
func (m *Manager) Add(ctx context.Context, localID string) error {
	now := m.now()

	query := `
	INSERT INTO tombstones (local_id, created_at) VALUES (?, ?)
	ON CONFLICT(local_id) DO UPDATE SET created_at = excluded.created_at
	`
	if _, err := m.conn.ExecContext(ctx, query, localID, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to add tombstone for %s: %w", localID, err)
	}

	m.mu.Lock()
	m.cache[localID] = now
	m.mu.Unlock()
	return nil
}

// Contains reports whether the id is tombstoned and not yet expired.
// Expired entries found during the check are purged.
func (m *Manager) Contains(ctx context.Context, localID string) bool {
	m.mu.Lock()
	created, ok := m.cache[localID]
	expired := ok && m.now().Sub(created) > m.ttl
	if expired {
		delete(m.cache, localID)
	}
	m.mu.Unlock()

	if expired {
		// Best effort: a row left behind is swept by PruneExpired.
		_, _ = m.conn.ExecContext(ctx, `DELETE FROM tombstones WHERE local_id = ?`, localID)
		return false
	}
	return ok
}

// PruneExpired removes all entries older than the TTL.
// Returns the number of entries removed.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	for id, created := range m.cache {
		if created.Before(cutoff) {
			delete(m.cache, id)
		}
	}
	m.mu.Unlock()

	res, err := m.conn.ExecContext(ctx,
		`DELETE FROM tombstones WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// PruneConfirmed removes tombstones for ids the backend confirmed gone:
// once the server stops returning an id there is nothing left to resurrect.
func (m *Manager) PruneConfirmed(ctx context.Context, localIDs []string) error {
	for _, id := range localIDs {
		if _, err := m.conn.ExecContext(ctx, `DELETE FROM tombstones WHERE local_id = ?`, id); err != nil {
			return fmt.Errorf("failed to prune tombstone %s: %w", id, err)
		}
		m.mu.Lock()
		delete(m.cache, id)
		m.mu.Unlock()
	}
	return nil
}

// Len returns the number of live (cached) tombstones.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// SetNowFunc overrides the clock. Tests only.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}
