package tombstones

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepstack/keepsync/internal/store"
)

func setupTestManager(t *testing.T) (*store.Store, *Manager) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	m, err := NewManager(context.Background(), st.RawDB(), DefaultTTL)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return st, m
}

func TestAddAndContains(t *testing.T) {
	_, m := setupTestManager(t)
	ctx := context.Background()

	if err := m.Add(ctx, "e1"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !m.Contains(ctx, "e1") {
		t.Error("Contains(e1) = false after Add")
	}
	if m.Contains(ctx, "e2") {
		t.Error("Contains(e2) = true, never added")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestContainsExpiresOnRead(t *testing.T) {
	_, m := setupTestManager(t)
	ctx := context.Background()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m.SetNowFunc(func() time.Time { return now })

	if err := m.Add(ctx, "e1"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Inside the TTL the tombstone holds.
	now = now.Add(DefaultTTL - time.Hour)
	if !m.Contains(ctx, "e1") {
		t.Error("tombstone expired before its TTL")
	}

	// Past the TTL it stops suppressing.
	now = now.Add(2 * time.Hour)
	if m.Contains(ctx, "e1") {
		t.Error("tombstone still active past its TTL")
	}
}

func TestPruneExpired(t *testing.T) {
	_, m := setupTestManager(t)
	ctx := context.Background()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m.SetNowFunc(func() time.Time { return now })

	for _, id := range []string{"old-1", "old-2"} {
		if err := m.Add(ctx, id); err != nil {
			t.Fatalf("Add %s failed: %v", id, err)
		}
	}
	now = now.Add(DefaultTTL / 2)
	if err := m.Add(ctx, "fresh"); err != nil {
		t.Fatalf("Add fresh failed: %v", err)
	}

	now = now.Add(DefaultTTL/2 + time.Minute)
	pruned, err := m.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d after prune, want 1", m.Len())
	}
	if !m.Contains(ctx, "fresh") {
		t.Error("fresh tombstone pruned early")
	}
}

func TestPruneConfirmed(t *testing.T) {
	_, m := setupTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := m.Add(ctx, id); err != nil {
			t.Fatalf("Add %s failed: %v", id, err)
		}
	}

	if err := m.PruneConfirmed(ctx, []string{"a", "c"}); err != nil {
		t.Fatalf("PruneConfirmed failed: %v", err)
	}
	if m.Contains(ctx, "a") || m.Contains(ctx, "c") {
		t.Error("confirmed tombstones still present")
	}
	if !m.Contains(ctx, "b") {
		t.Error("unconfirmed tombstone dropped")
	}
}

func TestManagerReloadsFromDisk(t *testing.T) {
	st, m := setupTestManager(t)
	ctx := context.Background()

	if err := m.Add(ctx, "persisted"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	m2, err := NewManager(ctx, st.RawDB(), DefaultTTL)
	if err != nil {
		t.Fatalf("second NewManager failed: %v", err)
	}
	if !m2.Contains(ctx, "persisted") {
		t.Error("tombstone not reloaded from the database")
	}
}

func TestContainsExpiryPurgesDurableRow(t *testing.T) {
	st, m := setupTestManager(t)
	ctx := context.Background()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m.SetNowFunc(func() time.Time { return now })

	if err := m.Add(ctx, "e1"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	now = now.Add(DefaultTTL + time.Minute)
	if m.Contains(ctx, "e1") {
		t.Fatal("Contains(e1) = true past the TTL")
	}

	// The durable row is gone by the time Contains returns, so a manager
	// reloading from disk cannot see the expired entry.
	var n int
	if err := st.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tombstones WHERE local_id = ?`, "e1").Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if n != 0 {
		t.Errorf("durable rows = %d after expiry read, want 0", n)
	}
}
