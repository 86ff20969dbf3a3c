package cursors

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepstack/keepsync/internal/store"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return NewStore(st.RawDB())
}

func TestSaveAndGet(t *testing.T) {
	cs := setupTestStore(t)
	ctx := context.Background()

	pulled := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	rec := &Record{
		OwnerID:      "owner-1",
		ResourceType: "event",
		ScopeID:      "primary",
		SyncToken:    "tok-1",
		LastPulledAt: pulled,
	}
	if err := cs.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := cs.Get(ctx, "owner-1", "event", "primary")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SyncToken != "tok-1" {
		t.Errorf("SyncToken = %q, want tok-1", got.SyncToken)
	}
	if !got.LastPulledAt.Equal(pulled) {
		t.Errorf("LastPulledAt = %v, want %v", got.LastPulledAt, pulled)
	}

	// Saving again replaces the token for the same composite key.
	rec.SyncToken = "tok-2"
	if err := cs.Save(ctx, rec); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	got, err = cs.Get(ctx, "owner-1", "event", "primary")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SyncToken != "tok-2" {
		t.Errorf("SyncToken = %q, want tok-2", got.SyncToken)
	}

	all, err := cs.List(ctx, "owner-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List returned %d records, want 1", len(all))
	}
}

func TestGetNotFound(t *testing.T) {
	cs := setupTestStore(t)

	_, err := cs.Get(context.Background(), "owner-1", "event", "primary")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestClearDropsTokenKeepsTimestamp(t *testing.T) {
	cs := setupTestStore(t)
	ctx := context.Background()

	pulled := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := cs.Save(ctx, &Record{
		OwnerID:      "owner-1",
		ResourceType: "event",
		ScopeID:      "primary",
		SyncToken:    "expired",
		LastPulledAt: pulled,
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := cs.Clear(ctx, "owner-1", "event", "primary"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	got, err := cs.Get(ctx, "owner-1", "event", "primary")
	if err != nil {
		t.Fatalf("Get after Clear failed: %v", err)
	}
	if got.SyncToken != "" {
		t.Errorf("SyncToken = %q after Clear, want empty", got.SyncToken)
	}
	if !got.LastPulledAt.Equal(pulled) {
		t.Errorf("LastPulledAt = %v, want preserved %v", got.LastPulledAt, pulled)
	}
}
