package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore opens a fresh on-disk database with the schema applied.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return st
}

func testEntity(id string) *Entity {
	now := time.Now().UTC().Truncate(time.Second)
	return &Entity{
		ID:        id,
		OwnerID:   "owner-1",
		Kind:      KindCalendarEvent,
		Title:     "Dentist",
		CreatedAt: now,
		UpdatedAt: now,
		Unsynced:  true,
	}
}

func TestUpsertAndGet(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	starts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	e := testEntity("e1")
	e.StartsAt = &starts
	e.Attendees = []string{"ana@example.com"}
	e.Reminders = []int{10, 30}

	if err := st.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := st.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != "Dentist" {
		t.Errorf("Title = %q, want %q", got.Title, "Dentist")
	}
	if got.StartsAt == nil || !got.StartsAt.Equal(starts) {
		t.Errorf("StartsAt = %v, want %v", got.StartsAt, starts)
	}
	if len(got.Attendees) != 1 || got.Attendees[0] != "ana@example.com" {
		t.Errorf("Attendees = %v", got.Attendees)
	}
	if len(got.Reminders) != 2 {
		t.Errorf("Reminders = %v, want two offsets", got.Reminders)
	}
	if !got.Unsynced {
		t.Error("expected entity to be dirty after insert")
	}

	// Upsert again with a new title replaces the row.
	e.Title = "Dentist (moved)"
	if err := st.Upsert(ctx, e); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	got, err = st.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got.Title != "Dentist (moved)" {
		t.Errorf("Title after update = %q", got.Title)
	}
}

func TestGetNotFound(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDirtyByKindOrdering(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"newest", "middle", "oldest"} {
		e := testEntity(id)
		e.UpdatedAt = base.Add(time.Duration(10-i) * time.Hour)
		if err := st.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert %s failed: %v", id, err)
		}
	}

	dirty, err := st.DirtyByKind(ctx, "owner-1", KindCalendarEvent, 10)
	if err != nil {
		t.Fatalf("DirtyByKind failed: %v", err)
	}
	if len(dirty) != 3 {
		t.Fatalf("got %d dirty entities, want 3", len(dirty))
	}
	// Oldest change first, so a capped batch drains in causal order.
	if dirty[0].ID != "oldest" || dirty[2].ID != "newest" {
		t.Errorf("order = [%s %s %s], want oldest first", dirty[0].ID, dirty[1].ID, dirty[2].ID)
	}

	capped, err := st.DirtyByKind(ctx, "owner-1", KindCalendarEvent, 2)
	if err != nil {
		t.Fatalf("DirtyByKind capped failed: %v", err)
	}
	if len(capped) != 2 {
		t.Errorf("capped batch = %d entities, want 2", len(capped))
	}
}

func TestMarkSyncedClearsDirty(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	e := testEntity("e1")
	if err := st.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	remoteUpdated := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)
	if err := st.MarkSynced(ctx, "e1", remoteUpdated); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	got, err := st.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Unsynced {
		t.Error("entity still dirty after MarkSynced")
	}
	if !got.UpdatedAt.Equal(remoteUpdated) {
		t.Errorf("UpdatedAt = %v, want provider timestamp %v", got.UpdatedAt, remoteUpdated)
	}

	dirty, err := st.CountDirty(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CountDirty failed: %v", err)
	}
	if dirty != 0 {
		t.Errorf("CountDirty = %d, want 0", dirty)
	}
}

func TestSoftDeleteMarksDirty(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	e := testEntity("e1")
	if err := st.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := st.MarkSynced(ctx, "e1", e.UpdatedAt); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	at := time.Now().UTC()
	if err := st.SoftDelete(ctx, "e1", at); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	got, err := st.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Deleted() {
		t.Error("expected DeletedAt to be set")
	}
	if !got.Unsynced {
		t.Error("soft delete must mark the entity dirty so the deletion pushes")
	}
}

func TestApplyRemoteDeleteStaysClean(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	e := testEntity("e1")
	if err := st.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := st.ApplyRemoteDelete(ctx, "e1", time.Now().UTC()); err != nil {
		t.Fatalf("ApplyRemoteDelete failed: %v", err)
	}

	got, err := st.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Deleted() {
		t.Error("expected DeletedAt to be set")
	}
	if got.Unsynced {
		t.Error("remote-sourced delete must not be pushed back")
	}
}

func TestFindByRemoteHint(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	e := testEntity("e1")
	e.RemoteHint = "g123"
	if err := st.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := st.FindByRemoteHint(ctx, "owner-1", "g123")
	if err != nil {
		t.Fatalf("FindByRemoteHint failed: %v", err)
	}
	if got.ID != "e1" {
		t.Errorf("found %s, want e1", got.ID)
	}

	if _, err := st.FindByRemoteHint(ctx, "owner-1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown hint error = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if err := st.Upsert(ctx, testEntity("e1")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := st.Remove(ctx, "e1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := st.Get(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove error = %v, want ErrNotFound", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.GetMeta(ctx, "last_cycle"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMeta on empty table error = %v, want ErrNotFound", err)
	}

	if err := st.SetMeta(ctx, "last_cycle", `{"success":true}`); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if err := st.SetMeta(ctx, "last_cycle", `{"success":false}`); err != nil {
		t.Fatalf("SetMeta replace failed: %v", err)
	}

	v, err := st.GetMeta(ctx, "last_cycle")
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if v != `{"success":false}` {
		t.Errorf("GetMeta = %q, want the replaced value", v)
	}
}
