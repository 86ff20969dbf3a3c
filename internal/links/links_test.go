package links

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepstack/keepsync/internal/store"
)

func setupTestStore(t *testing.T) (*store.Store, *Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return st, NewStore(st.RawDB())
}

func testRecord() *Record {
	return &Record{
		OwnerID:         "owner-1",
		LocalID:         "local-1",
		LocalType:       "calendar_event",
		RemoteID:        "remote-1",
		ResourceType:    ResourceEvent,
		ScopeID:         "primary",
		RemoteEtag:      `"etag-1"`,
		RemoteUpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		LastDirection:   DirectionPush,
	}
}

func TestUpsertAndLookup(t *testing.T) {
	_, ls := setupTestStore(t)
	ctx := context.Background()

	if err := ls.Upsert(ctx, testRecord()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	byLocal, err := ls.GetByLocal(ctx, "local-1", ResourceEvent)
	if err != nil {
		t.Fatalf("GetByLocal failed: %v", err)
	}
	if byLocal.RemoteID != "remote-1" {
		t.Errorf("RemoteID = %q, want remote-1", byLocal.RemoteID)
	}

	byRemote, err := ls.GetByRemote(ctx, "remote-1", "primary")
	if err != nil {
		t.Fatalf("GetByRemote failed: %v", err)
	}
	if byRemote.ID != byLocal.ID {
		t.Errorf("lookups returned different rows: %s vs %s", byRemote.ID, byLocal.ID)
	}

	if _, err := ls.GetByLocal(ctx, "nope", ResourceEvent); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown local error = %v, want ErrNotFound", err)
	}
}

func TestUpsertMergesByLocalKey(t *testing.T) {
	_, ls := setupTestStore(t)
	ctx := context.Background()

	if err := ls.Upsert(ctx, testRecord()); err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}

	// Same local entity, remote id changed (recreated after a 404).
	r := testRecord()
	r.RemoteID = "remote-2"
	if err := ls.Upsert(ctx, r); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	n, err := ls.Count(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d links, want 1 (merge on local key)", n)
	}

	got, err := ls.GetByLocal(ctx, "local-1", ResourceEvent)
	if err != nil {
		t.Fatalf("GetByLocal failed: %v", err)
	}
	if got.RemoteID != "remote-2" {
		t.Errorf("RemoteID = %q, want remote-2", got.RemoteID)
	}
}

func TestUpsertMergesByRemoteKey(t *testing.T) {
	_, ls := setupTestStore(t)
	ctx := context.Background()

	if err := ls.Upsert(ctx, testRecord()); err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}

	// Same remote resource claimed by a different local id (dedupe after
	// an interrupted create).
	r := testRecord()
	r.LocalID = "local-2"
	if err := ls.Upsert(ctx, r); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	n, err := ls.Count(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d links, want 1 (merge on remote key)", n)
	}

	got, err := ls.GetByRemote(ctx, "remote-1", "primary")
	if err != nil {
		t.Fatalf("GetByRemote failed: %v", err)
	}
	if got.LocalID != "local-2" {
		t.Errorf("LocalID = %q, want local-2", got.LocalID)
	}
}

func TestRecordFailureAndClear(t *testing.T) {
	_, ls := setupTestStore(t)
	ctx := context.Background()

	if err := ls.Upsert(ctx, testRecord()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	rec, err := ls.GetByLocal(ctx, "local-1", ResourceEvent)
	if err != nil {
		t.Fatalf("GetByLocal failed: %v", err)
	}

	retryAt := time.Now().Add(5 * time.Minute).UTC()
	if err := ls.RecordFailure(ctx, rec.ID, "http 500", retryAt); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if err := ls.RecordFailure(ctx, rec.ID, "http 500 again", retryAt); err != nil {
		t.Fatalf("second RecordFailure failed: %v", err)
	}

	rec, err = ls.GetByLocal(ctx, "local-1", ResourceEvent)
	if err != nil {
		t.Fatalf("GetByLocal failed: %v", err)
	}
	if rec.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", rec.RetryCount)
	}
	if rec.LastError != "http 500 again" {
		t.Errorf("LastError = %q", rec.LastError)
	}
	if rec.NextRetryAt == nil {
		t.Error("NextRetryAt not set")
	}

	if err := ls.ClearFailure(ctx, rec.ID); err != nil {
		t.Fatalf("ClearFailure failed: %v", err)
	}
	rec, err = ls.GetByLocal(ctx, "local-1", ResourceEvent)
	if err != nil {
		t.Fatalf("GetByLocal failed: %v", err)
	}
	if rec.RetryCount != 0 || rec.LastError != "" || rec.NextRetryAt != nil {
		t.Errorf("failure state not cleared: count=%d err=%q", rec.RetryCount, rec.LastError)
	}
}

func TestReconcileRemoteHints(t *testing.T) {
	st, ls := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	e := &store.Entity{
		ID:         "local-1",
		OwnerID:    "owner-1",
		Kind:       store.KindCalendarEvent,
		Title:      "Standup",
		RemoteHint: "stale-id",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert entity failed: %v", err)
	}
	if err := ls.Upsert(ctx, testRecord()); err != nil {
		t.Fatalf("Upsert link failed: %v", err)
	}

	fixed, err := ls.ReconcileRemoteHints(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ReconcileRemoteHints failed: %v", err)
	}
	if fixed != 1 {
		t.Errorf("fixed = %d, want 1", fixed)
	}

	got, err := st.Get(ctx, "local-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RemoteHint != "remote-1" {
		t.Errorf("RemoteHint = %q, want remote-1 (link table wins)", got.RemoteHint)
	}
}

func TestDelete(t *testing.T) {
	_, ls := setupTestStore(t)
	ctx := context.Background()

	if err := ls.Upsert(ctx, testRecord()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	rec, err := ls.GetByLocal(ctx, "local-1", ResourceEvent)
	if err != nil {
		t.Fatalf("GetByLocal failed: %v", err)
	}
	if err := ls.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := ls.GetByLocal(ctx, "local-1", ResourceEvent); !errors.Is(err, ErrNotFound) {
		t.Errorf("link still present after Delete: %v", err)
	}
}
