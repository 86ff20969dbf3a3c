package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keepstack/keepsync/internal/queue"
	"github.com/keepstack/keepsync/internal/store"
)

// Queue operation names the engine understands.
const (
	OpUpsertEntity = "upsert_entity"
	OpDeleteEntity = "delete_entity"
)

// applyQueuedOperation replays one offline mutation into the local store.
// Replayed entities come back dirty so the next push phase sends them.
func applyQueuedOperation(ctx context.Context, st *store.Store, op *queue.Operation) error {
	switch op.Name {
	case OpUpsertEntity:
		var e store.Entity
		if err := json.Unmarshal(op.Payload, &e); err != nil {
			return fmt.Errorf("failed to decode queued entity: %w", err)
		}
		e.Unsynced = true
		return st.Upsert(ctx, &e)

	case OpDeleteEntity:
		return st.SoftDelete(ctx, op.EntityID, time.Now())

	default:
		return fmt.Errorf("unknown queued operation %q", op.Name)
	}
}
