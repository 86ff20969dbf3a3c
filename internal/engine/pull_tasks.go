package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/keepstack/keepsync/internal/cursors"
	"github.com/keepstack/keepsync/internal/links"
	"github.com/keepstack/keepsync/internal/provider"
	"github.com/keepstack/keepsync/internal/store"
	"github.com/keepstack/keepsync/internal/tombstones"
)

// taskPuller fetches remote task deltas per task list and reconciles them
// into local entities. The task API has no opaque sync token: deltas are
// requested with updatedMin from the cursor's last-pull time.
type taskPuller struct {
	store   *store.Store
	links   *links.Store
	cursors *cursors.Store
	tombs   *tombstones.Manager
	client  provider.Client
	lists   []string
	tie     TiePolicy
	logger  *log.Logger
	now     func() time.Time
}

// Pull implements the provider-task pull phase.
func (p *taskPuller) Pull(ctx context.Context, ownerID string, idx *linkIndex, forceFullPull bool) PhaseResult {
	res := PhaseResult{Name: "pull_tasks"}

	for _, listID := range p.lists {
		if err := p.pullScope(ctx, ownerID, listID, idx, forceFullPull, &res); err != nil {
			if provider.Fatal(err) {
				res.Status = statusOf(err)
				res.Errors = append(res.Errors, err.Error())
				return res
			}
			res.Errors = append(res.Errors, fmt.Sprintf("list %s: %v", listID, err))
		}
	}

	if len(res.Errors) > 0 {
		res.Status = StatusPartialFailure
	}
	return res
}

func (p *taskPuller) pullScope(ctx context.Context, ownerID, listID string, idx *linkIndex, force bool, res *PhaseResult) error {
	cur, err := p.cursors.Get(ctx, ownerID, links.ResourceTask, listID)
	if err != nil && !errors.Is(err, cursors.ErrNotFound) {
		return err
	}

	var updatedMin time.Time
	switch {
	case force || cur == nil || cur.LastPulledAt.IsZero():
		window := DefaultPullWindow
		if force {
			window = FullPullWindow
		}
		updatedMin = p.now().Add(-window)
	default:
		updatedMin = cur.LastPulledAt
	}

	page, err := p.client.ListTasks(ctx, listID, updatedMin, true)
	if err != nil {
		return err
	}

	for i := range page.Items {
		mutated, err := p.reconcile(ctx, ownerID, listID, &page.Items[i], idx)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("task %s: %v", page.Items[i].ID, err))
			continue
		}
		if mutated {
			res.Pulled++
		}
	}

	return p.cursors.Save(ctx, &cursors.Record{
		OwnerID:      ownerID,
		ResourceType: links.ResourceTask,
		ScopeID:      listID,
		LastPulledAt: p.now(),
	})
}

func (p *taskPuller) reconcile(ctx context.Context, ownerID, listID string, t *provider.Task, idx *linkIndex) (bool, error) {
	link := idx.ByRemote(t.ID, listID)

	var local *store.Entity
	if link != nil {
		var err error
		local, err = p.store.Get(ctx, link.LocalID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	if t.Deleted {
		return p.reconcileDeletion(ctx, t, link, local, idx)
	}

	if local == nil {
		return p.createLocal(ctx, ownerID, listID, t, idx)
	}

	switch Resolve(local.UpdatedAt, t.Updated, p.tie) {
	case ResolutionApplyRemote:
		applyTask(local, t)
		local.UpdatedAt = t.Updated
		local.Unsynced = false
		local.RemoteHint = t.ID
		local.DeletedAt = nil
		if err := p.store.Upsert(ctx, local); err != nil {
			return false, err
		}
		link.RemoteEtag = t.Etag
		link.RemoteUpdatedAt = t.Updated
		link.LastDirection = links.DirectionPull
		if err := p.links.Upsert(ctx, link); err != nil {
			return false, err
		}
		return true, nil

	case ResolutionKeepLocal:
		if !local.Unsynced {
			if err := p.store.MarkDirty(ctx, local.ID); err != nil {
				return false, err
			}
		}
		return false, nil

	default:
		return false, nil
	}
}

func (p *taskPuller) reconcileDeletion(ctx context.Context, t *provider.Task, link *links.Record, local *store.Entity, idx *linkIndex) (bool, error) {
	if link == nil || local == nil {
		return false, nil
	}

	if local.UpdatedAt.After(t.Updated) {
		if !local.Unsynced {
			if err := p.store.MarkDirty(ctx, local.ID); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if !local.Deleted() {
		if err := p.store.ApplyRemoteDelete(ctx, local.ID, t.Updated); err != nil {
			return false, err
		}
		if err := p.tombs.Add(ctx, local.ID); err != nil {
			p.logger.Printf("failed to tombstone %s: %v", local.ID, err)
		}
	}
	if err := p.links.Delete(ctx, link.ID); err != nil {
		return false, err
	}
	idx.remove(link)
	return true, nil
}

func (p *taskPuller) createLocal(ctx context.Context, ownerID, listID string, t *provider.Task, idx *linkIndex) (bool, error) {
	existing, err := p.store.FindByRemoteHint(ctx, ownerID, t.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if existing != nil && p.tombs.Contains(ctx, existing.ID) {
		// Deleted locally within the tombstone TTL; a stale updatedMin
		// query must not bring it back.
		return false, nil
	}

	e := existing
	if e == nil {
		e = &store.Entity{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			Kind:      store.KindCalendarEvent,
			CreatedAt: t.Updated,
		}
	}

	applyTask(e, t)
	e.UpdatedAt = t.Updated
	e.Unsynced = false
	e.RemoteHint = t.ID
	e.DeletedAt = nil
	if err := p.store.Upsert(ctx, e); err != nil {
		return false, err
	}

	rec := &links.Record{
		OwnerID:         ownerID,
		LocalID:         e.ID,
		LocalType:       string(e.Kind),
		RemoteID:        t.ID,
		ResourceType:    links.ResourceTask,
		ScopeID:         listID,
		RemoteEtag:      t.Etag,
		RemoteUpdatedAt: t.Updated,
		LastDirection:   links.DirectionPull,
	}
	if err := p.links.Upsert(ctx, rec); err != nil {
		return false, err
	}
	idx.add(rec)

	return true, nil
}
