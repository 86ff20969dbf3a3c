package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/keepstack/keepsync/internal/links"
	"github.com/keepstack/keepsync/internal/provider"
	"github.com/keepstack/keepsync/internal/store"
	"github.com/keepstack/keepsync/internal/tombstones"
)

// Task push batch caps per cycle.
const (
	MaxTasksPerCycle = 50
	MaxItemsPerCycle = 50
)

// taskPusher sends locally-dirty entities to the provider as tasks. Two
// instances run per cycle: untimed task/event entities ("provider tasks")
// and generic scheduled items.
type taskPusher struct {
	name   string
	kind   store.Kind
	store  *store.Store
	links  *links.Store
	tombs  *tombstones.Manager
	client provider.Client
	listID string
	limit  int
	logger *log.Logger
	now    func() time.Time
}

// include decides whether a dirty entity of the pusher's kind belongs to
// this phase. Timed calendar_event entities are the event pusher's;
// items are only pushed once they carry a due date.
func (p *taskPusher) include(e *store.Entity, idx *linkIndex) bool {
	switch p.kind {
	case store.KindCalendarEvent:
		if e.Deleted() {
			return idx.ByLocal(e.ID, links.ResourceTask) != nil ||
				(e.StartsAt == nil && idx.ByLocal(e.ID, links.ResourceEvent) == nil)
		}
		return e.StartsAt == nil
	case store.KindItem:
		if e.Deleted() {
			return true
		}
		return e.DueAt != nil
	default:
		return false
	}
}

// Push implements the task push phase. Same shape as the event phase,
// with task payloads and the task-list scope.
func (p *taskPusher) Push(ctx context.Context, ownerID string, idx *linkIndex) PhaseResult {
	res := PhaseResult{Name: p.name}

	dirty, err := p.store.DirtyByKind(ctx, ownerID, p.kind, 0)
	if err != nil {
		res.Status = StatusPartialFailure
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	var batch []*store.Entity
	for _, e := range dirty {
		if !p.include(e, idx) {
			continue
		}
		batch = append(batch, e)
		if p.limit > 0 && len(batch) >= p.limit {
			break
		}
	}

	for _, e := range batch {
		if err := p.pushOne(ctx, ownerID, e, idx, &res); err != nil {
			if provider.Fatal(err) {
				res.Status = statusOf(err)
				res.Errors = append(res.Errors, err.Error())
				return res
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", p.kind, e.ID, err))
		}
	}

	if len(res.Errors) > 0 {
		res.Status = StatusPartialFailure
	}
	return res
}

func (p *taskPusher) pushOne(ctx context.Context, ownerID string, e *store.Entity, idx *linkIndex, res *PhaseResult) error {
	link := idx.ByLocal(e.ID, links.ResourceTask)

	if e.Deleted() {
		return p.pushDelete(ctx, e, link, idx, res)
	}

	payload := taskPayload(e)

	var remote *provider.Task
	var err error
	if link != nil {
		remote, err = p.client.PatchTask(ctx, link.ScopeID, link.RemoteID, payload)
		if errors.Is(err, provider.ErrNotFound) {
			p.logger.Printf("task %s vanished remotely, re-creating", link.RemoteID)
			remote, err = p.client.CreateTask(ctx, p.listID, payload)
		}
	} else {
		remote, err = p.client.CreateTask(ctx, p.listID, payload)
		if errors.Is(err, provider.ErrInvalidPayload) {
			p.logger.Printf("task payload rejected for %s, retrying minimal", e.ID)
			remote, err = p.client.CreateTask(ctx, p.listID, minimalTaskPayload(e))
		}
	}
	if err != nil {
		if link != nil && !provider.Fatal(err) {
			_ = p.links.RecordFailure(ctx, link.ID, err.Error(), p.now().Add(retryBackoff))
		}
		return err
	}

	scope := p.listID
	if link != nil {
		scope = link.ScopeID
	}

	rec := &links.Record{
		OwnerID:         ownerID,
		LocalID:         e.ID,
		LocalType:       string(e.Kind),
		RemoteID:        remote.ID,
		ResourceType:    links.ResourceTask,
		ScopeID:         scope,
		RemoteEtag:      remote.Etag,
		RemoteUpdatedAt: remote.Updated,
		LastDirection:   links.DirectionPush,
	}
	if err := p.links.Upsert(ctx, rec); err != nil {
		return err
	}
	idx.add(rec)

	if err := p.store.SetRemoteHint(ctx, e.ID, remote.ID); err != nil {
		return err
	}
	if err := p.store.MarkSynced(ctx, e.ID, remote.Updated); err != nil {
		return err
	}

	res.Pushed++
	return nil
}

func (p *taskPusher) pushDelete(ctx context.Context, e *store.Entity, link *links.Record, idx *linkIndex, res *PhaseResult) error {
	if link != nil {
		err := p.client.DeleteTask(ctx, link.ScopeID, link.RemoteID)
		if err != nil && !errors.Is(err, provider.ErrNotFound) {
			if !provider.Fatal(err) {
				_ = p.links.RecordFailure(ctx, link.ID, err.Error(), p.now().Add(retryBackoff))
			}
			return err
		}
		if err := p.links.Delete(ctx, link.ID); err != nil {
			return err
		}
		idx.remove(link)
	}

	// An event copy may exist too; the event phase (next cycle, since it
	// runs before this one) deletes it before the entity goes clean.
	if idx.ByLocal(e.ID, links.ResourceEvent) != nil {
		res.Pushed++
		return nil
	}

	if err := p.tombs.Add(ctx, e.ID); err != nil {
		p.logger.Printf("failed to tombstone %s: %v", e.ID, err)
	}
	if err := p.store.MarkSynced(ctx, e.ID, e.UpdatedAt); err != nil {
		return err
	}

	res.Pushed++
	return nil
}
