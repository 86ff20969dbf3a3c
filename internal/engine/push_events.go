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

// MaxEventsPerCycle bounds the event push batch so one cycle stays short.
const MaxEventsPerCycle = 25

// retryBackoff is the delay stamped on a link after a per-item failure.
const retryBackoff = 5 * time.Minute

// eventPusher sends locally-dirty calendar events to the remote provider.
type eventPusher struct {
	store      *store.Store
	links      *links.Store
	tombs      *tombstones.Manager
	client     provider.Client
	calendarID string
	limit      int
	logger     *log.Logger
	now        func() time.Time
}

// include decides whether a dirty entity belongs to the event phase.
// Untimed entities are the task pusher's, as is any deletion whose only
// remote copy is a task.
func (p *eventPusher) include(e *store.Entity, idx *linkIndex) bool {
	if e.Deleted() {
		if idx.ByLocal(e.ID, links.ResourceEvent) != nil {
			return true
		}
		return e.StartsAt != nil && idx.ByLocal(e.ID, links.ResourceTask) == nil
	}
	return e.StartsAt != nil
}

// Push implements the calendar-event push phase.
//
// Per entity: soft-deleted entities delete the remote resource and drop
// the link; linked entities are patched (falling back to create when the
// remote side lost the resource); unlinked entities are created, retrying
// once with a minimal payload on a 400. Rate-limit and no-token errors
// halt the phase; everything else is recorded and skipped.
func (p *eventPusher) Push(ctx context.Context, ownerID string, idx *linkIndex) PhaseResult {
	res := PhaseResult{Name: "push_events"}

	dirty, err := p.store.DirtyByKind(ctx, ownerID, store.KindCalendarEvent, 0)
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
			res.Errors = append(res.Errors, fmt.Sprintf("event %s: %v", e.ID, err))
		}
	}

	if len(res.Errors) > 0 {
		res.Status = StatusPartialFailure
	}
	return res
}

func (p *eventPusher) pushOne(ctx context.Context, ownerID string, e *store.Entity, idx *linkIndex, res *PhaseResult) error {
	link := idx.ByLocal(e.ID, links.ResourceEvent)

	if e.Deleted() {
		return p.pushDelete(ctx, e, link, idx, res)
	}

	payload := eventPayload(e)

	var remote *provider.Event
	var err error
	if link != nil {
		remote, err = p.client.PatchEvent(ctx, link.ScopeID, link.RemoteID, payload)
		if errors.Is(err, provider.ErrNotFound) {
			// Remote side lost the resource; re-create it.
			p.logger.Printf("event %s vanished remotely, re-creating", link.RemoteID)
			remote, err = p.client.CreateEvent(ctx, p.calendarID, payload)
		}
	} else {
		remote, err = p.client.CreateEvent(ctx, p.calendarID, payload)
		if errors.Is(err, provider.ErrInvalidPayload) {
			p.logger.Printf("event payload rejected for %s, retrying minimal", e.ID)
			remote, err = p.client.CreateEvent(ctx, p.calendarID, minimalEventPayload(e))
		}
	}
	if err != nil {
		if link != nil && !provider.Fatal(err) {
			_ = p.links.RecordFailure(ctx, link.ID, err.Error(), p.now().Add(retryBackoff))
		}
		return err
	}

	scope := p.calendarID
	if link != nil {
		scope = link.ScopeID
	}

	rec := &links.Record{
		OwnerID:         ownerID,
		LocalID:         e.ID,
		LocalType:       string(e.Kind),
		RemoteID:        remote.ID,
		ResourceType:    links.ResourceEvent,
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
	// Stamp updated_at from the remote response so the next pull sees
	// this entity as already in sync.
	if err := p.store.MarkSynced(ctx, e.ID, remote.Updated); err != nil {
		return err
	}

	res.Pushed++
	return nil
}

func (p *eventPusher) pushDelete(ctx context.Context, e *store.Entity, link *links.Record, idx *linkIndex, res *PhaseResult) error {
	if link != nil {
		err := p.client.DeleteEvent(ctx, link.ScopeID, link.RemoteID)
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

	// A task copy of this entity may exist as well. Leave the dirty bit
	// set so the task phase deletes it before the entity goes clean.
	if idx.ByLocal(e.ID, links.ResourceTask) != nil {
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
