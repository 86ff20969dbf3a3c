package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/keepstack/keepsync/internal/cursors"
	"github.com/keepstack/keepsync/internal/links"
	"github.com/keepstack/keepsync/internal/provider"
	"github.com/keepstack/keepsync/internal/store"
	"github.com/keepstack/keepsync/internal/tombstones"
)

// Historical pull windows used when no sync token is available.
const (
	DefaultPullWindow = 365 * 24 * time.Hour      // 1 year
	FullPullWindow    = 10 * 365 * 24 * time.Hour // 10 years on forced full pull
)

// eventPuller fetches remote event deltas per calendar and reconciles
// them into local entities.
type eventPuller struct {
	store     *store.Store
	links     *links.Store
	cursors   *cursors.Store
	tombs     *tombstones.Manager
	client    provider.Client
	calendars []string
	tie       TiePolicy
	logger    *log.Logger
	now       func() time.Time
}

// Pull implements the calendar-event pull phase.
func (p *eventPuller) Pull(ctx context.Context, ownerID string, idx *linkIndex, forceFullPull bool) PhaseResult {
	res := PhaseResult{Name: "pull_events"}

	for _, calendarID := range p.calendars {
		if err := p.pullScope(ctx, ownerID, calendarID, idx, forceFullPull, &res); err != nil {
			if provider.Fatal(err) {
				res.Status = statusOf(err)
				res.Errors = append(res.Errors, err.Error())
				return res
			}
			res.Errors = append(res.Errors, fmt.Sprintf("calendar %s: %v", calendarID, err))
		}
	}

	if len(res.Errors) > 0 {
		res.Status = StatusPartialFailure
	}
	return res
}

func (p *eventPuller) pullScope(ctx context.Context, ownerID, calendarID string, idx *linkIndex, force bool, res *PhaseResult) error {
	cur, err := p.cursors.Get(ctx, ownerID, links.ResourceEvent, calendarID)
	if err != nil && !errors.Is(err, cursors.ErrNotFound) {
		return err
	}

	window := DefaultPullWindow
	if force {
		window = FullPullWindow
	}

	q := provider.EventQuery{ShowDeleted: true}
	if cur != nil && cur.SyncToken != "" && !force {
		q.SyncToken = cur.SyncToken
	} else {
		q.TimeMin = p.now().Add(-window)
	}

	page, err := p.client.ListEvents(ctx, calendarID, q)
	if errors.Is(err, provider.ErrTokenExpired) {
		// Invalid token: clear the cursor and retry this scope once as a
		// bounded historical pull.
		p.logger.Printf("sync token expired for calendar %s, falling back to full pull", calendarID)
		if cerr := p.cursors.Clear(ctx, ownerID, links.ResourceEvent, calendarID); cerr != nil {
			return cerr
		}
		// The in-memory cursor still holds the rejected token; drop it so
		// the carry-forward below cannot re-save it.
		if cur != nil {
			cur.SyncToken = ""
		}
		page, err = p.client.ListEvents(ctx, calendarID, provider.EventQuery{
			TimeMin:     p.now().Add(-window),
			ShowDeleted: true,
		})
	}
	if err != nil {
		return err
	}

	// Masters before instances, so a recurring child can always resolve
	// its parent's local id.
	items := append([]provider.Event(nil), page.Items...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].RecurringEventID == "" && items[j].RecurringEventID != ""
	})

	for i := range items {
		mutated, err := p.reconcile(ctx, ownerID, calendarID, &items[i], idx)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("event %s: %v", items[i].ID, err))
			continue
		}
		if mutated {
			res.Pulled++
		}
	}

	// Keep the previous token when the remote did not hand out a fresh one.
	token := page.NextSyncToken
	if token == "" && cur != nil {
		token = cur.SyncToken
	}
	return p.cursors.Save(ctx, &cursors.Record{
		OwnerID:      ownerID,
		ResourceType: links.ResourceEvent,
		ScopeID:      calendarID,
		SyncToken:    token,
		LastPulledAt: p.now(),
	})
}

// reconcile applies one remote event to local state. Returns true when a
// local mutation was written.
func (p *eventPuller) reconcile(ctx context.Context, ownerID, calendarID string, ev *provider.Event, idx *linkIndex) (bool, error) {
	link := idx.ByRemote(ev.ID, calendarID)

	var local *store.Entity
	if link != nil {
		var err error
		local, err = p.store.Get(ctx, link.LocalID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	if ev.Cancelled() {
		return p.reconcileCancellation(ctx, ev, link, local, idx)
	}

	if local == nil {
		return p.createLocal(ctx, ownerID, calendarID, ev, idx)
	}

	switch Resolve(local.UpdatedAt, ev.Updated, p.tie) {
	case ResolutionApplyRemote:
		applyEvent(local, ev)
		local.UpdatedAt = ev.Updated
		local.Unsynced = false
		local.RemoteHint = ev.ID
		local.DeletedAt = nil
		if err := p.store.Upsert(ctx, local); err != nil {
			return false, err
		}
		link.RemoteEtag = ev.Etag
		link.RemoteUpdatedAt = ev.Updated
		link.LastDirection = links.DirectionPull
		if err := p.links.Upsert(ctx, link); err != nil {
			return false, err
		}
		return true, nil

	case ResolutionKeepLocal:
		// Local wins; make sure the next push re-sends it.
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

func (p *eventPuller) reconcileCancellation(ctx context.Context, ev *provider.Event, link *links.Record, local *store.Entity, idx *linkIndex) (bool, error) {
	if link == nil || local == nil {
		return false, nil // never seen locally, nothing to delete
	}

	if local.UpdatedAt.After(ev.Updated) {
		// A local edit raced the remote delete; the local copy wins and
		// the next push re-creates the remote resource.
		if !local.Unsynced {
			if err := p.store.MarkDirty(ctx, local.ID); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if !local.Deleted() {
		if err := p.store.ApplyRemoteDelete(ctx, local.ID, ev.Updated); err != nil {
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

func (p *eventPuller) createLocal(ctx context.Context, ownerID, calendarID string, ev *provider.Event, idx *linkIndex) (bool, error) {
	// A previous partially-completed cycle may have created the entity
	// without its link; reuse it instead of inserting a duplicate.
	existing, err := p.store.FindByRemoteHint(ctx, ownerID, ev.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if existing != nil && p.tombs.Contains(ctx, existing.ID) {
		// Deleted locally within the tombstone TTL; a stale window query
		// must not bring it back.
		return false, nil
	}

	e := existing
	if e == nil {
		e = &store.Entity{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			Kind:      store.KindCalendarEvent,
			CreatedAt: ev.Updated,
		}
	}

	applyEvent(e, ev)
	e.UpdatedAt = ev.Updated
	e.Unsynced = false
	e.RemoteHint = ev.ID
	e.DeletedAt = nil
	if err := p.store.Upsert(ctx, e); err != nil {
		return false, err
	}

	rec := &links.Record{
		OwnerID:         ownerID,
		LocalID:         e.ID,
		LocalType:       string(e.Kind),
		RemoteID:        ev.ID,
		ResourceType:    links.ResourceEvent,
		ScopeID:         calendarID,
		RemoteEtag:      ev.Etag,
		RemoteUpdatedAt: ev.Updated,
		LastDirection:   links.DirectionPull,
	}
	if err := p.links.Upsert(ctx, rec); err != nil {
		return false, err
	}
	idx.add(rec)

	return true, nil
}
