package sync

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/njoerd114/calsync/internal/model"
)

// DirectionStats counts mutations performed in one sync direction.
type DirectionStats struct {
	Created int
	Updated int
	Deleted int
}

// Stats aggregates the mutations of a full sync pass.
type Stats struct {
	RemoteToLocal DirectionStats
	LocalToRemote DirectionStats
	Errors        int
}

// windowPass carries the working set of one converge pass: both sides' records
// for a time window, plus the indexes built while processing them.
type windowPass struct {
	userID string
	remote []model.RemoteEvent
	local  []model.Item

	// byExternal indexes local items by their provider event id, including
	// links established during this pass.
	byExternal map[string]*model.Item

	// presentRemote collects event ids known to exist at the provider, so the
	// deletion pass never removes an item whose event is still alive.
	presentRemote map[string]bool
}

func newWindowPass(userID string, remote []model.RemoteEvent, skipped []string, local []model.Item) *windowPass {
	p := &windowPass{
		userID:        userID,
		remote:        remote,
		local:         local,
		byExternal:    make(map[string]*model.Item, len(local)),
		presentRemote: make(map[string]bool, len(remote)+len(skipped)),
	}
	// Events the gateway listed but could not convert (all-day, missing
	// times) still exist at the provider; without this an item linked to an
	// event converted to all-day would be deleted as "remotely gone".
	for _, id := range skipped {
		p.presentRemote[id] = true
	}
	for i := range local {
		if id := local[i].ExternalEventID; id != "" {
			p.byExternal[id] = &local[i]
		}
	}
	return p
}

// FullSync reconciles the window [start, end) in both directions: provider
// events are applied to the item store (creating, updating, and linking items),
// unlinked local items are pushed to the provider, and items whose linked
// event disappeared are deleted. It returns aggregate statistics and the first
// error encountered — sync continues past individual record errors to
// maximise progress.
func (e *Engine) FullSync(ctx context.Context, token, userID string, start, end time.Time) (Stats, error) {
	var stats Stats
	if !end.After(start) {
		return stats, fmt.Errorf("%w: start %v, end %v", ErrInvalidWindow, start, end)
	}

	ctx, span := e.tracer.Start(ctx, spanFullSync)
	defer span.End()

	remote, skipped, err := e.provider.ListEvents(ctx, token, e.calendarID, start, end)
	if err != nil {
		return stats, fmt.Errorf("listing remote events: %w", err)
	}
	local, err := e.store.ListWindow(ctx, token, start, end)
	if err != nil {
		return stats, fmt.Errorf("listing local items: %w", err)
	}

	p := newWindowPass(userID, remote, skipped, local)

	// 1. Provider → store: create, link, and update.
	firstErr := e.convergeRemote(ctx, token, p, &stats.RemoteToLocal)

	// 2. Store → provider: local items the provider has never seen. Anything
	// matchable against an existing event was already linked in step 1, so
	// what remains genuinely needs a new event.
	for i := range p.local {
		item := &p.local[i]
		if item.ExternalEventID != "" || !item.Type.Syncable() {
			continue
		}
		if err := e.pushUnlinked(ctx, token, p, item, &stats.LocalToRemote); err != nil {
			e.log.Error("pushing local item failed", "item_id", item.ID, "error", err)
			e.cntErrors.Add(ctx, 1)
			stats.Errors++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// 3. Deletion propagation: linked items whose event is gone.
	if err := e.propagateDeletions(ctx, token, p, &stats.RemoteToLocal); err != nil && firstErr == nil {
		firstErr = err
	}

	e.recordRemoteStats(ctx, stats.RemoteToLocal)
	if stats.LocalToRemote.Created > 0 {
		e.cntLocalCreated.Add(ctx, int64(stats.LocalToRemote.Created))
	}
	span.SetAttributes(
		attribute.Int("sync.remote_to_local.created", stats.RemoteToLocal.Created),
		attribute.Int("sync.remote_to_local.updated", stats.RemoteToLocal.Updated),
		attribute.Int("sync.remote_to_local.deleted", stats.RemoteToLocal.Deleted),
		attribute.Int("sync.local_to_remote.created", stats.LocalToRemote.Created),
		attribute.Int("sync.errors", stats.Errors),
	)
	if firstErr != nil {
		span.RecordError(firstErr)
	}

	e.log.Info("full sync complete",
		"user_id", userID,
		"remote_created", stats.RemoteToLocal.Created,
		"remote_updated", stats.RemoteToLocal.Updated,
		"remote_deleted", stats.RemoteToLocal.Deleted,
		"local_created", stats.LocalToRemote.Created,
		"errors", stats.Errors,
	)
	return stats, firstErr
}

// convergeRemote applies every remote event in the pass to the item store.
func (e *Engine) convergeRemote(ctx context.Context, token string, p *windowPass, stats *DirectionStats) error {
	var firstErr error
	for i := range p.remote {
		ev := &p.remote[i]
		p.presentRemote[ev.ID] = true
		if err := e.applyRemoteEvent(ctx, token, p, ev, stats); err != nil {
			e.log.Error("applying remote event failed", "event_id", ev.ID, "error", err)
			e.cntErrors.Add(ctx, 1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// applyRemoteEvent converges one provider event into the item store: link it
// to a matching unlinked item, create a new item for it, or apply its fields
// to the already-linked item when the remote change is newer than the last
// local write.
func (e *Engine) applyRemoteEvent(ctx context.Context, token string, p *windowPass, ev *model.RemoteEvent, stats *DirectionStats) error {
	item := p.byExternal[ev.ID]

	if item == nil {
		if m := matchLocal(p.local, ev); m != nil {
			if err := e.store.SetExternalEventID(ctx, token, m.ID, ev.ID); err != nil {
				return fmt.Errorf("linking item %q to event %q: %w", m.ID, ev.ID, err)
			}
			m.ExternalEventID = ev.ID
			p.byExternal[ev.ID] = m
			item = m
			e.log.Info("linked remote event to matching item", "event_id", ev.ID, "item_id", m.ID)
		}
	}

	if item == nil {
		created, didCreate, err := e.store.CreateFromRemote(ctx, token, localItemFor(p.userID, ev))
		if err != nil {
			return fmt.Errorf("creating item from event %q: %w", ev.ID, err)
		}
		if didCreate {
			stats.Created++
			e.log.Info("created item from remote event", "event_id", ev.ID, "item_id", created.ID)
		}
		if err := e.ledger.RecordRemoteChange(ctx, created.ID, ev.ID, ev.Updated); err != nil {
			return fmt.Errorf("recording remote change for event %q: %w", ev.ID, err)
		}
		return nil
	}

	if !e.shouldApply(ctx, ev.ID, ev.Updated) {
		return nil
	}
	if applyFields(item, ev) {
		if err := e.store.Update(ctx, token, item); err != nil {
			return fmt.Errorf("updating item %q from event %q: %w", item.ID, ev.ID, err)
		}
		stats.Updated++
	}
	return e.ledger.RecordRemoteChange(ctx, item.ID, ev.ID, ev.Updated)
}

// pushUnlinked creates a provider event for a local item that has none,
// duplicate-resolving first: the converge pass already linked every matchable
// pair inside the window, but a matching event can sit just outside the
// listing (its end before the window start, its start within tolerance) and
// only the resolver's own padded listing sees it.
func (e *Engine) pushUnlinked(ctx context.Context, token string, p *windowPass, item *model.Item, stats *DirectionStats) error {
	start, end, err := syncWindow(item)
	if err != nil {
		// A malformed item must not poison the rest of the pass.
		e.log.Warn("skipping unsyncable item", "item_id", item.ID, "error", err)
		return nil
	}

	match, err := e.resolver.FindMatch(ctx, token, item.Title, start)
	if err != nil {
		e.log.Warn("duplicate resolution failed, creating remote event anyway", "error", err)
	}
	if match != nil && p.byExternal[match.ID] == nil {
		if err := e.store.SetExternalEventID(ctx, token, item.ID, match.ID); err != nil {
			return fmt.Errorf("linking item %q to event %q: %w", item.ID, match.ID, err)
		}
		item.ExternalEventID = match.ID
		p.byExternal[match.ID] = item
		p.presentRemote[match.ID] = true
		if err := e.ledger.RecordRemoteChange(ctx, item.ID, match.ID, match.Updated); err != nil {
			return fmt.Errorf("recording link to event %q: %w", match.ID, err)
		}
		e.cntLocalLinked.Add(ctx, 1)
		e.log.Info("linked item to existing remote event", "item_id", item.ID, "event_id", match.ID)
		return nil
	}

	eventID, err := e.provider.CreateEvent(ctx, token, e.calendarID, remoteEventFor(item, start, end))
	if err != nil {
		return fmt.Errorf("creating remote event for item %q: %w", item.ID, err)
	}
	p.presentRemote[eventID] = true

	if err := e.store.SetExternalEventID(ctx, token, item.ID, eventID); err != nil {
		return fmt.Errorf("linking item %q to event %q: %w", item.ID, eventID, err)
	}
	item.ExternalEventID = eventID
	p.byExternal[eventID] = item

	if err := e.ledger.RecordLocalChange(ctx, item.ID, eventID); err != nil {
		return fmt.Errorf("recording local change for event %q: %w", eventID, err)
	}
	stats.Created++
	e.log.Info("created remote event for item", "item_id", item.ID, "event_id", eventID)
	return nil
}

// propagateDeletions removes local items whose linked provider event no
// longer exists in the window.
func (e *Engine) propagateDeletions(ctx context.Context, token string, p *windowPass, stats *DirectionStats) error {
	var firstErr error
	for i := range p.local {
		item := &p.local[i]
		if item.ExternalEventID == "" || !item.Type.Syncable() {
			continue
		}
		if p.presentRemote[item.ExternalEventID] {
			continue
		}

		if err := e.store.Delete(ctx, token, item.ID); err != nil {
			e.log.Error("deleting item after provider-side deletion", "item_id", item.ID, "error", err)
			e.cntErrors.Add(ctx, 1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.ledger.DeleteRecord(ctx, item.ExternalEventID); err != nil {
			e.log.Error("deleting sync record", "event_id", item.ExternalEventID, "error", err)
		}
		stats.Deleted++
		e.log.Info("deleted item after provider-side deletion",
			"item_id", item.ID,
			"event_id", item.ExternalEventID,
		)
	}
	return firstErr
}

// applyFields copies the provider event's syncable fields onto the item and
// reports whether anything actually changed.
func applyFields(item *model.Item, ev *model.RemoteEvent) (changed bool) {
	title := ev.Summary
	if item.Type == model.TypeReminder {
		title, _ = model.DecodeReminderPrefix(ev.Summary)
	}
	if item.Title != title {
		item.Title = title
		changed = true
	}
	if item.Description != ev.Description {
		item.Description = ev.Description
		changed = true
	}
	if item.Location != ev.Location {
		item.Location = ev.Location
		changed = true
	}

	switch item.Type {
	case model.TypeEvent:
		if !item.StartDate.Equal(ev.Start) {
			item.StartDate = ev.Start
			changed = true
		}
		if !item.EndDate.Equal(ev.End) {
			item.EndDate = ev.End
			changed = true
		}
	case model.TypeReminder:
		// Only the trigger moves; the block end is derived.
		if !item.ReminderTime.Equal(ev.Start) {
			item.ReminderTime = ev.Start
			changed = true
		}
	}
	return changed
}

// localItemFor builds the item-store draft for a provider event with no local
// counterpart. The reminder marker prefix decides the item type.
func localItemFor(userID string, ev *model.RemoteEvent) *model.Item {
	title, wasReminder := model.DecodeReminderPrefix(ev.Summary)
	item := &model.Item{
		UserID:          userID,
		Title:           title,
		Description:     ev.Description,
		Location:        ev.Location,
		ExternalEventID: ev.ID,
	}
	if wasReminder {
		item.Type = model.TypeReminder
		item.ReminderTime = ev.Start
	} else {
		item.Type = model.TypeEvent
		item.StartDate = ev.Start
		item.EndDate = ev.End
	}
	return item
}

// recordRemoteStats adds the remote→local counters.
func (e *Engine) recordRemoteStats(ctx context.Context, stats DirectionStats) {
	if stats.Created > 0 {
		e.cntRemoteCreated.Add(ctx, int64(stats.Created))
	}
	if stats.Updated > 0 {
		e.cntRemoteUpdated.Add(ctx, int64(stats.Updated))
	}
	if stats.Deleted > 0 {
		e.cntRemoteDeleted.Add(ctx, int64(stats.Deleted))
	}
}
