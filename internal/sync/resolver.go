package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/njoerd114/calsync/internal/model"
)

// Duplicate resolution decides whether a record on one side already
// represents a record on the other, so the engine links instead of creating a
// second copy. Neither side reliably knows about the other on first contact.
//
// The heuristic is deliberately conservative: a false negative costs an
// occasional duplicate, a false positive merges two unrelated records. Hence
// the narrow time tolerance and exact (or marker-stripped) title equality.
const (
	// searchPadding widens the listing window around a candidate start.
	searchPadding = 30 * time.Minute

	// startTolerance is how far apart the two start times may be for records
	// to be considered the same logical event.
	startTolerance = 5 * time.Minute
)

// titlesMatch reports whether a provider summary and a local title name the
// same logical event: equal exactly, or equal after stripping the reminder
// marker the engine itself adds to projected Reminders.
func titlesMatch(summary, title string) bool {
	if summary == title {
		return true
	}
	stripped, _ := model.DecodeReminderPrefix(summary)
	return stripped == title
}

// withinTolerance reports whether two start times are at most startTolerance
// apart.
func withinTolerance(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= startTolerance
}

// matchRemote returns the first remote event representing the local candidate
// (title, start), or nil when none does.
func matchRemote(events []model.RemoteEvent, title string, start time.Time) *model.RemoteEvent {
	for i := range events {
		if titlesMatch(events[i].Summary, title) && withinTolerance(events[i].Start, start) {
			return &events[i]
		}
	}
	return nil
}

// matchLocal returns the first local item representing the remote event, or
// nil. Only unlinked, syncable items qualify — an item already bound to a
// different provider event is never stolen by the heuristic.
func matchLocal(local []model.Item, ev *model.RemoteEvent) *model.Item {
	for i := range local {
		item := &local[i]
		if item.ExternalEventID != "" || !item.Type.Syncable() {
			continue
		}
		start, _, ok := item.EventWindow()
		if !ok {
			continue
		}
		if titlesMatch(ev.Summary, item.Title) && withinTolerance(ev.Start, start) {
			return item
		}
	}
	return nil
}

// Resolver answers "does the provider already have this event?" by listing a
// padded window around the candidate start and applying [matchRemote].
type Resolver struct {
	provider   CalendarProvider
	calendarID string
	log        *slog.Logger
}

// NewResolver creates a Resolver against the given provider and calendar.
func NewResolver(provider CalendarProvider, calendarID string, logger *slog.Logger) *Resolver {
	return &Resolver{provider: provider, calendarID: calendarID, log: logger}
}

// FindMatch searches the provider for an event representing (title, start).
// It returns nil when no event matches.
func (r *Resolver) FindMatch(ctx context.Context, token, title string, start time.Time) (*model.RemoteEvent, error) {
	events, _, err := r.provider.ListEvents(ctx, token, r.calendarID, start.Add(-searchPadding), start.Add(searchPadding))
	if err != nil {
		return nil, err
	}
	ev := matchRemote(events, title, start)
	if ev != nil {
		r.log.Debug("duplicate resolved to existing remote event", "event_id", ev.ID, "title", title)
	}
	return ev, nil
}
