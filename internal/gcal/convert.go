package gcal

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/njoerd114/calsync/internal/model"
)

// toRemoteEvent converts a provider event into the engine's transient
// representation. ok is false for events the engine cannot two-way sync:
// all-day events (date without time) and events missing start or end.
func toRemoteEvent(ev *calendar.Event) (model.RemoteEvent, bool) {
	if ev == nil || ev.Start == nil || ev.End == nil {
		return model.RemoteEvent{}, false
	}
	if ev.Start.DateTime == "" || ev.End.DateTime == "" {
		return model.RemoteEvent{}, false
	}

	start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		return model.RemoteEvent{}, false
	}
	end, err := time.Parse(time.RFC3339, ev.End.DateTime)
	if err != nil {
		return model.RemoteEvent{}, false
	}

	// Updated is best-effort; a zero value simply loses the LWW comparison.
	updated, _ := time.Parse(time.RFC3339, ev.Updated)

	return model.RemoteEvent{
		ID:          ev.Id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       start,
		End:         end,
		Updated:     updated,
	}, true
}

// toProviderEvent builds the wire representation for create/update calls.
func toProviderEvent(ev *model.RemoteEvent) *calendar.Event {
	return &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.End.UTC().Format(time.RFC3339)},
	}
}
