// Package gcal wraps the Google Calendar v3 API as a thin, stateless gateway.
// Every call takes a caller-supplied bearer credential; the gateway holds no
// tokens of its own and never retries — failures surface as the typed errors
// in errors.go and the engine decides what they mean.
package gcal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/njoerd114/calsync/internal/model"
)

// listPageSize caps a single events listing. The provider's maximum.
const listPageSize = 2500

// Channel describes a live push subscription as returned by [Gateway.Watch].
type Channel struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// Gateway is the provider gateway. Create one with [New].
type Gateway struct {
	logger *slog.Logger
}

// New creates a Gateway.
func New(logger *slog.Logger) *Gateway {
	return &Gateway{logger: logger}
}

// service builds a per-call calendar service authenticated with the supplied
// bearer token.
func (g *Gateway) service(ctx context.Context, token string) (*calendar.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	svc, err := calendar.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return svc, nil
}

// CreateEvent creates ev on the given calendar and returns the provider's
// event id.
func (g *Gateway) CreateEvent(ctx context.Context, token, calendarID string, ev *model.RemoteEvent) (string, error) {
	svc, err := g.service(ctx, token)
	if err != nil {
		return "", err
	}
	created, err := svc.Events.Insert(calendarID, toProviderEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", classify("creating event", err)
	}
	g.logger.Debug("provider event created", "event_id", created.Id, "summary", ev.Summary)
	return created.Id, nil
}

// UpdateEvent overwrites the provider event ev.ID with ev's fields.
func (g *Gateway) UpdateEvent(ctx context.Context, token, calendarID string, ev *model.RemoteEvent) error {
	svc, err := g.service(ctx, token)
	if err != nil {
		return err
	}
	if _, err := svc.Events.Update(calendarID, ev.ID, toProviderEvent(ev)).Context(ctx).Do(); err != nil {
		return classify(fmt.Sprintf("updating event %s", ev.ID), err)
	}
	return nil
}

// DeleteEvent removes the event from the provider.
func (g *Gateway) DeleteEvent(ctx context.Context, token, calendarID, eventID string) error {
	svc, err := g.service(ctx, token)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return classify(fmt.Sprintf("deleting event %s", eventID), err)
	}
	return nil
}

// GetEvent fetches a single event. Events the engine cannot sync (all-day,
// missing times) come back as ErrNotFound so callers treat them uniformly.
func (g *Gateway) GetEvent(ctx context.Context, token, calendarID, eventID string) (*model.RemoteEvent, error) {
	svc, err := g.service(ctx, token)
	if err != nil {
		return nil, err
	}
	raw, err := svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, classify(fmt.Sprintf("fetching event %s", eventID), err)
	}
	ev, ok := toRemoteEvent(raw)
	if !ok {
		return nil, fmt.Errorf("fetching event %s: %w", eventID, ErrNotFound)
	}
	return &ev, nil
}

// ListEvents returns all timed events in [timeMin, timeMax), expanded to
// single instances and ordered by start time. Events the engine cannot two-way
// sync (all-day, missing times) are not converted; their ids come back in
// skipped, because "unsyncable" must not be mistaken for "deleted" — the event
// still exists at the provider.
func (g *Gateway) ListEvents(ctx context.Context, token, calendarID string, timeMin, timeMax time.Time) (events []model.RemoteEvent, skipped []string, err error) {
	svc, err := g.service(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	call := svc.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(timeMin.UTC().Format(time.RFC3339)).
		TimeMax(timeMax.UTC().Format(time.RFC3339)).
		MaxResults(listPageSize)

	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, raw := range page.Items {
			ev, ok := toRemoteEvent(raw)
			if ok {
				events = append(events, ev)
			} else if raw != nil && raw.Id != "" {
				skipped = append(skipped, raw.Id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, classify("listing events", err)
	}

	g.logger.Debug("provider events listed",
		"calendar_id", calendarID,
		"count", len(events),
		"skipped", len(skipped),
		"from", timeMin,
		"to", timeMax,
	)
	return events, skipped, nil
}

// Watch registers a push channel for the calendar, pointing at webhookURL.
// The channel id is minted client-side; the provider assigns the resource id
// and expiration.
func (g *Gateway) Watch(ctx context.Context, token, calendarID, webhookURL string) (*Channel, error) {
	svc, err := g.service(ctx, token)
	if err != nil {
		return nil, err
	}

	req := &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: webhookURL,
	}
	resp, err := svc.Events.Watch(calendarID, req).Context(ctx).Do()
	if err != nil {
		return nil, classify("creating watch channel", err)
	}

	ch := &Channel{
		ChannelID:  resp.Id,
		ResourceID: resp.ResourceId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}
	g.logger.Info("watch channel created",
		"channel_id", ch.ChannelID,
		"resource_id", ch.ResourceID,
		"expires", ch.Expiration,
	)
	return ch, nil
}

// StopWatch cancels a push channel.
func (g *Gateway) StopWatch(ctx context.Context, token, channelID, resourceID string) error {
	svc, err := g.service(ctx, token)
	if err != nil {
		return err
	}
	stop := &calendar.Channel{Id: channelID, ResourceId: resourceID}
	if err := svc.Channels.Stop(stop).Context(ctx).Do(); err != nil {
		return classify(fmt.Sprintf("stopping channel %s", channelID), err)
	}
	return nil
}
