package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/calsync/internal/gcal"
	"github.com/njoerd114/calsync/internal/model"
)

const (
	otelScope        = "calsync/sync"
	spanFullSync     = "sync.full"
	spanNotification = "sync.notification"

	metricRemoteCreated = "calsync.sync.remote_to_local.created"
	metricRemoteUpdated = "calsync.sync.remote_to_local.updated"
	metricRemoteDeleted = "calsync.sync.remote_to_local.deleted"
	metricLocalCreated  = "calsync.sync.local_to_remote.created"
	metricLocalLinked   = "calsync.sync.local_to_remote.linked"
	metricErrors        = "calsync.sync.errors"
)

// Webhook processing window. A notification does not say which event changed,
// so the engine re-lists a window around now and converges it.
const (
	notificationLookback  = time.Hour
	notificationLookahead = 24 * time.Hour
)

var (
	// ErrInvalidWindow rejects reversed or empty time windows. A reversed
	// window is a caller bug, not a condition to repair silently.
	ErrInvalidWindow = errors.New("time window end must be after start")

	// ErrNotSyncable marks items that never reach the provider: Actions, and
	// items missing their type's time fields.
	ErrNotSyncable = errors.New("item is not syncable")

	// ErrNotLinked marks an update or delete against an item that has no
	// provider event.
	ErrNotLinked = errors.New("item has no linked provider event")
)

// Engine coordinates all synchronization between the item store and the
// calendar provider: the push operations triggered by local edits, the full
// window sync, and webhook notification processing. Create one with
// [NewEngine]. The Engine is stateless between calls — all persistent state
// lives in the [Ledger] and [SubscriptionStore].
type Engine struct {
	provider   CalendarProvider
	store      ItemStore
	ledger     Ledger
	subs       SubscriptionStore
	creds      Credentials
	resolver   *Resolver
	calendarID string
	log        *slog.Logger

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer           trace.Tracer
	cntRemoteCreated metric.Int64Counter
	cntRemoteUpdated metric.Int64Counter
	cntRemoteDeleted metric.Int64Counter
	cntLocalCreated  metric.Int64Counter
	cntLocalLinked   metric.Int64Counter
	cntErrors        metric.Int64Counter
}

// NewEngine creates an Engine wired to the given ports.
func NewEngine(provider CalendarProvider, store ItemStore, ledger Ledger, subs SubscriptionStore, creds Credentials, calendarID string, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		provider:   provider,
		store:      store,
		ledger:     ledger,
		subs:       subs,
		creds:      creds,
		resolver:   NewResolver(provider, calendarID, logger),
		calendarID: calendarID,
		log:        logger,

		tracer:           tracer,
		cntRemoteCreated: mustCounter(metricRemoteCreated, "Local items created from provider events"),
		cntRemoteUpdated: mustCounter(metricRemoteUpdated, "Local items updated from provider events"),
		cntRemoteDeleted: mustCounter(metricRemoteDeleted, "Local items deleted after provider-side deletion"),
		cntLocalCreated:  mustCounter(metricLocalCreated, "Provider events created from local items"),
		cntLocalLinked:   mustCounter(metricLocalLinked, "Local items linked to existing provider events"),
		cntErrors:        mustCounter(metricErrors, "Errors encountered during sync"),
	}
}

// syncWindow validates an item's provider time block.
func syncWindow(item *model.Item) (start, end time.Time, err error) {
	start, end, ok := item.EventWindow()
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s item %q", ErrNotSyncable, item.Type, item.ID)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %v, end %v", ErrInvalidWindow, start, end)
	}
	return start, end, nil
}

// remoteEventFor builds the provider representation of a local item.
func remoteEventFor(item *model.Item, start, end time.Time) *model.RemoteEvent {
	return &model.RemoteEvent{
		ID:          item.ExternalEventID,
		Summary:     item.ProviderTitle(),
		Description: item.Description,
		Location:    item.Location,
		Start:       start,
		End:         end,
	}
}

// shouldApply wraps the ledger comparison, failing open: an extra no-op
// reconciliation is cheaper than a dropped update.
func (e *Engine) shouldApply(ctx context.Context, externalEventID string, remoteModifiedAt time.Time) bool {
	ok, err := e.ledger.ShouldApplyRemoteChange(ctx, externalEventID, remoteModifiedAt)
	if err != nil {
		e.log.Warn("ledger lookup failed, processing change anyway",
			"event_id", externalEventID,
			"error", err,
		)
		return true
	}
	return ok
}

// PushCreate pushes a newly created local item to the provider and returns
// the provider event id the caller must store on the item. When the provider
// already holds a matching event (typically created by the user in the
// calendar UI moments earlier), the item is linked to it instead and no
// duplicate is created.
func (e *Engine) PushCreate(ctx context.Context, token string, item *model.Item) (string, error) {
	start, end, err := syncWindow(item)
	if err != nil {
		return "", err
	}

	match, err := e.resolver.FindMatch(ctx, token, item.Title, start)
	if err != nil {
		// The resolver guards against duplicates; it is not a precondition
		// for pushing.
		e.log.Warn("duplicate resolution failed, creating remote event anyway", "error", err)
	}
	if match != nil {
		if err := e.ledger.RecordRemoteChange(ctx, item.ID, match.ID, match.Updated); err != nil {
			return "", fmt.Errorf("recording link to event %q: %w", match.ID, err)
		}
		e.cntLocalLinked.Add(ctx, 1)
		e.log.Info("linked item to existing remote event",
			"item_id", item.ID,
			"event_id", match.ID,
		)
		return match.ID, nil
	}

	eventID, err := e.provider.CreateEvent(ctx, token, e.calendarID, remoteEventFor(item, start, end))
	if err != nil {
		return "", fmt.Errorf("creating remote event for item %q: %w", item.ID, err)
	}
	if err := e.ledger.RecordLocalChange(ctx, item.ID, eventID); err != nil {
		return "", fmt.Errorf("recording local change for event %q: %w", eventID, err)
	}
	e.cntLocalCreated.Add(ctx, 1)
	return eventID, nil
}

// PushUpdate pushes a local edit to the provider. The ledger is written
// before the provider call so the webhook echo of our own write is
// recognised and suppressed.
func (e *Engine) PushUpdate(ctx context.Context, token string, item *model.Item) error {
	if item.ExternalEventID == "" {
		return fmt.Errorf("updating item %q: %w", item.ID, ErrNotLinked)
	}
	start, end, err := syncWindow(item)
	if err != nil {
		return err
	}

	if err := e.ledger.RecordLocalChange(ctx, item.ID, item.ExternalEventID); err != nil {
		return fmt.Errorf("recording local change for event %q: %w", item.ExternalEventID, err)
	}

	err = e.provider.UpdateEvent(ctx, token, e.calendarID, remoteEventFor(item, start, end))
	if errors.Is(err, gcal.ErrNotFound) {
		// Deleted out-of-band while the local copy lives on. The local edit
		// postdates the deletion, so the edit wins: recreate the event.
		e.log.Warn("remote event gone, recreating",
			"item_id", item.ID,
			"event_id", item.ExternalEventID,
		)
		if delErr := e.ledger.DeleteRecord(ctx, item.ExternalEventID); delErr != nil {
			e.log.Error("deleting stale sync record", "event_id", item.ExternalEventID, "error", delErr)
		}
		return e.recreateEvent(ctx, token, item, start, end)
	}
	if err != nil {
		return fmt.Errorf("updating remote event %q: %w", item.ExternalEventID, err)
	}
	return nil
}

// recreateEvent replaces a provider event that vanished under a linked item.
func (e *Engine) recreateEvent(ctx context.Context, token string, item *model.Item, start, end time.Time) error {
	item.ExternalEventID = ""
	eventID, err := e.provider.CreateEvent(ctx, token, e.calendarID, remoteEventFor(item, start, end))
	if err != nil {
		return fmt.Errorf("recreating remote event for item %q: %w", item.ID, err)
	}
	if err := e.store.SetExternalEventID(ctx, token, item.ID, eventID); err != nil {
		return fmt.Errorf("relinking item %q to event %q: %w", item.ID, eventID, err)
	}
	item.ExternalEventID = eventID
	if err := e.ledger.RecordLocalChange(ctx, item.ID, eventID); err != nil {
		return fmt.Errorf("recording local change for event %q: %w", eventID, err)
	}
	e.cntLocalCreated.Add(ctx, 1)
	return nil
}

// PushDelete removes the provider event after its local item was deleted,
// then cleans up the sync record. An event already gone at the provider is
// not an error.
func (e *Engine) PushDelete(ctx context.Context, token, externalEventID string) error {
	if externalEventID == "" {
		return ErrNotLinked
	}

	var firstErr error
	err := e.provider.DeleteEvent(ctx, token, e.calendarID, externalEventID)
	if err != nil && !errors.Is(err, gcal.ErrNotFound) {
		firstErr = fmt.Errorf("deleting remote event %q: %w", externalEventID, err)
	}

	// The local item is already gone; the ledger row must not outlive it.
	if err := e.ledger.DeleteRecord(ctx, externalEventID); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("deleting sync record %q: %w", externalEventID, err)
	}
	return firstErr
}

// ProcessNotification handles one webhook notification after the HTTP layer
// has acknowledged it. The resource id identifies the watched calendar; the
// notification carries no event payload, so the engine lists a window around
// now and converges provider → store, including deletions.
func (e *Engine) ProcessNotification(ctx context.Context, resourceID string) error {
	ctx, span := e.tracer.Start(ctx, spanNotification)
	defer span.End()

	sub, err := e.subs.GetSubscriptionByResourceID(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("resolving subscription for resource %q: %w", resourceID, err)
	}
	if sub == nil {
		// Stale channel Google has not fully stopped yet, or a replay for a
		// deleted subscription. Nothing to do.
		e.log.Info("notification for unknown resource, ignoring", "resource_id", resourceID)
		return nil
	}

	token, err := e.creds.GoogleTokenForUser(ctx, sub.UserID)
	if err != nil {
		e.cntErrors.Add(ctx, 1)
		return fmt.Errorf("obtaining provider token for user %q: %w", sub.UserID, err)
	}

	now := time.Now().UTC()
	start, end := now.Add(-notificationLookback), now.Add(notificationLookahead)

	remote, skipped, err := e.provider.ListEvents(ctx, token, sub.CalendarID, start, end)
	if err != nil {
		e.cntErrors.Add(ctx, 1)
		return fmt.Errorf("listing remote events: %w", err)
	}
	local, err := e.store.ListWindow(ctx, token, start, end)
	if err != nil {
		e.cntErrors.Add(ctx, 1)
		return fmt.Errorf("listing local items: %w", err)
	}

	pass := newWindowPass(sub.UserID, remote, skipped, local)
	var stats DirectionStats
	firstErr := e.convergeRemote(ctx, token, pass, &stats)
	if err := e.propagateDeletions(ctx, token, pass, &stats); err != nil && firstErr == nil {
		firstErr = err
	}

	e.recordRemoteStats(ctx, stats)
	e.log.Info("notification processed",
		"resource_id", resourceID,
		"user_id", sub.UserID,
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
	)
	if firstErr != nil {
		span.RecordError(firstErr)
	}
	return firstErr
}
