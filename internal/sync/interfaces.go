// Package sync implements the calendar synchronization engine: the push
// operations invoked by the item store, the full diff-and-converge pass over
// a time window, webhook notification processing, the duplicate-resolution
// heuristic that links records across both sides, and push-subscription
// management.
//
// The engine depends only on the port interfaces in this file; the HTTP and
// Google Calendar adapters are swappable implementations, and tests run
// against in-memory fakes.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/calsync/internal/gcal"
	"github.com/njoerd114/calsync/internal/model"
	"github.com/njoerd114/calsync/internal/state"
)

// CalendarProvider is the calendar provider gateway.
// Implemented by [gcal.Gateway].
type CalendarProvider interface {
	CreateEvent(ctx context.Context, token, calendarID string, ev *model.RemoteEvent) (string, error)
	UpdateEvent(ctx context.Context, token, calendarID string, ev *model.RemoteEvent) error
	DeleteEvent(ctx context.Context, token, calendarID, eventID string) error
	GetEvent(ctx context.Context, token, calendarID, eventID string) (*model.RemoteEvent, error)
	// ListEvents returns the syncable events in [timeMin, timeMax) plus the
	// ids of events the provider listed but the gateway could not convert
	// (all-day, missing times). Those ids still exist remotely; deletion
	// propagation must treat them as present.
	ListEvents(ctx context.Context, token, calendarID string, timeMin, timeMax time.Time) (events []model.RemoteEvent, skipped []string, err error)
	Watch(ctx context.Context, token, calendarID, webhookURL string) (*gcal.Channel, error)
	StopWatch(ctx context.Context, token, channelID, resourceID string) error
}

// ItemStore is the remote item-service port.
// Implemented by [items.Client].
type ItemStore interface {
	ListWindow(ctx context.Context, token string, start, end time.Time) ([]model.Item, error)
	GetByExternalEventID(ctx context.Context, token, externalEventID string) (*model.Item, error)
	// CreateFromRemote inserts atomically keyed by the item's
	// ExternalEventID. created=false means the item already existed and the
	// existing record is returned.
	CreateFromRemote(ctx context.Context, token string, item *model.Item) (existing *model.Item, created bool, err error)
	Update(ctx context.Context, token string, item *model.Item) error
	SetExternalEventID(ctx context.Context, token, itemID, externalEventID string) error
	Delete(ctx context.Context, token, itemID string) error
}

// Ledger is the sync-state ledger.
// Implemented by [state.Store].
type Ledger interface {
	RecordLocalChange(ctx context.Context, itemID, externalEventID string) error
	RecordRemoteChange(ctx context.Context, itemID, externalEventID string, remoteModifiedAt time.Time) error
	ShouldApplyRemoteChange(ctx context.Context, externalEventID string, remoteModifiedAt time.Time) (bool, error)
	GetRecordByItemID(ctx context.Context, itemID string) (*state.SyncRecord, error)
	DeleteRecord(ctx context.Context, externalEventID string) error
	DeleteRecordByItemID(ctx context.Context, itemID string) error
}

// SubscriptionStore is the webhook subscription registry.
// Implemented by [state.Store].
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub *state.Subscription) error
	GetSubscription(ctx context.Context, userID, calendarID string) (*state.Subscription, error)
	GetSubscriptionByResourceID(ctx context.Context, resourceID string) (*state.Subscription, error)
	DeleteSubscription(ctx context.Context, userID, calendarID string) error
	ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]*state.Subscription, error)
}

// Credentials mints bearer tokens via the credential service.
// Implemented by [auth.Client].
type Credentials interface {
	// GoogleToken exchanges an end-user session for a provider token.
	GoogleToken(ctx context.Context, userJWT string) (string, error)
	// GoogleTokenForUser is the privileged service-to-service path used by
	// webhook processing, which carries no user session.
	GoogleTokenForUser(ctx context.Context, userID string) (string, error)
	// ResolveUser returns the user id behind a session JWT.
	ResolveUser(ctx context.Context, userJWT string) (string, error)
}
