package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Subscription records one provider push channel. Notifications arrive
// carrying only the provider-assigned resource id, so the registry exists to
// resolve that id back to a user.
type Subscription struct {
	UserID     string
	CalendarID string
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// UpsertSubscription stores a subscription, replacing any prior channel for
// the same user and calendar. Only one live channel per user per calendar is
// retained.
func (s *Store) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	// A re-watch can hand back the same resource id under a new channel id;
	// clear any row holding that resource id before the upsert so the unique
	// index does not reject it.
	const clear = `DELETE FROM subscriptions WHERE resource_id = ? AND NOT (user_id = ? AND calendar_id = ?)`
	if _, err := s.db.ExecContext(ctx, clear, sub.ResourceID, sub.UserID, sub.CalendarID); err != nil {
		return fmt.Errorf("clearing stale subscription for resource %q: %w", sub.ResourceID, err)
	}

	const q = `
		INSERT INTO subscriptions (user_id, calendar_id, channel_id, resource_id, expiration)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, calendar_id) DO UPDATE SET
		    channel_id  = excluded.channel_id,
		    resource_id = excluded.resource_id,
		    expiration  = excluded.expiration`
	_, err := s.db.ExecContext(ctx, q,
		sub.UserID,
		sub.CalendarID,
		sub.ChannelID,
		sub.ResourceID,
		formatTime(sub.Expiration),
	)
	if err != nil {
		return fmt.Errorf("upserting subscription for user %q: %w", sub.UserID, err)
	}
	return nil
}

// GetSubscription returns the subscription for the given user and calendar,
// or (nil, nil) if none exists.
func (s *Store) GetSubscription(ctx context.Context, userID, calendarID string) (*Subscription, error) {
	const q = `
		SELECT user_id, calendar_id, channel_id, resource_id, expiration
		FROM subscriptions WHERE user_id = ? AND calendar_id = ?`
	return scanSubscription(s.db.QueryRowContext(ctx, q, userID, calendarID))
}

// GetSubscriptionByResourceID resolves an inbound webhook's resource id to
// its subscription, or (nil, nil) if the id is unknown.
func (s *Store) GetSubscriptionByResourceID(ctx context.Context, resourceID string) (*Subscription, error) {
	const q = `
		SELECT user_id, calendar_id, channel_id, resource_id, expiration
		FROM subscriptions WHERE resource_id = ?`
	return scanSubscription(s.db.QueryRowContext(ctx, q, resourceID))
}

// DeleteSubscription removes the subscription for the given user and calendar.
func (s *Store) DeleteSubscription(ctx context.Context, userID, calendarID string) error {
	const q = `DELETE FROM subscriptions WHERE user_id = ? AND calendar_id = ?`
	if _, err := s.db.ExecContext(ctx, q, userID, calendarID); err != nil {
		return fmt.Errorf("deleting subscription for user %q: %w", userID, err)
	}
	return nil
}

// ListExpiredSubscriptions returns all subscriptions whose expiration lies
// before now. The renewal sweep re-watches or drops them. The comparison runs
// on parsed times, not on the stored text: RFC 3339 drops trailing zero
// fractions, and a timestamp without a fraction compares lexicographically
// greater than one with.
func (s *Store) ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]*Subscription, error) {
	const q = `
		SELECT user_id, calendar_id, channel_id, resource_id, expiration
		FROM subscriptions WHERE expiration != ''`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying expired subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if !sub.Expiration.IsZero() && sub.Expiration.Before(now) {
			subs = append(subs, sub)
		}
	}
	return subs, rows.Err()
}

func scanSubscription(sc scanner) (*Subscription, error) {
	var sub Subscription
	var exp string

	err := sc.Scan(&sub.UserID, &sub.CalendarID, &sub.ChannelID, &sub.ResourceID, &exp)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning subscription row: %w", err)
	}

	sub.Expiration, _ = parseTime(exp)
	return &sub, nil
}
