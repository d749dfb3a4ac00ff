package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/calsync/internal/state"
)

// renewalLeeway is how long before a channel's expiration the renewal sweep
// re-watches it. Provider channels expire after roughly a week; renewing a
// few hours early keeps notification coverage gap-free.
const renewalLeeway = 6 * time.Hour

// ErrNoSubscription is returned by [SubscriptionManager.Unsubscribe] when the
// user has no registered push channel.
var ErrNoSubscription = errors.New("no subscription registered")

// SubscriptionManager owns provider push channels: creating them, replacing
// them before they expire, and tearing them down. Create one with
// [NewSubscriptionManager] and start the renewal sweep with
// [SubscriptionManager.Run].
type SubscriptionManager struct {
	provider      CalendarProvider
	subs          SubscriptionStore
	creds         Credentials
	webhookURL    string
	calendarID    string
	sweepInterval time.Duration
	log           *slog.Logger
}

// NewSubscriptionManager creates a SubscriptionManager. webhookURL is the
// public HTTPS address the provider delivers notifications to.
func NewSubscriptionManager(provider CalendarProvider, subs SubscriptionStore, creds Credentials, webhookURL, calendarID string, sweepInterval time.Duration, logger *slog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		provider:      provider,
		subs:          subs,
		creds:         creds,
		webhookURL:    webhookURL,
		calendarID:    calendarID,
		sweepInterval: sweepInterval,
		log:           logger,
	}
}

// Subscribe opens a push channel for the user's calendar and registers it.
// An existing channel for the same user and calendar is stopped first, so
// Subscribe is safe to call repeatedly.
func (m *SubscriptionManager) Subscribe(ctx context.Context, token, userID string) (*state.Subscription, error) {
	existing, err := m.subs.GetSubscription(ctx, userID, m.calendarID)
	if err != nil {
		return nil, fmt.Errorf("looking up subscription for user %q: %w", userID, err)
	}
	if existing != nil {
		// Best-effort: a channel we fail to stop expires on its own, and its
		// notifications resolve to the new registry row via the resource id.
		if err := m.provider.StopWatch(ctx, token, existing.ChannelID, existing.ResourceID); err != nil {
			m.log.Warn("stopping previous channel failed",
				"channel_id", existing.ChannelID,
				"error", err,
			)
		}
	}

	ch, err := m.provider.Watch(ctx, token, m.calendarID, m.webhookURL)
	if err != nil {
		return nil, fmt.Errorf("opening watch channel for user %q: %w", userID, err)
	}

	sub := &state.Subscription{
		UserID:     userID,
		CalendarID: m.calendarID,
		ChannelID:  ch.ChannelID,
		ResourceID: ch.ResourceID,
		Expiration: ch.Expiration,
	}
	if err := m.subs.UpsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("registering subscription for user %q: %w", userID, err)
	}

	m.log.Info("subscription registered",
		"user_id", userID,
		"channel_id", ch.ChannelID,
		"resource_id", ch.ResourceID,
		"expiration", ch.Expiration,
	)
	return sub, nil
}

// Unsubscribe stops the user's push channel and removes it from the registry.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, token, userID string) error {
	sub, err := m.subs.GetSubscription(ctx, userID, m.calendarID)
	if err != nil {
		return fmt.Errorf("looking up subscription for user %q: %w", userID, err)
	}
	if sub == nil {
		return ErrNoSubscription
	}

	// The registry row goes regardless: a channel the provider failed to stop
	// just produces notifications that no longer resolve to a user.
	if err := m.provider.StopWatch(ctx, token, sub.ChannelID, sub.ResourceID); err != nil {
		m.log.Warn("stopping channel failed", "channel_id", sub.ChannelID, "error", err)
	}
	if err := m.subs.DeleteSubscription(ctx, userID, m.calendarID); err != nil {
		return fmt.Errorf("deleting subscription for user %q: %w", userID, err)
	}

	m.log.Info("subscription removed", "user_id", userID, "channel_id", sub.ChannelID)
	return nil
}

// RenewExpired re-watches every subscription expiring within renewalLeeway of
// now. It continues past individual failures and returns the first error.
func (m *SubscriptionManager) RenewExpired(ctx context.Context, now time.Time) error {
	expiring, err := m.subs.ListExpiredSubscriptions(ctx, now.Add(renewalLeeway))
	if err != nil {
		return fmt.Errorf("listing expiring subscriptions: %w", err)
	}

	var firstErr error
	for _, sub := range expiring {
		if err := m.renew(ctx, sub); err != nil {
			m.log.Error("renewing subscription failed",
				"user_id", sub.UserID,
				"channel_id", sub.ChannelID,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *SubscriptionManager) renew(ctx context.Context, sub *state.Subscription) error {
	token, err := m.creds.GoogleTokenForUser(ctx, sub.UserID)
	if err != nil {
		return fmt.Errorf("obtaining provider token: %w", err)
	}

	if err := m.provider.StopWatch(ctx, token, sub.ChannelID, sub.ResourceID); err != nil {
		m.log.Warn("stopping expiring channel failed", "channel_id", sub.ChannelID, "error", err)
	}

	ch, err := m.provider.Watch(ctx, token, sub.CalendarID, m.webhookURL)
	if err != nil {
		return fmt.Errorf("opening replacement channel: %w", err)
	}

	renewed := &state.Subscription{
		UserID:     sub.UserID,
		CalendarID: sub.CalendarID,
		ChannelID:  ch.ChannelID,
		ResourceID: ch.ResourceID,
		Expiration: ch.Expiration,
	}
	if err := m.subs.UpsertSubscription(ctx, renewed); err != nil {
		return fmt.Errorf("registering renewed subscription: %w", err)
	}

	m.log.Info("subscription renewed",
		"user_id", sub.UserID,
		"channel_id", ch.ChannelID,
		"expiration", ch.Expiration,
	)
	return nil
}

// Run starts the periodic renewal sweep. It blocks until ctx is cancelled.
func (m *SubscriptionManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	// Run an immediate first sweep to cover channels that expired while the
	// service was down.
	if err := m.RenewExpired(ctx, time.Now().UTC()); err != nil {
		m.log.Error("initial renewal sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			m.log.Info("subscription manager shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := m.RenewExpired(ctx, time.Now().UTC()); err != nil {
				m.log.Error("renewal sweep failed", "error", err)
			}
		}
	}
}
