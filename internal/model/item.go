// Package model defines shared types used across the sync engine and adapters.
package model

import (
	"fmt"
	"strings"
	"time"
)

// ReminderBlockDuration is the length of the calendar block a Reminder is
// projected to on the provider side. Reminders have a point-in-time trigger,
// not a span, so the engine materialises them as short fixed-size events.
const ReminderBlockDuration = 15 * time.Minute

// ItemType classifies an item in the item store. Only Reminders and Events
// participate in calendar sync; Actions carry a due date but are never pushed
// to the provider.
type ItemType string

const (
	TypeAction   ItemType = "action"
	TypeReminder ItemType = "reminder"
	TypeEvent    ItemType = "event"
)

// String returns the wire name of the item type.
func (t ItemType) String() string { return string(t) }

// ParseItemType maps a wire string to an ItemType.
func ParseItemType(raw string) (ItemType, error) {
	switch ItemType(strings.ToLower(raw)) {
	case TypeAction:
		return TypeAction, nil
	case TypeReminder:
		return TypeReminder, nil
	case TypeEvent:
		return TypeEvent, nil
	}
	return "", fmt.Errorf("unknown item type %q", raw)
}

// Syncable reports whether items of this type are pushed to the calendar
// provider at all.
func (t ItemType) Syncable() bool {
	return t == TypeReminder || t == TypeEvent
}

// Item is the normalised representation of an item-store record shared
// between the item-store adapter and the sync engine. Which time fields are
// populated depends on Type: Events carry StartDate/EndDate, Reminders carry
// ReminderTime, Actions carry DueDate.
type Item struct {
	// ID is the item store's identifier for this record.
	ID string

	// UserID is the owning user.
	UserID string

	Type        ItemType
	Title       string
	Description string
	Location    string

	// StartDate/EndDate span an Event.
	StartDate time.Time
	EndDate   time.Time

	// ReminderTime is the trigger instant of a Reminder.
	ReminderTime time.Time

	// DueDate belongs to Actions and is never synced.
	DueDate time.Time

	// ExternalEventID is the provider's event id once the item is linked.
	// Empty for items that have never been pushed or matched.
	ExternalEventID string

	// UpdatedAt is the item store's last-modified timestamp.
	UpdatedAt time.Time
}

// EventWindow returns the provider-side time block for a syncable item:
// the item's own span for Events, a ReminderBlockDuration block starting at
// ReminderTime for Reminders. ok is false for Actions and for items whose
// time fields are unset.
func (i *Item) EventWindow() (start, end time.Time, ok bool) {
	switch i.Type {
	case TypeEvent:
		if i.StartDate.IsZero() || i.EndDate.IsZero() {
			return time.Time{}, time.Time{}, false
		}
		return i.StartDate, i.EndDate, true
	case TypeReminder:
		if i.ReminderTime.IsZero() {
			return time.Time{}, time.Time{}, false
		}
		return i.ReminderTime, i.ReminderTime.Add(ReminderBlockDuration), true
	}
	return time.Time{}, time.Time{}, false
}

// ProviderTitle returns the summary pushed to the provider: Reminder titles
// carry the marker prefix so they are recognisable in the provider UI and
// reversible on the way back.
func (i *Item) ProviderTitle() string {
	if i.Type == TypeReminder {
		return EncodeReminderPrefix(i.Title)
	}
	return i.Title
}

// RemoteEvent is the transient representation of a provider event. It is
// fetched, compared, and discarded — never persisted verbatim.
type RemoteEvent struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time

	// Updated is the provider's own modification timestamp, the input to
	// last-writer-wins comparison against the sync ledger.
	Updated time.Time
}

// --- Reminder marker prefix ---------------------------------------------------

const reminderPrefix = "Reminder: "

// EncodeReminderPrefix prepends the reminder marker to a title for storage on
// the provider, which has no native reminder concept.
func EncodeReminderPrefix(title string) string {
	return reminderPrefix + title
}

// DecodeReminderPrefix strips the reminder marker from a provider summary and
// reports whether it was present.
func DecodeReminderPrefix(summary string) (title string, wasReminder bool) {
	if strings.HasPrefix(summary, reminderPrefix) {
		return summary[len(reminderPrefix):], true
	}
	return summary, false
}
