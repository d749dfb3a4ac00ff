package model

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// ParseItemType / Syncable
// ---------------------------------------------------------------------------

func TestParseItemType(t *testing.T) {
	tests := []struct {
		raw     string
		want    ItemType
		wantErr bool
	}{
		{"event", TypeEvent, false},
		{"reminder", TypeReminder, false},
		{"action", TypeAction, false},
		{"Event", TypeEvent, false},
		{"REMINDER", TypeReminder, false},
		{"", "", true},
		{"meeting", "", true},
	}
	for _, tt := range tests {
		got, err := ParseItemType(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseItemType(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseItemType(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestItemType_Syncable(t *testing.T) {
	tests := []struct {
		typ  ItemType
		want bool
	}{
		{TypeEvent, true},
		{TypeReminder, true},
		{TypeAction, false},
		{ItemType("unknown"), false},
	}
	for _, tt := range tests {
		if got := tt.typ.Syncable(); got != tt.want {
			t.Errorf("%v.Syncable() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// EventWindow
// ---------------------------------------------------------------------------

func TestEventWindow_Event(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	item := &Item{Type: TypeEvent, StartDate: start, EndDate: end}

	gotStart, gotEnd, ok := item.EventWindow()
	if !ok {
		t.Fatal("EventWindow() ok = false, want true")
	}
	if !gotStart.Equal(start) || !gotEnd.Equal(end) {
		t.Errorf("EventWindow() = (%v, %v), want (%v, %v)", gotStart, gotEnd, start, end)
	}
}

func TestEventWindow_ReminderProjection(t *testing.T) {
	at := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	item := &Item{Type: TypeReminder, ReminderTime: at}

	start, end, ok := item.EventWindow()
	if !ok {
		t.Fatal("EventWindow() ok = false, want true")
	}
	if !start.Equal(at) {
		t.Errorf("window start = %v, want %v", start, at)
	}
	if got := end.Sub(start); got != ReminderBlockDuration {
		t.Errorf("window length = %v, want %v", got, ReminderBlockDuration)
	}
}

func TestEventWindow_NotSyncable(t *testing.T) {
	tests := []struct {
		name string
		item *Item
	}{
		{"action", &Item{Type: TypeAction, DueDate: time.Now()}},
		{"event without dates", &Item{Type: TypeEvent}},
		{"event missing end", &Item{Type: TypeEvent, StartDate: time.Now()}},
		{"reminder without time", &Item{Type: TypeReminder}},
	}
	for _, tt := range tests {
		if _, _, ok := tt.item.EventWindow(); ok {
			t.Errorf("%s: EventWindow() ok = true, want false", tt.name)
		}
	}
}

// ---------------------------------------------------------------------------
// ProviderTitle
// ---------------------------------------------------------------------------

func TestProviderTitle(t *testing.T) {
	ev := &Item{Type: TypeEvent, Title: "Standup"}
	if got := ev.ProviderTitle(); got != "Standup" {
		t.Errorf("event ProviderTitle() = %q, want %q", got, "Standup")
	}

	rem := &Item{Type: TypeReminder, Title: "Take pills"}
	if got := rem.ProviderTitle(); got != "Reminder: Take pills" {
		t.Errorf("reminder ProviderTitle() = %q, want %q", got, "Reminder: Take pills")
	}
}

// ---------------------------------------------------------------------------
// Reminder prefix encoding / decoding
// ---------------------------------------------------------------------------

func TestDecodeReminderPrefix(t *testing.T) {
	tests := []struct {
		input     string
		wantTitle string
		wantRem   bool
	}{
		{"Reminder: Take pills", "Take pills", true},
		{"Reminder: ", "", true},
		{"Dentist", "Dentist", false},
		{"", "", false},
		// Partial prefix — should NOT match.
		{"Reminder:No space", "Reminder:No space", false},
		{"reminder: lowercase", "reminder: lowercase", false},
	}
	for _, tt := range tests {
		gotTitle, gotRem := DecodeReminderPrefix(tt.input)
		if gotTitle != tt.wantTitle || gotRem != tt.wantRem {
			t.Errorf("DecodeReminderPrefix(%q) = (%q, %v), want (%q, %v)",
				tt.input, gotTitle, gotRem, tt.wantTitle, tt.wantRem)
		}
	}
}

func TestReminderPrefixRoundTrip(t *testing.T) {
	title := "Water the plants"
	encoded := EncodeReminderPrefix(title)
	got, wasReminder := DecodeReminderPrefix(encoded)
	if !wasReminder {
		t.Error("round-trip lost the reminder marker")
	}
	if got != title {
		t.Errorf("round-trip title: got %q, want %q", got, title)
	}
}
