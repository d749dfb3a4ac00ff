package sync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/njoerd114/calsync/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTitlesMatch(t *testing.T) {
	tests := []struct {
		summary, title string
		want           bool
	}{
		{"Dentist", "Dentist", true},
		{"Reminder: Pills", "Pills", true},
		{"Reminder: Pills", "Reminder: Pills", true},
		{"Dentist", "Dentist appointment", false},
		{"dentist", "Dentist", false}, // title comparison is case-sensitive
		{"Pills", "Reminder: Pills", false},
	}
	for _, tt := range tests {
		if got := titlesMatch(tt.summary, tt.title); got != tt.want {
			t.Errorf("titlesMatch(%q, %q) = %v, want %v", tt.summary, tt.title, got, tt.want)
		}
	}
}

func TestWithinTolerance(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b time.Time
		want bool
	}{
		{"identical", base, base, true},
		{"five minutes later", base.Add(5 * time.Minute), base, true},
		{"five minutes earlier", base.Add(-5 * time.Minute), base, true},
		{"just over", base.Add(5*time.Minute + time.Second), base, false},
		{"just under from below", base.Add(-5*time.Minute - time.Second), base, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinTolerance(tt.a, tt.b); got != tt.want {
				t.Errorf("withinTolerance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchRemote(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []model.RemoteEvent{
		{ID: "ev-1", Summary: "Dentist", Start: base, End: base.Add(time.Hour)},
		{ID: "ev-2", Summary: "Standup", Start: base.Add(2 * time.Hour), End: base.Add(3 * time.Hour)},
	}

	// ---- Scenario 1: same title, start 3 minutes off → match ----
	if ev := matchRemote(events, "Dentist", base.Add(3*time.Minute)); ev == nil || ev.ID != "ev-1" {
		t.Errorf("match = %v, want ev-1", ev)
	}

	// ---- Scenario 2: same title, start 10 minutes off → no match ----
	if ev := matchRemote(events, "Dentist", base.Add(10*time.Minute)); ev != nil {
		t.Errorf("match = %v, want nil (outside start tolerance)", ev)
	}

	// ---- Scenario 3: same start, different title → no match ----
	if ev := matchRemote(events, "Orthodontist", base); ev != nil {
		t.Errorf("match = %v, want nil (titles differ)", ev)
	}
}

func TestMatchLocal(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	ev := &model.RemoteEvent{ID: "ev-1", Summary: "Dentist", Start: base, End: base.Add(time.Hour)}

	// ---- Scenario 1: unlinked event item with matching title and start ----
	local := []model.Item{
		{ID: "i-1", Type: model.TypeEvent, Title: "Dentist", StartDate: base.Add(2 * time.Minute), EndDate: base.Add(time.Hour)},
	}
	if m := matchLocal(local, ev); m == nil || m.ID != "i-1" {
		t.Errorf("match = %v, want i-1", m)
	}

	// ---- Scenario 2: an already-linked item is never stolen ----
	local[0].ExternalEventID = "ev-other"
	if m := matchLocal(local, ev); m != nil {
		t.Errorf("match = %v, want nil (item already linked)", m)
	}

	// ---- Scenario 3: Actions never match ----
	local = []model.Item{
		{ID: "i-2", Type: model.TypeAction, Title: "Dentist", DueDate: base},
	}
	if m := matchLocal(local, ev); m != nil {
		t.Errorf("match = %v, want nil (actions are not syncable)", m)
	}

	// ---- Scenario 4: reminder matches via the marker prefix ----
	rem := &model.RemoteEvent{ID: "ev-2", Summary: "Reminder: Pills", Start: base, End: base.Add(15 * time.Minute)}
	local = []model.Item{
		{ID: "i-3", Type: model.TypeReminder, Title: "Pills", ReminderTime: base},
	}
	if m := matchLocal(local, rem); m == nil || m.ID != "i-3" {
		t.Errorf("match = %v, want i-3", m)
	}
}

func TestResolverFindMatch(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	provider := newFakeProvider(
		model.RemoteEvent{ID: "ev-1", Summary: "Dentist", Start: base, End: base.Add(time.Hour)},
	)
	r := NewResolver(provider, "primary", testLogger())

	ev, err := r.FindMatch(context.Background(), "tok", "Dentist", base.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if ev == nil || ev.ID != "ev-1" {
		t.Errorf("match = %v, want ev-1", ev)
	}

	ev, err = r.FindMatch(context.Background(), "tok", "Lunch", base)
	if err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if ev != nil {
		t.Errorf("match = %v, want nil", ev)
	}
}
