package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/njoerd114/calsync/internal/gcal"
	"github.com/njoerd114/calsync/internal/model"
	"github.com/njoerd114/calsync/internal/state"
)

// --- Fake calendar provider ---------------------------------------------------

type fakeProvider struct {
	mu      sync.Mutex
	events  map[string]model.RemoteEvent
	order   []string // insertion order, so listings are deterministic
	skipped []string // ids reported as listed-but-unconvertible (all-day)
	nextID  int
	stopped [][2]string // (channelID, resourceID) pairs passed to StopWatch

	createCalls int
	listCalls   int
	watchCalls  int

	listErr  error
	watchErr error
	stopErr  error
}

func newFakeProvider(events ...model.RemoteEvent) *fakeProvider {
	p := &fakeProvider{events: make(map[string]model.RemoteEvent)}
	for _, ev := range events {
		p.events[ev.ID] = ev
		p.order = append(p.order, ev.ID)
	}
	return p
}

func (p *fakeProvider) CreateEvent(_ context.Context, _, _ string, ev *model.RemoteEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.createCalls++
	p.nextID++
	id := fmt.Sprintf("ev-new-%d", p.nextID)
	cp := *ev
	cp.ID = id
	p.events[id] = cp
	p.order = append(p.order, id)
	return id, nil
}

func (p *fakeProvider) UpdateEvent(_ context.Context, _, _ string, ev *model.RemoteEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.events[ev.ID]; !ok {
		return fmt.Errorf("updating event %q: %w", ev.ID, gcal.ErrNotFound)
	}
	p.events[ev.ID] = *ev
	return nil
}

func (p *fakeProvider) DeleteEvent(_ context.Context, _, _, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.events[eventID]; !ok {
		return fmt.Errorf("deleting event %q: %w", eventID, gcal.ErrNotFound)
	}
	delete(p.events, eventID)
	return nil
}

func (p *fakeProvider) GetEvent(_ context.Context, _, _, eventID string) (*model.RemoteEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev, ok := p.events[eventID]
	if !ok {
		return nil, fmt.Errorf("getting event %q: %w", eventID, gcal.ErrNotFound)
	}
	cp := ev
	return &cp, nil
}

func (p *fakeProvider) ListEvents(_ context.Context, _, _ string, timeMin, timeMax time.Time) ([]model.RemoteEvent, []string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.listCalls++
	if p.listErr != nil {
		return nil, nil, p.listErr
	}

	var result []model.RemoteEvent
	for _, id := range p.order {
		ev, ok := p.events[id]
		if !ok {
			continue
		}
		if ev.Start.Before(timeMax) && ev.End.After(timeMin) {
			result = append(result, ev)
		}
	}
	return result, append([]string(nil), p.skipped...), nil
}

func (p *fakeProvider) Watch(_ context.Context, _, _, _ string) (*gcal.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.watchCalls++
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	p.nextID++
	return &gcal.Channel{
		ChannelID:  fmt.Sprintf("ch-%d", p.nextID),
		ResourceID: fmt.Sprintf("res-%d", p.nextID),
		Expiration: time.Now().UTC().Add(7 * 24 * time.Hour),
	}, nil
}

func (p *fakeProvider) StopWatch(_ context.Context, _, channelID, resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopErr != nil {
		return p.stopErr
	}
	p.stopped = append(p.stopped, [2]string{channelID, resourceID})
	return nil
}

func (p *fakeProvider) get(eventID string) *model.RemoteEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.events[eventID]
	if !ok {
		return nil
	}
	cp := ev
	return &cp
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// --- Fake item store ----------------------------------------------------------

type fakeItems struct {
	mu     sync.Mutex
	items  map[string]model.Item
	order  []string
	nextID int

	createCalls int
}

func newFakeItems(items ...model.Item) *fakeItems {
	f := &fakeItems{items: make(map[string]model.Item)}
	for _, item := range items {
		f.items[item.ID] = item
		f.order = append(f.order, item.ID)
	}
	return f
}

func (f *fakeItems) ListWindow(_ context.Context, _ string, start, end time.Time) ([]model.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []model.Item
	for _, id := range f.order {
		item, ok := f.items[id]
		if !ok {
			continue
		}
		s, e, ok := item.EventWindow()
		if !ok {
			continue
		}
		if s.Before(end) && e.After(start) {
			result = append(result, item)
		}
	}
	return result, nil
}

func (f *fakeItems) GetByExternalEventID(_ context.Context, _, externalEventID string) (*model.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findByExternalLocked(externalEventID), nil
}

func (f *fakeItems) CreateFromRemote(_ context.Context, _ string, item *model.Item) (*model.Item, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if existing := f.findByExternalLocked(item.ExternalEventID); existing != nil {
		return existing, false, nil
	}

	f.nextID++
	cp := *item
	cp.ID = fmt.Sprintf("item-new-%d", f.nextID)
	cp.UpdatedAt = time.Now().UTC()
	f.items[cp.ID] = cp
	f.order = append(f.order, cp.ID)
	out := cp
	return &out, true, nil
}

func (f *fakeItems) Update(_ context.Context, _ string, item *model.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.items[item.ID]; !ok {
		return fmt.Errorf("item %q not found", item.ID)
	}
	f.items[item.ID] = *item
	return nil
}

func (f *fakeItems) SetExternalEventID(_ context.Context, _, itemID, externalEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[itemID]
	if !ok {
		return fmt.Errorf("item %q not found", itemID)
	}
	item.ExternalEventID = externalEventID
	f.items[itemID] = item
	return nil
}

func (f *fakeItems) Delete(_ context.Context, _, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, itemID)
	return nil
}

func (f *fakeItems) findByExternalLocked(externalEventID string) *model.Item {
	if externalEventID == "" {
		return nil
	}
	for _, id := range f.order {
		item, ok := f.items[id]
		if !ok {
			continue
		}
		if item.ExternalEventID == externalEventID {
			cp := item
			return &cp
		}
	}
	return nil
}

func (f *fakeItems) get(itemID string) *model.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemID]
	if !ok {
		return nil
	}
	cp := item
	return &cp
}

func (f *fakeItems) byExternal(externalEventID string) *model.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findByExternalLocked(externalEventID)
}

func (f *fakeItems) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// --- Fake ledger --------------------------------------------------------------

// fakeLedger mirrors the semantics of the SQLite-backed store: one record per
// event id, one per item id, last-write-wins on the mapping itself.
type fakeLedger struct {
	mu      sync.Mutex
	records map[string]*state.SyncRecord // keyed by ExternalEventID
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]*state.SyncRecord)}
}

func (l *fakeLedger) deleteStaleLocked(itemID, externalEventID string) {
	for id, rec := range l.records {
		if rec.ItemID == itemID && id != externalEventID {
			delete(l.records, id)
		}
	}
}

func (l *fakeLedger) RecordLocalChange(_ context.Context, itemID, externalEventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.deleteStaleLocked(itemID, externalEventID)
	rec, ok := l.records[externalEventID]
	if !ok {
		rec = &state.SyncRecord{ExternalEventID: externalEventID}
		l.records[externalEventID] = rec
	}
	rec.ItemID = itemID
	rec.LastLocalModified = time.Now().UTC()
	rec.Busy = true
	return nil
}

func (l *fakeLedger) RecordRemoteChange(_ context.Context, itemID, externalEventID string, remoteModifiedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.deleteStaleLocked(itemID, externalEventID)
	rec, ok := l.records[externalEventID]
	if !ok {
		rec = &state.SyncRecord{
			ExternalEventID:   externalEventID,
			LastLocalModified: time.Now().UTC(),
		}
		l.records[externalEventID] = rec
	}
	rec.ItemID = itemID
	rec.LastRemoteModified = remoteModifiedAt
	rec.Busy = false
	return nil
}

func (l *fakeLedger) ShouldApplyRemoteChange(_ context.Context, externalEventID string, remoteModifiedAt time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[externalEventID]
	if !ok {
		return true, nil
	}
	return remoteModifiedAt.After(rec.LastLocalModified), nil
}

func (l *fakeLedger) GetRecordByItemID(_ context.Context, itemID string) (*state.SyncRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if rec.ItemID == itemID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) DeleteRecord(_ context.Context, externalEventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, externalEventID)
	return nil
}

func (l *fakeLedger) DeleteRecordByItemID(_ context.Context, itemID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleteStaleLocked(itemID, "")
	return nil
}

func (l *fakeLedger) get(externalEventID string) *state.SyncRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[externalEventID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// setLastLocal backdates or advances a record's LastLocalModified so tests
// can position the loop-suppression watermark precisely.
func (l *fakeLedger) setLastLocal(externalEventID string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[externalEventID]; ok {
		rec.LastLocalModified = t
	}
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// --- Fake subscription store --------------------------------------------------

type fakeSubs struct {
	mu   sync.Mutex
	subs map[string]*state.Subscription // keyed by userID + "/" + calendarID
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{subs: make(map[string]*state.Subscription)}
}

func (s *fakeSubs) UpsertSubscription(_ context.Context, sub *state.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, existing := range s.subs {
		if existing.ResourceID == sub.ResourceID && key != sub.UserID+"/"+sub.CalendarID {
			delete(s.subs, key)
		}
	}
	cp := *sub
	s.subs[sub.UserID+"/"+sub.CalendarID] = &cp
	return nil
}

func (s *fakeSubs) GetSubscription(_ context.Context, userID, calendarID string) (*state.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[userID+"/"+calendarID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (s *fakeSubs) GetSubscriptionByResourceID(_ context.Context, resourceID string) (*state.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if sub.ResourceID == resourceID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeSubs) DeleteSubscription(_ context.Context, userID, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, userID+"/"+calendarID)
	return nil
}

func (s *fakeSubs) ListExpiredSubscriptions(_ context.Context, now time.Time) ([]*state.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*state.Subscription
	for _, sub := range s.subs {
		if !sub.Expiration.IsZero() && sub.Expiration.Before(now) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *fakeSubs) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// --- Fake credentials ---------------------------------------------------------

type fakeCreds struct {
	serviceCalls int
	err          error
}

func (c *fakeCreds) GoogleToken(_ context.Context, userJWT string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "provider-token-for-" + userJWT, nil
}

func (c *fakeCreds) GoogleTokenForUser(_ context.Context, userID string) (string, error) {
	c.serviceCalls++
	if c.err != nil {
		return "", c.err
	}
	return "service-token-for-" + userID, nil
}

func (c *fakeCreds) ResolveUser(_ context.Context, userJWT string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "user-of-" + userJWT, nil
}
