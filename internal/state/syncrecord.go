package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncRecord maps one provider event to one local item, plus the two
// timestamps that drive loop suppression: the most recent change the engine
// has seen from the provider, and the most recent change the engine itself
// pushed to the provider.
//
// The schema guarantees at most one record per ExternalEventID and at most
// one per ItemID. A write that would violate either uniqueness deletes the
// stale record first — the mapping itself is last-write-wins.
type SyncRecord struct {
	ExternalEventID    string
	ItemID             string
	LastRemoteModified time.Time
	LastLocalModified  time.Time

	// Busy is set while a push to the provider is in flight. Advisory only;
	// no code path blocks on it.
	Busy bool
}

// RecordLocalChange marks that the engine is about to push (or has just
// pushed) a local change for itemID to the provider event externalEventID.
// Any record binding itemID to a different event is removed first, then the
// record keyed by externalEventID is upserted with LastLocalModified = now
// and Busy set.
func (s *Store) RecordLocalChange(ctx context.Context, itemID, externalEventID string) error {
	now := formatTime(time.Now().UTC())

	if err := s.deleteStaleMappings(ctx, itemID, externalEventID); err != nil {
		return err
	}

	const q = `
		INSERT INTO sync_records (external_event_id, item_id, last_local_modified, busy)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(external_event_id) DO UPDATE SET
		    item_id             = excluded.item_id,
		    last_local_modified = excluded.last_local_modified,
		    busy                = 1`
	if _, err := s.db.ExecContext(ctx, q, externalEventID, itemID, now); err != nil {
		return fmt.Errorf("recording local change for event %q: %w", externalEventID, err)
	}
	return nil
}

// RecordRemoteChange marks that a provider-originated change for
// externalEventID has been applied to itemID locally. LastLocalModified is
// preserved for existing records (it defaults to now for brand-new ones, so a
// freshly linked event does not immediately re-apply its own echo), and Busy
// is cleared.
func (s *Store) RecordRemoteChange(ctx context.Context, itemID, externalEventID string, remoteModifiedAt time.Time) error {
	now := formatTime(time.Now().UTC())

	if err := s.deleteStaleMappings(ctx, itemID, externalEventID); err != nil {
		return err
	}

	const q = `
		INSERT INTO sync_records (external_event_id, item_id, last_remote_modified, last_local_modified, busy)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(external_event_id) DO UPDATE SET
		    item_id              = excluded.item_id,
		    last_remote_modified = excluded.last_remote_modified,
		    busy                 = 0`
	if _, err := s.db.ExecContext(ctx, q, externalEventID, itemID, formatTime(remoteModifiedAt), now); err != nil {
		return fmt.Errorf("recording remote change for event %q: %w", externalEventID, err)
	}
	return nil
}

// deleteStaleMappings removes any record that binds itemID to a different
// provider event. Required before an upsert keyed by external_event_id, which
// would otherwise trip the unique index on item_id.
func (s *Store) deleteStaleMappings(ctx context.Context, itemID, externalEventID string) error {
	const q = `DELETE FROM sync_records WHERE item_id = ? AND external_event_id != ?`
	if _, err := s.db.ExecContext(ctx, q, itemID, externalEventID); err != nil {
		return fmt.Errorf("removing stale mappings for item %q: %w", itemID, err)
	}
	return nil
}

// ShouldApplyRemoteChange reports whether a provider change with the given
// modification timestamp must be processed: true when the event has never
// been seen, or when the provider's timestamp is strictly newer than the last
// push the engine itself made. This comparison is the loop breaker — a
// notification caused by our own push carries a timestamp at or before
// LastLocalModified and is suppressed.
func (s *Store) ShouldApplyRemoteChange(ctx context.Context, externalEventID string, remoteModifiedAt time.Time) (bool, error) {
	const q = `SELECT last_local_modified FROM sync_records WHERE external_event_id = ?`

	var lastLocal string
	err := s.db.QueryRowContext(ctx, q, externalEventID).Scan(&lastLocal)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up sync record %q: %w", externalEventID, err)
	}

	t, err := parseTime(lastLocal)
	if err != nil {
		return false, fmt.Errorf("parsing last_local_modified for %q: %w", externalEventID, err)
	}
	return remoteModifiedAt.After(t), nil
}

// GetRecord returns the sync record for the given provider event id,
// or (nil, nil) if no such record exists.
func (s *Store) GetRecord(ctx context.Context, externalEventID string) (*SyncRecord, error) {
	const q = `
		SELECT external_event_id, item_id, last_remote_modified, last_local_modified, busy
		FROM sync_records WHERE external_event_id = ?`
	return scanSyncRecord(s.db.QueryRowContext(ctx, q, externalEventID))
}

// GetRecordByItemID returns the sync record for the given local item id,
// or (nil, nil) if no such record exists.
func (s *Store) GetRecordByItemID(ctx context.Context, itemID string) (*SyncRecord, error) {
	const q = `
		SELECT external_event_id, item_id, last_remote_modified, last_local_modified, busy
		FROM sync_records WHERE item_id = ?`
	return scanSyncRecord(s.db.QueryRowContext(ctx, q, itemID))
}

// DeleteRecord removes the sync record keyed by the provider event id.
// Deleting a record that does not exist is not an error.
func (s *Store) DeleteRecord(ctx context.Context, externalEventID string) error {
	const q = `DELETE FROM sync_records WHERE external_event_id = ?`
	if _, err := s.db.ExecContext(ctx, q, externalEventID); err != nil {
		return fmt.Errorf("deleting sync record %q: %w", externalEventID, err)
	}
	return nil
}

// DeleteRecordByItemID removes the sync record for a local item. Called as
// cascading cleanup when the item itself is deleted.
func (s *Store) DeleteRecordByItemID(ctx context.Context, itemID string) error {
	const q = `DELETE FROM sync_records WHERE item_id = ?`
	if _, err := s.db.ExecContext(ctx, q, itemID); err != nil {
		return fmt.Errorf("deleting sync record for item %q: %w", itemID, err)
	}
	return nil
}

// CountRecords returns the number of sync records. Used by tests and the
// status command.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_records`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting sync records: %w", err)
	}
	return count, nil
}

func scanSyncRecord(sc scanner) (*SyncRecord, error) {
	var rec SyncRecord
	var remoteMod, localMod string
	var busy int

	err := sc.Scan(&rec.ExternalEventID, &rec.ItemID, &remoteMod, &localMod, &busy)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync record row: %w", err)
	}

	rec.LastRemoteModified, _ = parseTime(remoteMod)
	rec.LastLocalModified, _ = parseTime(localMod)
	rec.Busy = busy != 0

	return &rec, nil
}
