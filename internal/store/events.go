package store

import (
	"context"
	"database/sql"
	"time"
)

// DedupeResult reports whether record_processed_event observed a fresh or
// previously-seen key.
type DedupeResult string

const (
	DedupeFresh     DedupeResult = "fresh"
	DedupeDuplicate DedupeResult = "duplicate"
)

// RecordProcessedEvent is the sole idempotency gate the webhook receiver
// and outbound dispatcher consult before doing any work. It inserts
// unconditionally on conflict-free paths, and distinguishes the duplicate
// case via RowsAffected rather than a preceding SELECT, so there is no
// read-then-write race between concurrent callers.
func (s *Store) RecordProcessedEvent(ctx context.Context, source EventSource, dedupeKey string) (DedupeResult, error) {
	var result DedupeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO processed_events (source, dedupe_key, first_seen_at)
			VALUES (?, ?, ?)
			ON CONFLICT(source, dedupe_key) DO NOTHING`,
			string(source), dedupeKey, unixMilli(time.Now().UTC()))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			result = DedupeDuplicate
		} else {
			result = DedupeFresh
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// PruneProcessedEvents deletes idempotency rows older than ttl.
func (s *Store) PruneProcessedEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := unixMilli(time.Now().UTC().Add(-ttl))
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM processed_events WHERE first_seen_at < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
