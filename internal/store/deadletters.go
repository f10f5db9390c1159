package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EnqueueDeadLetter captures a failed or back-pressured work item for
// later operator replay. id, if empty, is generated; callers that need to
// preserve an outbound idempotency uuid pass it explicitly so a replay
// reuses it.
func (s *Store) EnqueueDeadLetter(ctx context.Context, d DeadLetter) (DeadLetter, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.FirstFailedAt.IsZero() {
		d.FirstFailedAt = now
	}
	d.LastFailedAt = now
	if d.Status == "" {
		d.Status = DeadLetterPending
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letters (id, direction, chat_id, payload_blob, last_error, attempts, status, first_failed_at, last_failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_error=excluded.last_error,
				attempts=dead_letters.attempts + 1,
				status=excluded.status,
				last_failed_at=excluded.last_failed_at`,
			d.ID, string(d.Direction), d.ChatID, d.PayloadBlob, d.LastError, d.Attempts, string(d.Status),
			unixMilli(d.FirstFailedAt), unixMilli(d.LastFailedAt))
		return err
	})
	if err != nil {
		return DeadLetter{}, err
	}
	return d, nil
}

const deadLetterColumns = `id, direction, chat_id, payload_blob, last_error, attempts, status, first_failed_at, last_failed_at`

func scanDeadLetter(row interface{ Scan(...any) error }) (DeadLetter, error) {
	var d DeadLetter
	var direction, status string
	var first, last int64
	err := row.Scan(&d.ID, &direction, &d.ChatID, &d.PayloadBlob, &d.LastError, &d.Attempts, &status, &first, &last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeadLetter{}, ErrNotFound
		}
		return DeadLetter{}, err
	}
	d.Direction = Direction(direction)
	d.Status = DeadLetterStatus(status)
	d.FirstFailedAt = fromMilli(first)
	d.LastFailedAt = fromMilli(last)
	return d, nil
}

// ListDeadLetters returns dead letters matching filter, newest-failed first.
func (s *Store) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	if filter.ChatID != "" {
		query += ` AND chat_id=?`
		args = append(args, filter.ChatID)
	}
	if filter.ID != "" {
		query += ` AND id=?`
		args = append(args, filter.ID)
	}
	if !filter.OlderThan.IsZero() {
		query += ` AND last_failed_at < ?`
		args = append(args, unixMilli(filter.OlderThan))
	}
	query += ` ORDER BY last_failed_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDeadLetters returns per-status row counts for the status endpoint.
func (s *Store) CountDeadLetters(ctx context.Context) (map[DeadLetterStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dead_letters GROUP BY status`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	counts := make(map[DeadLetterStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err)
		}
		counts[DeadLetterStatus(status)] = n
	}
	return counts, rows.Err()
}

// MarkDeadLetter updates a dead letter's status (e.g. replayed, abandoned).
func (s *Store) MarkDeadLetter(ctx context.Context, id string, status DeadLetterStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE dead_letters SET status=? WHERE id=?`, string(status), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CleanupDeadLetters deletes rows matching filter and returns the count
// removed, honoring a dry run that reports the count without deleting.
func (s *Store) CleanupDeadLetters(ctx context.Context, filter DeadLetterFilter, dryRun bool) (int64, error) {
	query := `FROM dead_letters WHERE last_failed_at < ?`
	args := []any{unixMilli(filter.OlderThan)}
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit

	if dryRun {
		countQuery := `SELECT COUNT(*) ` + query
		var n int64
		if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&n); err != nil {
			return 0, classify(err)
		}
		if limit > 0 && n > int64(limit) {
			n = int64(limit)
		}
		return n, nil
	}

	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		delQuery := `DELETE ` + query
		if limit > 0 {
			delQuery = `DELETE FROM dead_letters WHERE id IN (SELECT id ` + query + ` LIMIT ?)`
			args = append(args, limit)
		}
		res, err := tx.ExecContext(ctx, delQuery, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
