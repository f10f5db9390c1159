package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LookupMedia returns the cached remote key for a content hash on the
// given side, or ErrNotFound if nothing has been cached yet.
func (s *Store) LookupMedia(ctx context.Context, sha256 string, side Side) (MediaCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT content_sha256, side, remote_key, size_bytes, mime_type, created_at
		FROM media_cache WHERE content_sha256=? AND side=?`, sha256, string(side))
	var e MediaCacheEntry
	var sideStr string
	var created int64
	err := row.Scan(&e.ContentSHA256, &sideStr, &e.RemoteKey, &e.SizeBytes, &e.MimeType, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MediaCacheEntry{}, ErrNotFound
		}
		return MediaCacheEntry{}, classify(err)
	}
	e.Side = Side(sideStr)
	e.CreatedAt = fromMilli(created)
	return e, nil
}

// RememberMedia records a freshly uploaded asset so future uploads of the
// same content hash can be skipped. The in-memory collapsing of concurrent
// identical uploads lives in the Bridging Engine; this is the durable half
// that survives a restart.
func (s *Store) RememberMedia(ctx context.Context, e MediaCacheEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO media_cache (content_sha256, side, remote_key, size_bytes, mime_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_sha256, side) DO NOTHING`,
			e.ContentSHA256, string(e.Side), e.RemoteKey, e.SizeBytes, e.MimeType, unixMilli(time.Now().UTC()))
		return err
	})
}
