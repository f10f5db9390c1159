package store

import "context"

// ListRoomMappings returns room mappings ordered by creation, newest first,
// paged the way the admin API pages everything else.
func (s *Store) ListRoomMappings(ctx context.Context, limit, offset int) ([]RoomMapping, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomMappingColumns+` FROM room_mappings
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []RoomMapping
	for rows.Next() {
		m, err := scanRoomMapping(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUserMappings returns user mappings, most recently synced first.
func (s *Store) ListUserMappings(ctx context.Context, limit, offset int) ([]UserMapping, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userMappingColumns+` FROM user_mappings
		ORDER BY last_synced_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []UserMapping
	for rows.Next() {
		u, err := scanUserMapping(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
