package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func unixMilli(t time.Time) int64  { return t.UnixMilli() }
func fromMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// UpsertRoomMapping inserts a new RoomMapping or updates the mutable fields
// of an existing one matched by matrix_room_id. Returns ConflictError only
// when the feishu_chat_id half of the unique pair collides with a
// *different* room — the caller then decides whether that is a genuine
// conflict or a re-observation.
func (s *Store) UpsertRoomMapping(ctx context.Context, m RoomMapping) (RoomMapping, error) {
	var out RoomMapping
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		existing, err := getRoomByMatrixTx(ctx, tx, m.MatrixRoomID)
		switch {
		case errors.Is(err, ErrNotFound):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO room_mappings
					(matrix_room_id, feishu_chat_id, chat_type, thread_mode, display_name, owner_identity, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.MatrixRoomID, m.FeishuChatID, string(orDefault(string(m.ChatType), string(ChatTypeGroup))),
				string(orDefault(string(m.ThreadMode), string(ThreadModeOff))), m.DisplayName, m.OwnerIdentity,
				string(orDefault(string(m.Status), string(RoomStatusActive))), unixMilli(now), unixMilli(now))
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			out = m
			out.ID = id
			out.ChatType = ChatType(orDefault(string(m.ChatType), string(ChatTypeGroup)))
			out.ThreadMode = ThreadMode(orDefault(string(m.ThreadMode), string(ThreadModeOff)))
			out.Status = RoomStatus(orDefault(string(m.Status), string(RoomStatusActive)))
			out.CreatedAt, out.UpdatedAt = now, now
			return nil
		case err != nil:
			return err
		default:
			if m.ChatType != "" {
				existing.ChatType = m.ChatType
			}
			if m.ThreadMode != "" {
				existing.ThreadMode = m.ThreadMode
			}
			if m.DisplayName != "" {
				existing.DisplayName = m.DisplayName
			}
			if m.Status != "" {
				existing.Status = m.Status
			}
			existing.UpdatedAt = now
			_, err := tx.ExecContext(ctx, `
				UPDATE room_mappings SET chat_type=?, thread_mode=?, display_name=?, status=?, updated_at=?
				WHERE id=?`,
				string(existing.ChatType), string(existing.ThreadMode), existing.DisplayName, string(existing.Status), unixMilli(now), existing.ID)
			if err != nil {
				return err
			}
			out = existing
			return nil
		}
	})
	if err != nil {
		return RoomMapping{}, err
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func scanRoomMapping(row interface{ Scan(...any) error }) (RoomMapping, error) {
	var m RoomMapping
	var chatType, threadMode, status string
	var created, updated int64
	err := row.Scan(&m.ID, &m.MatrixRoomID, &m.FeishuChatID, &chatType, &threadMode,
		&m.DisplayName, &m.OwnerIdentity, &status, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoomMapping{}, ErrNotFound
		}
		return RoomMapping{}, err
	}
	m.ChatType = ChatType(chatType)
	m.ThreadMode = ThreadMode(threadMode)
	m.Status = RoomStatus(status)
	m.CreatedAt = fromMilli(created)
	m.UpdatedAt = fromMilli(updated)
	return m, nil
}

const roomMappingColumns = `id, matrix_room_id, feishu_chat_id, chat_type, thread_mode, display_name, owner_identity, status, created_at, updated_at`

func getRoomByMatrixTx(ctx context.Context, tx *sql.Tx, matrixRoomID string) (RoomMapping, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+roomMappingColumns+` FROM room_mappings WHERE matrix_room_id=?`, matrixRoomID)
	return scanRoomMapping(row)
}

// GetRoomByMatrix looks up a RoomMapping by its Matrix room id.
func (s *Store) GetRoomByMatrix(ctx context.Context, matrixRoomID string) (RoomMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomMappingColumns+` FROM room_mappings WHERE matrix_room_id=?`, matrixRoomID)
	m, err := scanRoomMapping(row)
	if err != nil {
		return RoomMapping{}, classify(err)
	}
	return m, nil
}

// GetRoomByFeishu looks up a RoomMapping by its Feishu chat id.
func (s *Store) GetRoomByFeishu(ctx context.Context, feishuChatID string) (RoomMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomMappingColumns+` FROM room_mappings WHERE feishu_chat_id=?`, feishuChatID)
	m, err := scanRoomMapping(row)
	if err != nil {
		return RoomMapping{}, classify(err)
	}
	return m, nil
}

// MarkRoomDisbanded transitions a RoomMapping to the terminal disbanded
// state. Its MessageMappings are left untouched for historical lookup.
func (s *Store) MarkRoomDisbanded(ctx context.Context, feishuChatID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE room_mappings SET status=?, updated_at=? WHERE feishu_chat_id=?`,
			string(RoomStatusDisbanded), unixMilli(time.Now().UTC()), feishuChatID)
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

// UpsertUserMapping inserts or refreshes a UserMapping, keyed by
// matrix_user_id.
func (s *Store) UpsertUserMapping(ctx context.Context, u UserMapping) (UserMapping, error) {
	var out UserMapping
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		existing, err := getUserByMatrixTx(ctx, tx, u.MatrixUserID)
		switch {
		case errors.Is(err, ErrNotFound):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO user_mappings (matrix_user_id, feishu_open_id, feishu_union_id, display_name, avatar_url, last_synced_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				u.MatrixUserID, u.FeishuOpenID, u.FeishuUnionID, u.DisplayName, u.AvatarURL, unixMilli(now))
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			out = u
			out.ID = id
			out.LastSyncedAt = now
			return nil
		case err != nil:
			return err
		default:
			if u.DisplayName != "" {
				existing.DisplayName = u.DisplayName
			}
			if u.AvatarURL != "" {
				existing.AvatarURL = u.AvatarURL
			}
			if u.FeishuUnionID != "" {
				existing.FeishuUnionID = u.FeishuUnionID
			}
			existing.LastSyncedAt = now
			_, err := tx.ExecContext(ctx, `
				UPDATE user_mappings SET feishu_union_id=?, display_name=?, avatar_url=?, last_synced_at=? WHERE id=?`,
				existing.FeishuUnionID, existing.DisplayName, existing.AvatarURL, unixMilli(now), existing.ID)
			if err != nil {
				return err
			}
			out = existing
			return nil
		}
	})
	if err != nil {
		return UserMapping{}, err
	}
	return out, nil
}

const userMappingColumns = `id, matrix_user_id, feishu_open_id, feishu_union_id, display_name, avatar_url, last_synced_at`

func scanUserMapping(row interface{ Scan(...any) error }) (UserMapping, error) {
	var u UserMapping
	var synced int64
	err := row.Scan(&u.ID, &u.MatrixUserID, &u.FeishuOpenID, &u.FeishuUnionID, &u.DisplayName, &u.AvatarURL, &synced)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserMapping{}, ErrNotFound
		}
		return UserMapping{}, err
	}
	u.LastSyncedAt = fromMilli(synced)
	return u, nil
}

func getUserByMatrixTx(ctx context.Context, tx *sql.Tx, matrixUserID string) (UserMapping, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+userMappingColumns+` FROM user_mappings WHERE matrix_user_id=?`, matrixUserID)
	return scanUserMapping(row)
}

// GetUserByMatrix looks up a UserMapping by its Matrix user id.
func (s *Store) GetUserByMatrix(ctx context.Context, matrixUserID string) (UserMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userMappingColumns+` FROM user_mappings WHERE matrix_user_id=?`, matrixUserID)
	u, err := scanUserMapping(row)
	if err != nil {
		return UserMapping{}, classify(err)
	}
	return u, nil
}

// GetUserByFeishu looks up a UserMapping by its Feishu open_id.
func (s *Store) GetUserByFeishu(ctx context.Context, openID string) (UserMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userMappingColumns+` FROM user_mappings WHERE feishu_open_id=?`, openID)
	u, err := scanUserMapping(row)
	if err != nil {
		return UserMapping{}, classify(err)
	}
	return u, nil
}

// CreateMessageMapping records a freshly bridged message. Both IDs must be
// unique; a collision surfaces as ConflictError so the caller can decide
// whether it observed a duplicate delivery.
func (s *Store) CreateMessageMapping(ctx context.Context, m MessageMapping) (MessageMapping, error) {
	var out MessageMapping
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if m.State == "" {
			m.State = MessageStatePending
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO message_mappings
				(matrix_event_id, feishu_message_id, matrix_room_id, feishu_chat_id,
				 thread_root_feishu, thread_root_matrix, parent_feishu, parent_matrix,
				 direction, kind, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MatrixEventID, m.FeishuMessageID, m.MatrixRoomID, m.FeishuChatID,
			m.ThreadRootFeishu, m.ThreadRootMatrix, m.ParentFeishu, m.ParentMatrix,
			string(m.Direction), string(m.Kind), string(m.State), unixMilli(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out = m
		out.ID = id
		out.CreatedAt = now
		return nil
	})
	if err != nil {
		return MessageMapping{}, err
	}
	return out, nil
}

const messageMappingColumns = `id, matrix_event_id, feishu_message_id, matrix_room_id, feishu_chat_id,
	thread_root_feishu, thread_root_matrix, parent_feishu, parent_matrix, direction, kind, state, created_at`

func scanMessageMapping(row interface{ Scan(...any) error }) (MessageMapping, error) {
	var m MessageMapping
	var direction, kind, state string
	var created int64
	err := row.Scan(&m.ID, &m.MatrixEventID, &m.FeishuMessageID, &m.MatrixRoomID, &m.FeishuChatID,
		&m.ThreadRootFeishu, &m.ThreadRootMatrix, &m.ParentFeishu, &m.ParentMatrix,
		&direction, &kind, &state, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessageMapping{}, ErrNotFound
		}
		return MessageMapping{}, err
	}
	m.Direction = Direction(direction)
	m.Kind = MessageKind(kind)
	m.State = MessageState(state)
	m.CreatedAt = fromMilli(created)
	return m, nil
}

// GetMessageByMatrix looks up a MessageMapping by its Matrix event id.
func (s *Store) GetMessageByMatrix(ctx context.Context, matrixEventID string) (MessageMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageMappingColumns+` FROM message_mappings WHERE matrix_event_id=?`, matrixEventID)
	m, err := scanMessageMapping(row)
	if err != nil {
		return MessageMapping{}, classify(err)
	}
	return m, nil
}

// GetMessageByFeishu looks up a MessageMapping by its Feishu message id.
func (s *Store) GetMessageByFeishu(ctx context.Context, feishuMessageID string) (MessageMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageMappingColumns+` FROM message_mappings WHERE feishu_message_id=?`, feishuMessageID)
	m, err := scanMessageMapping(row)
	if err != nil {
		return MessageMapping{}, classify(err)
	}
	return m, nil
}

// SetMessageState transitions a MessageMapping through its
// pending→committed→redacted / dead_letter lifecycle.
func (s *Store) SetMessageState(ctx context.Context, id int64, state MessageState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE message_mappings SET state=? WHERE id=?`, string(state), id)
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
