package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/feishu-matrix/bridge/internal/codec"
	"github.com/feishu-matrix/bridge/internal/store"
	"github.com/feishu-matrix/bridge/internal/webhook"
)

// handleFeishuTask runs once the per-chat queue dequeues an inbound
// Feishu event: it re-parses the raw payload the queue carried, dispatches
// to the event-kind handler, and dead-letters anything that handler
// returns.
func (e *Engine) handleFeishuTask(ctx context.Context, raw webhook.RawEvent) (err error) {
	defer func(start time.Time) { e.observeTask("feishu_task", start, err) }(time.Now())

	var env struct {
		Header struct {
			EventType string `json:"event_type"`
		} `json:"header"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw.Payload, &env); err != nil {
		return fmt.Errorf("bridge: malformed feishu event: %w", err)
	}
	eventType := env.Header.EventType
	if eventType == "" {
		eventType = raw.EventType
	}

	switch eventType {
	case "im.message.receive_v1":
		err = e.handleMessageReceive(ctx, env.Event)
	case "im.message.recalled_v1":
		err = e.handleMessageRecalled(ctx, env.Event)
	case "im.chat.member.user.added_v1":
		err = e.handleChatMemberAdded(ctx, env.Event)
	case "im.chat.member.user.deleted_v1":
		err = e.handleChatMemberDeleted(ctx, env.Event)
	case "im.chat.updated_v1":
		err = e.handleChatUpdated(ctx, env.Event)
	case "im.chat.disbanded_v1":
		err = e.handleChatDisbanded(ctx, env.Event)
	default:
		e.logger.Debug("dropping unhandled feishu event", slog.String("event_type", eventType))
		e.incPolicyBlocked("unhandled_event")
		return nil
	}
	if err != nil {
		chatID := sniffFeishuChatID(raw.Payload)
		e.deadLetter(ctx, store.DirectionF2M, chatID, raw.Payload, err)
	}
	return err
}

type feishuMentionWire struct {
	Key string `json:"key"`
	ID  struct {
		OpenID string `json:"open_id"`
	} `json:"id"`
	Name string `json:"name"`
}

type feishuReceiveEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string              `json:"message_id"`
		RootID      string              `json:"root_id"`
		ParentID    string              `json:"parent_id"`
		ChatID      string              `json:"chat_id"`
		ChatType    string              `json:"chat_type"`
		MessageType string              `json:"message_type"`
		Content     string              `json:"content"`
		Mentions    []feishuMentionWire `json:"mentions"`
	} `json:"message"`
}

// handleMessageReceive bridges im.message.receive_v1: resolve the
// RoomMapping and the sender's UserMapping, decode the content, send to
// Matrix as the puppeted sender, and persist the MessageMapping.
func (e *Engine) handleMessageReceive(ctx context.Context, raw json.RawMessage) error {
	var ev feishuReceiveEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("bridge: decode receive_v1: %w", err)
	}
	e.incInbound("feishu", "im.message.receive_v1")

	if ev.Sender.SenderType != "user" {
		e.logger.Debug("dropping non-user feishu sender", slog.String("sender_type", ev.Sender.SenderType))
		e.incPolicyBlocked("non_user_sender")
		return nil
	}

	// A replayed dead letter (or a duplicate that slipped past the webhook
	// dedupe via the long-connection path) may arrive for a message that
	// already bridged; the existing mapping is authoritative.
	if existing, err := e.store.GetMessageByFeishu(ctx, ev.Message.MessageID); err == nil {
		e.logger.Debug("feishu message already bridged",
			slog.String("message_id", ev.Message.MessageID),
			slog.String("matrix_event_id", existing.MatrixEventID))
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	room, err := e.resolveRoomForFeishuChat(ctx, ev.Message.ChatID, ev.Message.ChatType)
	if err != nil {
		return err
	}
	if _, err := e.resolveUserForFeishuOpenID(ctx, ev.Sender.SenderID.OpenID, ev.Message.ChatID); err != nil {
		return err
	}

	opts := codec.DecodeOptions{Mentions: e.mentionsFor(ctx)}
	for _, m := range ev.Message.Mentions {
		opts.FeishuMentions = append(opts.FeishuMentions, codec.FeishuMention{Key: m.Key, OpenID: m.ID.OpenID, Name: m.Name})
	}

	switch ev.Message.MessageType {
	case "image":
		if err := e.fillInboundImage(ctx, &opts, ev.Message.MessageID, ev.Message.Content); err != nil {
			return err
		}
	case "file", "audio", "media":
		if err := e.fillInboundAsset(ctx, &opts, ev.Message.MessageID, ev.Message.Content); err != nil {
			return err
		}
	}

	content, err := codec.DecodeFeishu(ev.Message.MessageType, ev.Message.Content, opts)
	if err != nil {
		return fmt.Errorf("bridge: decode feishu content: %w", err)
	}
	if content.Degraded {
		e.incDegraded("codec_fallback")
	}

	if ev.Message.ParentID != "" {
		if parent, err := e.store.GetMessageByFeishu(ctx, ev.Message.ParentID); err == nil {
			content.RelatesTo = &codec.RelatesTo{InReplyTo: &codec.InReplyTo{EventID: parent.MatrixEventID}}
		}
	}

	puppetUserID := e.puppetID(ev.Sender.SenderID.OpenID)
	if err := e.matrix.Join(ctx, room.MatrixRoomID, puppetUserID); err != nil {
		return fmt.Errorf("bridge: puppet join failed: %w", err)
	}

	sent, err := e.matrix.SendEvent(ctx, room.MatrixRoomID, puppetUserID, "m.room.message", content, "")
	if err != nil {
		return fmt.Errorf("bridge: matrix send failed: %w", err)
	}

	if _, err := e.store.CreateMessageMapping(ctx, store.MessageMapping{
		MatrixEventID:    sent.EventID,
		FeishuMessageID:  ev.Message.MessageID,
		MatrixRoomID:     room.MatrixRoomID,
		FeishuChatID:     room.FeishuChatID,
		ThreadRootFeishu: ev.Message.RootID,
		ParentFeishu:     ev.Message.ParentID,
		Direction:        store.DirectionF2M,
		Kind:             messageKindForFeishu(ev.Message.MessageType),
		State:            store.MessageStateCommitted,
	}); err != nil {
		e.divergence(ctx, store.DirectionF2M, room.FeishuChatID, sent.EventID, ev.Message.MessageID, err)
	}
	return nil
}

// resolveRoomForFeishuChat requires an operator-provisioned RoomMapping
// before the first message bridges: internal/matrixapi deliberately
// exposes no room-creation call, so a first-contact message for an
// unmapped chat is dead-lettered, replayable once an admin adds the
// mapping.
func (e *Engine) resolveRoomForFeishuChat(ctx context.Context, chatID, chatType string) (store.RoomMapping, error) {
	room, err := e.store.GetRoomByFeishu(ctx, chatID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.RoomMapping{}, err
	}
	return store.RoomMapping{}, fmt.Errorf("bridge: no RoomMapping provisioned for feishu chat %s (chat_type=%s): %w", chatID, chatType, store.ErrNotFound)
}

// resolveUserForFeishuOpenID looks up or creates the sender's UserMapping,
// filling display_name/avatar_url via contact lookup with a chat-member
// fallback for tenants where contact read scope is not granted. A mapping
// past the stale TTL is re-synced in place.
func (e *Engine) resolveUserForFeishuOpenID(ctx context.Context, openID, chatID string) (store.UserMapping, error) {
	existing, err := e.store.GetUserByFeishu(ctx, openID)
	if err == nil && !existing.IsStale(e.cfg.UserMappingStaleTTL) {
		return existing, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.UserMapping{}, err
	}

	displayName, avatarURL := "", ""
	if user, err := e.feishu.GetUser(ctx, openID); err != nil {
		e.logger.Debug("feishu get_user failed, trying chat member lookup", slog.String("open_id", openID), slog.Any("error", err))
		if chatID != "" {
			if name, memberErr := e.feishu.LookupChatMemberName(ctx, chatID, openID); memberErr == nil {
				displayName = name
			} else {
				e.logger.Warn("sender profile lookup failed, puppeting with bare open_id", slog.String("open_id", openID), slog.Any("error", memberErr))
			}
		}
	} else if user != nil {
		displayName = ptrStr(user.Name)
		avatarURL = feishuAvatarURL(user.Avatar)
	}

	return e.store.UpsertUserMapping(ctx, store.UserMapping{
		MatrixUserID: e.puppetID(openID),
		FeishuOpenID: openID,
		DisplayName:  displayName,
		AvatarURL:    avatarURL,
	})
}

type feishuRecalledEvent struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// handleMessageRecalled implements "look up MessageMapping by
// feishu_message_id; if absent, log and drop. Else send m.room.redaction
// for the Matrix event."
func (e *Engine) handleMessageRecalled(ctx context.Context, raw json.RawMessage) error {
	var ev feishuRecalledEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("bridge: decode recalled_v1: %w", err)
	}
	e.incInbound("feishu", "im.message.recalled_v1")

	mapping, err := e.store.GetMessageByFeishu(ctx, ev.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("recall for unknown feishu message, dropping", slog.String("message_id", ev.MessageID))
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := e.matrix.Redact(ctx, mapping.MatrixRoomID, e.cfg.BotUserID(), mapping.MatrixEventID, "recalled on feishu", ""); err != nil {
		return fmt.Errorf("bridge: matrix redact failed: %w", err)
	}
	if err := e.store.SetMessageState(ctx, mapping.ID, store.MessageStateRedacted); err != nil {
		e.divergence(ctx, store.DirectionF2M, mapping.FeishuChatID, mapping.MatrixEventID, mapping.FeishuMessageID, err)
	}
	return nil
}

type feishuChatMemberEvent struct {
	ChatID string `json:"chat_id"`
	Users  []struct {
		UserID struct {
			OpenID string `json:"open_id"`
		} `json:"user_id"`
	} `json:"users"`
}

func (e *Engine) handleChatMemberAdded(ctx context.Context, raw json.RawMessage) error {
	return e.syncChatMembership(ctx, raw, "im.chat.member.user.added_v1", "join")
}

func (e *Engine) handleChatMemberDeleted(ctx context.Context, raw json.RawMessage) error {
	return e.syncChatMembership(ctx, raw, "im.chat.member.user.deleted_v1", "leave")
}

// syncChatMembership implements "synthesize Matrix membership changes in
// the mapped room" for both the added and deleted member event kinds.
func (e *Engine) syncChatMembership(ctx context.Context, raw json.RawMessage, eventType, membership string) error {
	var ev feishuChatMemberEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("bridge: decode %s: %w", eventType, err)
	}
	e.incInbound("feishu", eventType)

	room, err := e.store.GetRoomByFeishu(ctx, ev.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("membership change for unmapped chat, dropping", slog.String("chat_id", ev.ChatID))
		return nil
	}
	if err != nil {
		return err
	}

	for _, u := range ev.Users {
		if u.UserID.OpenID == "" {
			continue
		}
		if err := e.matrix.SetMembership(ctx, room.MatrixRoomID, e.puppetID(u.UserID.OpenID), membership); err != nil {
			e.logger.Warn("matrix membership sync failed", slog.String("room_id", room.MatrixRoomID), slog.Any("error", err))
		}
	}
	return nil
}

type feishuChatUpdatedEvent struct {
	ChatID      string `json:"chat_id"`
	AfterChange struct {
		Name string `json:"name"`
	} `json:"after_change"`
}

// handleChatUpdated implements "patch RoomMapping fields present in the
// event (name, thread mode)."
func (e *Engine) handleChatUpdated(ctx context.Context, raw json.RawMessage) error {
	var ev feishuChatUpdatedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("bridge: decode chat.updated_v1: %w", err)
	}
	e.incInbound("feishu", "im.chat.updated_v1")

	room, err := e.store.GetRoomByFeishu(ctx, ev.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ev.AfterChange.Name == "" {
		return nil
	}
	room.DisplayName = ev.AfterChange.Name
	_, err = e.store.UpsertRoomMapping(ctx, room)
	return err
}

type feishuChatDisbandedEvent struct {
	ChatID string `json:"chat_id"`
}

// handleChatDisbanded implements "mark RoomMapping disbanded; optionally
// send a Matrix notice; evict in-memory caches."
func (e *Engine) handleChatDisbanded(ctx context.Context, raw json.RawMessage) error {
	var ev feishuChatDisbandedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("bridge: decode chat.disbanded_v1: %w", err)
	}
	e.incInbound("feishu", "im.chat.disbanded_v1")

	room, err := e.store.GetRoomByFeishu(ctx, ev.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	notice := codec.MatrixContent{MsgType: codec.MsgTypeNotice, Body: "This Feishu group has been disbanded."}
	if _, err := e.matrix.SendEvent(ctx, room.MatrixRoomID, e.cfg.BotUserID(), "m.room.message", notice, ""); err != nil {
		e.logger.Warn("failed to send disband notice", slog.Any("error", err))
	}
	return e.store.MarkRoomDisbanded(ctx, ev.ChatID)
}

func messageKindForFeishu(msgType string) store.MessageKind {
	switch msgType {
	case "image", "file", "audio", "media", "sticker":
		return store.MessageKindMedia
	case "interactive":
		return store.MessageKindCard
	default:
		return store.MessageKindText
	}
}

func ptrStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
