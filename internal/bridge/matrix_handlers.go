package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/feishu-matrix/bridge/internal/codec"
	"github.com/feishu-matrix/bridge/internal/queue"
	"github.com/feishu-matrix/bridge/internal/store"
)

// Transaction is one application-service PUT /transactions/{txnId} body:
// an ordered batch of room events the homeserver is pushing to the bridge.
type Transaction struct {
	Events []MatrixEvent `json:"events"`
}

// MatrixEvent is the subset of a Matrix room event the engine inspects.
type MatrixEvent struct {
	EventID  string          `json:"event_id"`
	RoomID   string          `json:"room_id"`
	Sender   string          `json:"sender"`
	Type     string          `json:"type"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content"`
	Redacts  string          `json:"redacts,omitempty"`
}

// HandleMatrixTransaction fans a transaction's ordered event batch out
// onto per-room queues; the application-service protocol already
// guarantees transaction delivery is itself ordered and at-least-once, so
// each event is independently enqueued and deduped.
func (e *Engine) HandleMatrixTransaction(ctx context.Context, txn Transaction) error {
	for _, ev := range txn.Events {
		if e.isPuppet(ev.Sender) {
			// Echo of our own Feishu->Matrix send; never re-bridge it.
			e.incPolicyBlocked("puppet_echo")
			continue
		}
		event := ev
		e.incInbound("matrix", event.Type)
		payload, _ := json.Marshal(event)
		err := e.queue.Enqueue(queue.Task{
			ChatID:    event.RoomID,
			Direction: string(store.DirectionM2F),
			Payload:   payload,
			Run: func(ctx context.Context) error {
				return e.handleMatrixTask(ctx, event)
			},
		})
		e.noteQueueDepth()
		if err == queue.ErrBackpressure {
			e.deadLetter(ctx, store.DirectionM2F, event.RoomID, payload, err)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleMatrixTask dispatches one Matrix event to the outbound kind spec
// §4.6's table selects: plain message / reply / edit / redaction.
func (e *Engine) handleMatrixTask(ctx context.Context, ev MatrixEvent) (err error) {
	defer func(start time.Time) { e.observeTask("matrix_task", start, err) }(time.Now())

	switch ev.Type {
	case "m.room.message":
		err = e.handleMatrixMessage(ctx, ev)
	case "m.room.redaction":
		err = e.handleMatrixRedaction(ctx, ev)
	case "m.room.member":
		err = nil // membership changes on the Matrix side are not mirrored to Feishu
	default:
		e.logger.Debug("dropping unhandled matrix event type", slog.String("type", ev.Type))
		return nil
	}
	if err != nil {
		payload, _ := json.Marshal(ev)
		e.deadLetter(ctx, store.DirectionM2F, ev.RoomID, payload, err)
	}
	return err
}

func (e *Engine) handleMatrixMessage(ctx context.Context, ev MatrixEvent) error {
	var content codec.MatrixContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("bridge: decode matrix content: %w", err)
	}

	room, err := e.store.GetRoomByMatrix(ctx, ev.RoomID)
	if err != nil {
		return fmt.Errorf("bridge: no RoomMapping for matrix room %s: %w", ev.RoomID, err)
	}

	switch {
	case content.RelatesTo != nil && content.RelatesTo.RelType == codec.RelReplace:
		return e.handleMatrixEdit(ctx, ev, room, content)
	case content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil:
		return e.handleMatrixReply(ctx, ev, room, content)
	default:
		return e.handleMatrixSend(ctx, ev, room, content)
	}
}

// handleMatrixSend delivers a plain m.room.message as a new Feishu
// message.
func (e *Engine) handleMatrixSend(ctx context.Context, ev MatrixEvent, room store.RoomMapping, content codec.MatrixContent) error {
	dedupeKey := dedupeUUID(ev.EventID, "send")
	duplicate, err := e.alreadySentOutbound(ctx, dedupeKey)
	if err != nil {
		return err
	}
	if duplicate {
		// A recorded outbound key with a committed mapping means the work is
		// done. Without a mapping this is a replay of a run that died between
		// the remote call and the local commit: resend with the same uuid so
		// Feishu suppresses the duplicate, and repair the mapping from the
		// result.
		if _, err := e.store.GetMessageByMatrix(ctx, ev.EventID); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	msgType, contentJSON, degraded, err := e.encodeOutbound(ctx, content)
	if err != nil {
		return err
	}
	if degraded {
		e.incDegraded("codec_fallback")
	}

	e.incOutbound("send_message")
	result, err := e.feishu.SendMessage(ctx, "chat_id", room.FeishuChatID, msgType, contentJSON, dedupeKey)
	if err != nil {
		e.incOutboundFailure(feishuErrorCode(err))
		return fmt.Errorf("bridge: feishu send_message failed: %w", err)
	}

	if _, err := e.store.CreateMessageMapping(ctx, store.MessageMapping{
		MatrixEventID:   ev.EventID,
		FeishuMessageID: result.MessageID,
		MatrixRoomID:    room.MatrixRoomID,
		FeishuChatID:    room.FeishuChatID,
		Direction:       store.DirectionM2F,
		Kind:            messageKindForMatrix(content.MsgType),
		State:           store.MessageStateCommitted,
	}); err != nil {
		e.divergence(ctx, store.DirectionM2F, room.FeishuChatID, ev.EventID, result.MessageID, err)
	}
	return nil
}

// handleMatrixReply implements m.relates_to.m.in_reply_to -> reply_message.
func (e *Engine) handleMatrixReply(ctx context.Context, ev MatrixEvent, room store.RoomMapping, content codec.MatrixContent) error {
	parent, err := e.store.GetMessageByMatrix(ctx, content.RelatesTo.InReplyTo.EventID)
	if errors.Is(err, store.ErrNotFound) {
		return e.handleMatrixSend(ctx, ev, room, content)
	}
	if err != nil {
		return err
	}

	dedupeKey := dedupeUUID(ev.EventID, "reply")
	duplicate, err := e.alreadySentOutbound(ctx, dedupeKey)
	if err != nil {
		return err
	}
	if duplicate {
		if _, err := e.store.GetMessageByMatrix(ctx, ev.EventID); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	msgType, contentJSON, degraded, err := e.encodeOutbound(ctx, content)
	if err != nil {
		return err
	}
	if degraded {
		e.incDegraded("codec_fallback")
	}

	e.incOutbound("reply_message")
	result, err := e.feishu.ReplyMessage(ctx, parent.FeishuMessageID, msgType, contentJSON, room.ThreadMode == store.ThreadModeOn, dedupeKey)
	if err != nil {
		e.incOutboundFailure(feishuErrorCode(err))
		return fmt.Errorf("bridge: feishu reply_message failed: %w", err)
	}

	if _, err := e.store.CreateMessageMapping(ctx, store.MessageMapping{
		MatrixEventID:   ev.EventID,
		FeishuMessageID: result.MessageID,
		MatrixRoomID:    room.MatrixRoomID,
		FeishuChatID:    room.FeishuChatID,
		ParentFeishu:    parent.FeishuMessageID,
		ParentMatrix:    content.RelatesTo.InReplyTo.EventID,
		Direction:       store.DirectionM2F,
		Kind:            messageKindForMatrix(content.MsgType),
		State:           store.MessageStateCommitted,
	}); err != nil {
		e.divergence(ctx, store.DirectionM2F, room.FeishuChatID, ev.EventID, result.MessageID, err)
	}
	return nil
}

// handleMatrixEdit implements m.relates_to.rel_type=m.replace -> update_message.
func (e *Engine) handleMatrixEdit(ctx context.Context, ev MatrixEvent, room store.RoomMapping, content codec.MatrixContent) error {
	targetEventID := content.RelatesTo.EventID
	target, err := e.store.GetMessageByMatrix(ctx, targetEventID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("edit of unmapped matrix event, dropping", slog.String("event_id", targetEventID))
		return nil
	}
	if err != nil {
		return err
	}

	newContent := content
	if content.NewContent != nil {
		newContent = *content.NewContent
	}

	dedupeKey := dedupeUUID(ev.EventID, "edit")
	duplicate, err := e.alreadySentOutbound(ctx, dedupeKey)
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}

	_, contentJSON, degraded, err := e.encodeOutbound(ctx, newContent)
	if err != nil {
		return err
	}
	if degraded {
		e.incDegraded("codec_fallback")
	}

	// An edit whose normalized content matches what Feishu already holds is
	// a no-op; skip the update_message call entirely.
	if current, err := e.feishu.GetMessage(ctx, target.FeishuMessageID); err == nil &&
		current != nil && current.Body != nil && current.Body.Content != nil &&
		normalizedJSONEqual(*current.Body.Content, contentJSON) {
		return nil
	}

	e.incOutbound("update_message")
	if err := e.feishu.UpdateMessage(ctx, target.FeishuMessageID, contentJSON); err != nil {
		e.incOutboundFailure(feishuErrorCode(err))
		return fmt.Errorf("bridge: feishu update_message failed: %w", err)
	}
	return nil
}

// handleMatrixRedaction implements m.room.redaction -> recall_message.
func (e *Engine) handleMatrixRedaction(ctx context.Context, ev MatrixEvent) error {
	target, err := e.store.GetMessageByMatrix(ctx, ev.Redacts)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("redaction of unmapped matrix event, dropping", slog.String("event_id", ev.Redacts))
		return nil
	}
	if err != nil {
		return err
	}

	e.incOutbound("recall_message")
	if err := e.feishu.RecallMessage(ctx, target.FeishuMessageID); err != nil {
		e.incOutboundFailure(feishuErrorCode(err))
		return fmt.Errorf("bridge: feishu recall_message failed: %w", err)
	}
	return e.store.SetMessageState(ctx, target.ID, store.MessageStateRedacted)
}

// encodeOutbound runs the Message Codec, performing the media
// download/reupload round trip first when the content is an attachment.
func (e *Engine) encodeOutbound(ctx context.Context, content codec.MatrixContent) (msgType, contentJSON string, degraded bool, err error) {
	opts := codec.EncodeOptions{Mentions: e.mentionsFor(ctx)}
	switch content.MsgType {
	case codec.MsgTypeImage, codec.MsgTypeFile, codec.MsgTypeAudio, codec.MsgTypeVideo:
		mediaOpts, err := e.uploadMatrixMediaToFeishu(ctx, content.URL, content.Body, content.MsgType)
		if err != nil {
			return "", "", false, err
		}
		opts.ImageKey = mediaOpts.ImageKey
		opts.FileKey = mediaOpts.FileKey
	}
	return codec.EncodeMatrix(content, opts)
}

// normalizedJSONEqual compares two content payloads structurally, so key
// ordering and insignificant whitespace differences don't count as changes.
func normalizedJSONEqual(a, b string) bool {
	var av, bv any
	if err := json.Unmarshal([]byte(a), &av); err != nil {
		return a == b
	}
	if err := json.Unmarshal([]byte(b), &bv); err != nil {
		return a == b
	}
	return reflect.DeepEqual(av, bv)
}

func messageKindForMatrix(msgType string) store.MessageKind {
	switch msgType {
	case codec.MsgTypeImage, codec.MsgTypeFile, codec.MsgTypeAudio, codec.MsgTypeVideo, codec.MsgTypeSticker:
		return store.MessageKindMedia
	case codec.MsgTypeNotice:
		return store.MessageKindNotice
	default:
		return store.MessageKindText
	}
}
