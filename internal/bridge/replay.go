package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/feishu-matrix/bridge/internal/queue"
	"github.com/feishu-matrix/bridge/internal/store"
	"github.com/feishu-matrix/bridge/internal/webhook"
)

// divergencePayload is the reconciliation record divergence() writes: both
// remote ids of a call the remote side accepted but the local commit lost.
type divergencePayload struct {
	MatrixEventID   string `json:"matrix_event_id"`
	FeishuMessageID string `json:"feishu_message_id"`
}

// ReplayDeadLetter re-enqueues a dead letter's original task onto its chat
// queue. The task re-runs with its original idempotency identity — the
// deterministic outbound uuid for Matrix-origin work, the existing
// mapping check for Feishu-origin work — so a remote side that already
// committed is never double-sent; only the local state is repaired.
func (e *Engine) ReplayDeadLetter(ctx context.Context, d store.DeadLetter) error {
	if div, ok := parseDivergence(d.PayloadBlob); ok {
		return e.repairDivergence(ctx, d, div)
	}

	switch d.Direction {
	case store.DirectionF2M:
		var env struct {
			Header struct {
				EventType string `json:"event_type"`
			} `json:"header"`
		}
		if err := json.Unmarshal(d.PayloadBlob, &env); err != nil {
			return fmt.Errorf("bridge: replay %s: malformed feishu payload: %w", d.ID, err)
		}
		raw := webhook.RawEvent{DedupeKey: d.ID, EventType: env.Header.EventType, Payload: d.PayloadBlob}
		return e.queue.Enqueue(queue.Task{
			ChatID:    d.ChatID,
			Direction: string(d.Direction),
			Payload:   d.PayloadBlob,
			Run: func(taskCtx context.Context) error {
				return e.handleFeishuTask(taskCtx, raw)
			},
		})
	case store.DirectionM2F:
		var ev MatrixEvent
		if err := json.Unmarshal(d.PayloadBlob, &ev); err != nil {
			return fmt.Errorf("bridge: replay %s: malformed matrix payload: %w", d.ID, err)
		}
		if ev.EventID == "" {
			return fmt.Errorf("bridge: replay %s: matrix payload has no event_id", d.ID)
		}
		return e.queue.Enqueue(queue.Task{
			ChatID:    ev.RoomID,
			Direction: string(d.Direction),
			Payload:   d.PayloadBlob,
			Run: func(taskCtx context.Context) error {
				return e.handleMatrixTask(taskCtx, ev)
			},
		})
	default:
		return fmt.Errorf("bridge: replay %s: unknown direction %q", d.ID, d.Direction)
	}
}

func parseDivergence(payload []byte) (divergencePayload, bool) {
	var div divergencePayload
	if err := json.Unmarshal(payload, &div); err != nil {
		return divergencePayload{}, false
	}
	return div, div.MatrixEventID != "" && div.FeishuMessageID != ""
}

// repairDivergence restores the mapping a divergence record preserved: the
// remote call already succeeded, so no API call is made — the row is simply
// written with both ids.
func (e *Engine) repairDivergence(ctx context.Context, d store.DeadLetter, div divergencePayload) error {
	if _, err := e.store.GetMessageByFeishu(ctx, div.FeishuMessageID); err == nil {
		return nil
	}
	room, err := e.store.GetRoomByFeishu(ctx, d.ChatID)
	if err != nil {
		return fmt.Errorf("bridge: repair divergence %s: %w", d.ID, err)
	}
	_, err = e.store.CreateMessageMapping(ctx, store.MessageMapping{
		MatrixEventID:   div.MatrixEventID,
		FeishuMessageID: div.FeishuMessageID,
		MatrixRoomID:    room.MatrixRoomID,
		FeishuChatID:    room.FeishuChatID,
		Direction:       d.Direction,
		Kind:            store.MessageKindText,
		State:           store.MessageStateCommitted,
	})
	if store.IsConflict(err) {
		return nil
	}
	return err
}
