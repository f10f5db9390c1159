package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/stretchr/testify/require"

	"github.com/feishu-matrix/bridge/internal/feishuapi"
	"github.com/feishu-matrix/bridge/internal/matrixapi"
	"github.com/feishu-matrix/bridge/internal/metrics"
	"github.com/feishu-matrix/bridge/internal/queue"
	"github.com/feishu-matrix/bridge/internal/store"
	"github.com/feishu-matrix/bridge/internal/webhook"
)

// fakeFeishu is an in-memory feishuClient double: every outbound call is
// recorded and a fresh message id is minted, so tests can assert on both
// call shape and the resulting store state.
type fakeFeishu struct {
	sendCalls   []string
	replyCalls  []string
	updateCalls []string
	recallCalls []string
	nextID      int
	failSend    error
	users       map[string]*larkcontact.User
	messages    map[string]string
}

func newFakeFeishu() *fakeFeishu {
	return &fakeFeishu{users: map[string]*larkcontact.User{}, messages: map[string]string{}}
}

func (f *fakeFeishu) mintID() string {
	f.nextID++
	return fmt.Sprintf("om_%d", f.nextID)
}

func (f *fakeFeishu) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, contentJSON, uuid string) (feishuapi.MessageResult, error) {
	if f.failSend != nil {
		return feishuapi.MessageResult{}, f.failSend
	}
	f.sendCalls = append(f.sendCalls, contentJSON)
	return feishuapi.MessageResult{MessageID: f.mintID()}, nil
}

func (f *fakeFeishu) ReplyMessage(ctx context.Context, parentMessageID, msgType, contentJSON string, replyInThread bool, uuid string) (feishuapi.MessageResult, error) {
	f.replyCalls = append(f.replyCalls, parentMessageID)
	return feishuapi.MessageResult{MessageID: f.mintID()}, nil
}

func (f *fakeFeishu) UpdateMessage(ctx context.Context, messageID, newContentJSON string) error {
	f.updateCalls = append(f.updateCalls, messageID)
	return nil
}

func (f *fakeFeishu) RecallMessage(ctx context.Context, messageID string) error {
	f.recallCalls = append(f.recallCalls, messageID)
	return nil
}

func (f *fakeFeishu) GetMessage(ctx context.Context, messageID string) (*larkim.Message, error) {
	if content, ok := f.messages[messageID]; ok {
		return &larkim.Message{Body: &larkim.MessageBody{Content: &content}}, nil
	}
	return nil, fmt.Errorf("fake: message %s not found", messageID)
}

func (f *fakeFeishu) GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, error) {
	return []byte("bytes"), "application/octet-stream", nil
}

func (f *fakeFeishu) UploadImage(ctx context.Context, name string, data []byte) (string, error) {
	return "img_key", nil
}

func (f *fakeFeishu) UploadFile(ctx context.Context, fileType, name string, data []byte) (string, error) {
	return "file_key", nil
}

func (f *fakeFeishu) GetChat(ctx context.Context, chatID string) (*larkim.Chat, error) {
	return &larkim.Chat{}, nil
}

func (f *fakeFeishu) GetUser(ctx context.Context, openID string) (*larkcontact.User, error) {
	if u, ok := f.users[openID]; ok {
		return u, nil
	}
	return &larkcontact.User{}, nil
}

func (f *fakeFeishu) LookupChatMemberName(ctx context.Context, chatID, openID string) (string, error) {
	return "", fmt.Errorf("fake: no chat member lookup")
}

// fakeMatrix is an in-memory matrixClient double.
type fakeMatrix struct {
	sentEvents  []matrixapi.SentEvent
	redactCalls []string
	joinCalls   []string
	memberCalls []string
	nextID      int
}

func newFakeMatrix() *fakeMatrix { return &fakeMatrix{} }

func (m *fakeMatrix) mintID() string {
	m.nextID++
	return fmt.Sprintf("$evt%d:example.org", m.nextID)
}

func (m *fakeMatrix) SendEvent(ctx context.Context, roomID, userID, eventType string, content any, txnID string) (matrixapi.SentEvent, error) {
	sent := matrixapi.SentEvent{EventID: m.mintID()}
	m.sentEvents = append(m.sentEvents, sent)
	return sent, nil
}

func (m *fakeMatrix) Redact(ctx context.Context, roomID, userID, eventID, reason, txnID string) (matrixapi.SentEvent, error) {
	m.redactCalls = append(m.redactCalls, eventID)
	return matrixapi.SentEvent{EventID: m.mintID()}, nil
}

func (m *fakeMatrix) SetMembership(ctx context.Context, roomID, userID, membership string) error {
	m.memberCalls = append(m.memberCalls, membership+":"+userID)
	return nil
}

func (m *fakeMatrix) Join(ctx context.Context, roomID, userID string) error {
	m.joinCalls = append(m.joinCalls, userID)
	return nil
}

func (m *fakeMatrix) UploadMedia(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	return "mxc://example.org/abc", nil
}

func (m *fakeMatrix) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error) {
	return []byte("bytes"), "image/png", nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeFeishu, *fakeMatrix) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.db")
	st, err := store.Open(context.Background(), nil, path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fc := newFakeFeishu()
	mc := newFakeMatrix()
	q := queue.NewRouter(nil, queue.Config{Workers: 2, QueueDepth: 16, IdleGC: time.Minute}, func(queue.Task, string) {})
	t.Cleanup(func() { q.Shutdown(context.Background()) })

	eng := New(nil, Config{ServerName: "example.org", PuppetPrefix: "feishu_", SenderLocalpart: "feishubridge"}, st, fc, mc, q, metrics.NewRegistry())
	return eng, st, fc, mc
}

func TestHandleMessageReceive_HappyPath(t *testing.T) {
	eng, st, _, mc := newTestEngine(t)
	ctx := context.Background()

	_, err := st.UpsertRoomMapping(ctx, store.RoomMapping{
		MatrixRoomID: "!room:example.org",
		FeishuChatID: "oc_1",
		ChatType:     store.ChatTypeGroup,
	})
	require.NoError(t, err)

	payload := buildReceiveEventPayload("oc_1", "ou_sender", "msg_1", "text", `{"text":"hello"}`)
	err = eng.handleMessageReceive(ctx, json.RawMessage(payload))
	require.NoError(t, err)

	require.Len(t, mc.sentEvents, 1)
	require.Len(t, mc.joinCalls, 1)

	mapping, err := st.GetMessageByFeishu(ctx, "msg_1")
	require.NoError(t, err)
	require.Equal(t, mc.sentEvents[0].EventID, mapping.MatrixEventID)
	require.Equal(t, store.MessageStateCommitted, mapping.State)
}

func TestHandleMessageReceive_UnmappedChatErrorsWithoutDeadLetter(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	payload := buildReceiveEventPayload("oc_unmapped", "ou_sender", "msg_2", "text", `{"text":"hi"}`)
	err := eng.handleMessageReceive(ctx, json.RawMessage(payload))
	require.Error(t, err)

	dead, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Empty(t, dead) // handleMessageReceive itself doesn't dead-letter; handleFeishuTask does
}

func TestHandleFeishuTask_DeadLettersOnUnmappedChat(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	payload := []byte(`{"header":{"event_type":"im.message.receive_v1"},"event":` +
		string(buildReceiveEventPayload("oc_unmapped", "ou_sender", "msg_3", "text", `{"text":"hi"}`)) + `}`)

	err := eng.handleFeishuTask(ctx, webhook.RawEvent{Payload: payload, EventType: "im.message.receive_v1"})
	require.Error(t, err)

	dead, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, store.DirectionF2M, dead[0].Direction)
}

func TestHandleMessageRecalled_RedactsMappedMessage(t *testing.T) {
	eng, st, _, mc := newTestEngine(t)
	ctx := context.Background()

	_, err := st.CreateMessageMapping(ctx, store.MessageMapping{
		MatrixEventID:   "$evt1:example.org",
		FeishuMessageID: "om_1",
		MatrixRoomID:    "!room:example.org",
		FeishuChatID:    "oc_1",
		Direction:       store.DirectionF2M,
		Kind:            store.MessageKindText,
		State:           store.MessageStateCommitted,
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{"message_id": "om_1", "chat_id": "oc_1"})
	err = eng.handleMessageRecalled(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, []string{"$evt1:example.org"}, mc.redactCalls)

	mapping, err := st.GetMessageByFeishu(ctx, "om_1")
	require.NoError(t, err)
	require.Equal(t, store.MessageStateRedacted, mapping.State)
}

func TestHandleMessageRecalled_UnknownMessageDrops(t *testing.T) {
	eng, _, _, mc := newTestEngine(t)
	err := eng.handleMessageRecalled(context.Background(), []byte(`{"message_id":"om_missing","chat_id":"oc_1"}`))
	require.NoError(t, err)
	require.Empty(t, mc.redactCalls)
}

func TestHandleMatrixSend_SendsAndMaps(t *testing.T) {
	eng, st, fc, _ := newTestEngine(t)
	ctx := context.Background()

	room, err := st.UpsertRoomMapping(ctx, store.RoomMapping{
		MatrixRoomID: "!room:example.org",
		FeishuChatID: "oc_1",
		ChatType:     store.ChatTypeGroup,
	})
	require.NoError(t, err)

	content := `{"msgtype":"m.text","body":"hello"}`
	ev := MatrixEvent{EventID: "$evt1:example.org", RoomID: "!room:example.org", Sender: "@user:example.org", Type: "m.room.message", Content: json.RawMessage(content)}

	err = eng.handleMatrixTask(ctx, ev)
	require.NoError(t, err)
	require.Len(t, fc.sendCalls, 1)

	mapping, err := st.GetMessageByMatrix(ctx, "$evt1:example.org")
	require.NoError(t, err)
	require.Equal(t, room.FeishuChatID, mapping.FeishuChatID)
	require.Equal(t, store.MessageStateCommitted, mapping.State)
}

func TestHandleMatrixSend_IsIdempotent(t *testing.T) {
	eng, st, fc, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := st.UpsertRoomMapping(ctx, store.RoomMapping{MatrixRoomID: "!room:example.org", FeishuChatID: "oc_1", ChatType: store.ChatTypeGroup})
	require.NoError(t, err)

	content := `{"msgtype":"m.text","body":"hello"}`
	ev := MatrixEvent{EventID: "$evtdup:example.org", RoomID: "!room:example.org", Sender: "@user:example.org", Type: "m.room.message", Content: json.RawMessage(content)}

	require.NoError(t, eng.handleMatrixTask(ctx, ev))
	require.NoError(t, eng.handleMatrixTask(ctx, ev))
	require.Len(t, fc.sendCalls, 1)
}

func TestHandleMatrixRedaction_RecallsMappedMessage(t *testing.T) {
	eng, st, fc, _ := newTestEngine(t)
	ctx := context.Background()

	mapping, err := st.CreateMessageMapping(ctx, store.MessageMapping{
		MatrixEventID:   "$evt1:example.org",
		FeishuMessageID: "om_1",
		MatrixRoomID:    "!room:example.org",
		FeishuChatID:    "oc_1",
		Direction:       store.DirectionM2F,
		Kind:            store.MessageKindText,
		State:           store.MessageStateCommitted,
	})
	require.NoError(t, err)

	ev := MatrixEvent{EventID: "$evtredact:example.org", RoomID: "!room:example.org", Type: "m.room.redaction", Redacts: "$evt1:example.org"}
	err = eng.handleMatrixTask(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, []string{"om_1"}, fc.recallCalls)

	updated, err := st.GetMessageByMatrix(ctx, mapping.MatrixEventID)
	require.NoError(t, err)
	require.Equal(t, store.MessageStateRedacted, updated.State)
}

func TestHandleMatrixEdit_UnchangedContentIsNoOp(t *testing.T) {
	eng, st, fc, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := st.UpsertRoomMapping(ctx, store.RoomMapping{MatrixRoomID: "!room:example.org", FeishuChatID: "oc_1", ChatType: store.ChatTypeGroup})
	require.NoError(t, err)
	_, err = st.CreateMessageMapping(ctx, store.MessageMapping{
		MatrixEventID:   "$evt1:example.org",
		FeishuMessageID: "om_1",
		MatrixRoomID:    "!room:example.org",
		FeishuChatID:    "oc_1",
		Direction:       store.DirectionM2F,
		Kind:            store.MessageKindText,
		State:           store.MessageStateCommitted,
	})
	require.NoError(t, err)
	fc.messages["om_1"] = `{"text":"hello"}`

	content := `{"msgtype":"m.text","body":"* hello","m.new_content":{"msgtype":"m.text","body":"hello"},"m.relates_to":{"rel_type":"m.replace","event_id":"$evt1:example.org"}}`
	ev := MatrixEvent{EventID: "$edit1:example.org", RoomID: "!room:example.org", Sender: "@user:example.org", Type: "m.room.message", Content: json.RawMessage(content)}

	require.NoError(t, eng.handleMatrixTask(ctx, ev))
	require.Empty(t, fc.updateCalls)

	fc.messages["om_1"] = `{"text":"old"}`
	ev.EventID = "$edit2:example.org"
	require.NoError(t, eng.handleMatrixTask(ctx, ev))
	require.Equal(t, []string{"om_1"}, fc.updateCalls)
}

func TestHandleMatrixSend_ReplayRepairsMissingMapping(t *testing.T) {
	eng, st, fc, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := st.UpsertRoomMapping(ctx, store.RoomMapping{MatrixRoomID: "!room:example.org", FeishuChatID: "oc_1", ChatType: store.ChatTypeGroup})
	require.NoError(t, err)

	// Simulate an earlier attempt that recorded the outbound key and then
	// crashed before committing any mapping: only the ledger row exists.
	content := `{"msgtype":"m.text","body":"hello"}`
	ev := MatrixEvent{EventID: "$crash:example.org", RoomID: "!room:example.org", Sender: "@user:example.org", Type: "m.room.message", Content: json.RawMessage(content)}
	_, err = st.RecordProcessedEvent(ctx, store.SourceOutbound, dedupeUUID(ev.EventID, "send"))
	require.NoError(t, err)

	// Replay: the outbound key is a duplicate but no mapping exists, so the
	// engine resends with the same uuid and repairs the mapping.
	require.NoError(t, eng.handleMatrixTask(ctx, ev))
	require.Len(t, fc.sendCalls, 1)

	mapping, err := st.GetMessageByMatrix(ctx, ev.EventID)
	require.NoError(t, err)
	require.Equal(t, store.MessageStateCommitted, mapping.State)

	// A second replay now sees the committed mapping and does nothing.
	require.NoError(t, eng.handleMatrixTask(ctx, ev))
	require.Len(t, fc.sendCalls, 1)
}

func TestHandleMessageReceive_AlreadyBridgedIsNoOp(t *testing.T) {
	eng, st, _, mc := newTestEngine(t)
	ctx := context.Background()

	_, err := st.UpsertRoomMapping(ctx, store.RoomMapping{MatrixRoomID: "!room:example.org", FeishuChatID: "oc_1", ChatType: store.ChatTypeGroup})
	require.NoError(t, err)

	payload := buildReceiveEventPayload("oc_1", "ou_sender", "msg_replay", "text", `{"text":"hello"}`)
	require.NoError(t, eng.handleMessageReceive(ctx, json.RawMessage(payload)))
	require.NoError(t, eng.handleMessageReceive(ctx, json.RawMessage(payload)))
	require.Len(t, mc.sentEvents, 1)
}

func TestPuppetID_RoundTrip(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	id := eng.puppetID("ou_123")
	require.Equal(t, "@feishu_ou_123:example.org", id)
	require.True(t, eng.isPuppet(id))
	require.False(t, eng.isPuppet("@alice:example.org"))
}

func buildReceiveEventPayload(chatID, senderOpenID, messageID, msgType, contentJSON string) []byte {
	ev := map[string]any{
		"sender": map[string]any{
			"sender_id":   map[string]any{"open_id": senderOpenID},
			"sender_type": "user",
		},
		"message": map[string]any{
			"message_id":   messageID,
			"chat_id":      chatID,
			"chat_type":    "group",
			"message_type": msgType,
			"content":      contentJSON,
		},
	}
	out, _ := json.Marshal(ev)
	return out
}
