// Package bridge is the Bridging Engine: the reactive core that turns a
// deduped Feishu webhook event or a Matrix application-service transaction
// into mapping-store writes and outbound calls on the other side, with
// per-chat ordering, idempotent delivery, and dead-letter capture.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/feishu-matrix/bridge/internal/codec"
	"github.com/feishu-matrix/bridge/internal/feishuapi"
	"github.com/feishu-matrix/bridge/internal/matrixapi"
	"github.com/feishu-matrix/bridge/internal/metrics"
	"github.com/feishu-matrix/bridge/internal/queue"
	"github.com/feishu-matrix/bridge/internal/store"
	"github.com/feishu-matrix/bridge/internal/webhook"
)

// feishuClient is the subset of *feishuapi.Client the engine drives;
// narrowed to an interface so tests can substitute a fake instead of
// hitting the real open platform.
type feishuClient interface {
	SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, contentJSON, uuid string) (feishuapi.MessageResult, error)
	ReplyMessage(ctx context.Context, parentMessageID, msgType, contentJSON string, replyInThread bool, uuid string) (feishuapi.MessageResult, error)
	UpdateMessage(ctx context.Context, messageID, newContentJSON string) error
	RecallMessage(ctx context.Context, messageID string) error
	GetMessage(ctx context.Context, messageID string) (*larkim.Message, error)
	GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, error)
	UploadImage(ctx context.Context, name string, data []byte) (string, error)
	UploadFile(ctx context.Context, fileType, name string, data []byte) (string, error)
	GetChat(ctx context.Context, chatID string) (*larkim.Chat, error)
	GetUser(ctx context.Context, openID string) (*larkcontact.User, error)
	LookupChatMemberName(ctx context.Context, chatID, openID string) (string, error)
}

// matrixClient is the subset of *matrixapi.Client the engine drives.
type matrixClient interface {
	SendEvent(ctx context.Context, roomID, userID, eventType string, content any, txnID string) (matrixapi.SentEvent, error)
	Redact(ctx context.Context, roomID, userID, eventID, reason, txnID string) (matrixapi.SentEvent, error)
	SetMembership(ctx context.Context, roomID, userID, membership string) error
	Join(ctx context.Context, roomID, userID string) error
	UploadMedia(ctx context.Context, filename, contentType string, data []byte) (string, error)
	DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error)
}

// mappingStore is the subset of *store.Store the engine touches.
type mappingStore interface {
	GetRoomByMatrix(ctx context.Context, matrixRoomID string) (store.RoomMapping, error)
	GetRoomByFeishu(ctx context.Context, feishuChatID string) (store.RoomMapping, error)
	UpsertRoomMapping(ctx context.Context, m store.RoomMapping) (store.RoomMapping, error)
	MarkRoomDisbanded(ctx context.Context, feishuChatID string) error

	GetUserByMatrix(ctx context.Context, matrixUserID string) (store.UserMapping, error)
	GetUserByFeishu(ctx context.Context, openID string) (store.UserMapping, error)
	UpsertUserMapping(ctx context.Context, u store.UserMapping) (store.UserMapping, error)

	GetMessageByMatrix(ctx context.Context, matrixEventID string) (store.MessageMapping, error)
	GetMessageByFeishu(ctx context.Context, feishuMessageID string) (store.MessageMapping, error)
	CreateMessageMapping(ctx context.Context, m store.MessageMapping) (store.MessageMapping, error)
	SetMessageState(ctx context.Context, id int64, state store.MessageState) error

	RecordProcessedEvent(ctx context.Context, source store.EventSource, dedupeKey string) (store.DedupeResult, error)
	EnqueueDeadLetter(ctx context.Context, d store.DeadLetter) (store.DeadLetter, error)

	LookupMedia(ctx context.Context, sha256 string, side store.Side) (store.MediaCacheEntry, error)
	RememberMedia(ctx context.Context, e store.MediaCacheEntry) error
}

// Config carries the identity details the engine needs to puppet Feishu
// users on Matrix and address Feishu chats.
type Config struct {
	ServerName      string // Matrix server_name, the domain half of puppet ids
	PuppetPrefix    string // localpart prefix, e.g. "feishu_"
	SenderLocalpart string // the application service's own bot localpart

	// UserMappingStaleTTL bounds how long a cached display name/avatar is
	// trusted before the next inbound message triggers a profile re-sync.
	UserMappingStaleTTL time.Duration
}

// BotUserID returns the bridge's own Matrix user id, used for actions with
// no natural puppet context: redacting a recalled message whose original
// MessageMapping predates sender tracking, or posting a disband notice.
func (c Config) BotUserID() string {
	localpart := c.SenderLocalpart
	if localpart == "" {
		localpart = "feishubridge"
	}
	return fmt.Sprintf("@%s:%s", localpart, c.ServerName)
}

// Engine wires the Mapping Store, both platform clients, and the
// per-chat queue into the inbound and outbound event handlers.
type Engine struct {
	store   mappingStore
	feishu  feishuClient
	matrix  matrixClient
	queue   *queue.Router
	metrics *metrics.Registry
	logger  *slog.Logger
	cfg     Config

	// uploads collapses concurrent transfers of identical bytes onto one
	// in-flight upload per (side, content hash).
	uploads singleflight.Group

	depthMax atomic.Int64
}

// New constructs an Engine. metricsReg may be nil, in which case
// observability calls are no-ops.
func New(log *slog.Logger, cfg Config, st mappingStore, fc feishuClient, mc matrixClient, q *queue.Router, metricsReg *metrics.Registry) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PuppetPrefix == "" {
		cfg.PuppetPrefix = "feishu_"
	}
	if cfg.UserMappingStaleTTL <= 0 {
		cfg.UserMappingStaleTTL = 24 * time.Hour
	}
	return &Engine{
		store:   st,
		feishu:  fc,
		matrix:  mc,
		queue:   q,
		metrics: metricsReg,
		logger:  log.With(slog.String("component", "bridge")),
		cfg:     cfg,
	}
}

// puppetID builds the Matrix user id the engine impersonates for a Feishu
// open_id, e.g. "@feishu_ou_abc:example.org".
func (e *Engine) puppetID(openID string) string {
	return fmt.Sprintf("@%s%s:%s", e.cfg.PuppetPrefix, openID, e.cfg.ServerName)
}

// isPuppet reports whether matrixUserID belongs to this bridge's own
// puppet namespace, used to drop echoes of our own Feishu->Matrix sends
// when they reappear in an AS transaction.
func (e *Engine) isPuppet(matrixUserID string) bool {
	return strings.HasPrefix(matrixUserID, "@"+e.cfg.PuppetPrefix)
}

func (e *Engine) incInbound(source, kind string) {
	if e.metrics != nil {
		e.metrics.Inc("bridge_inbound_events_total", "source", source, "kind", kind)
	}
}

func (e *Engine) incOutbound(api string) {
	if e.metrics != nil {
		e.metrics.Inc("bridge_outbound_requests_total", "api", api)
	}
}

func (e *Engine) incOutboundFailure(code string) {
	if e.metrics != nil {
		e.metrics.Inc("bridge_outbound_failures_total_by_api_code", "code", code)
	}
}

func (e *Engine) incDegraded(reason string) {
	if e.metrics != nil {
		e.metrics.Inc("bridge_degraded_events_total_by_reason", "reason", reason)
	}
}

// QueueDepth exposes the router's depth for the admin status endpoint.
func (e *Engine) QueueDepth() int {
	if e.queue == nil {
		return 0
	}
	return e.queue.Depth()
}

// QueueDepthMax is the high-water mark since startup.
func (e *Engine) QueueDepthMax() int64 {
	return e.depthMax.Load()
}

// noteQueueDepth refreshes the depth gauges after each enqueue.
func (e *Engine) noteQueueDepth() {
	d := int64(e.QueueDepth())
	if d > e.depthMax.Load() {
		e.depthMax.Store(d)
	}
	if e.metrics != nil {
		e.metrics.SetGauge("bridge_queue_depth", d)
		e.metrics.SetGauge("bridge_queue_depth_max", e.depthMax.Load())
	}
}

func (e *Engine) incPolicyBlocked(reason string) {
	if e.metrics != nil {
		e.metrics.Inc("bridge_policy_blocked_total_by_reason", "reason", reason)
	}
}

// observeTask records the per-task duration histogram and the flow-status
// trace counter for one completed queue task.
func (e *Engine) observeTask(stage string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.Observe("bridge_processing_duration_ms", float64(time.Since(start).Milliseconds()), "stage", stage)
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.Inc("bridge_trace_events_total_by_flow_status", "status", status)
}

// dedupeUUID computes the deterministic outbound idempotency key,
// hash(matrix_event_id || kind), rendered as a namespaced UUID so Feishu's
// uuid field and ProcessedEvent(source=outbound) see the same stable value
// across retries and process restarts.
func dedupeUUID(matrixEventID, kind string) string {
	sum := sha256.Sum256([]byte(matrixEventID + "|" + kind))
	return uuid.NewSHA1(uuid.NameSpaceOID, sum[:]).String()
}

// alreadySentOutbound records dedupeKey in the local idempotency ledger
// before an outbound call and reports whether it was already there. A
// duplicate key alone does not prove the send completed: callers check for
// a MessageMapping and resend with the same uuid when none exists.
func (e *Engine) alreadySentOutbound(ctx context.Context, dedupeKey string) (bool, error) {
	result, err := e.store.RecordProcessedEvent(ctx, store.SourceOutbound, dedupeKey)
	if err != nil {
		return false, err
	}
	return result == store.DedupeDuplicate, nil
}

// deadLetter records a failed or diverged work item for operator replay.
func (e *Engine) deadLetter(ctx context.Context, direction store.Direction, chatID string, payload []byte, lastErr error) {
	if _, err := e.store.EnqueueDeadLetter(ctx, store.DeadLetter{
		Direction:   direction,
		ChatID:      chatID,
		PayloadBlob: payload,
		LastError:   lastErr.Error(),
	}); err != nil {
		e.logger.Error("failed to record dead letter", slog.Any("error", err), slog.String("chat_id", chatID))
	}
}

// divergence records a dead letter for the case where the remote side
// accepted a call but the local mapping-commit transaction then failed.
// Both ids are preserved in the payload for manual reconcile.
func (e *Engine) divergence(ctx context.Context, direction store.Direction, chatID, matrixEventID, feishuMessageID string, commitErr error) {
	payload, _ := json.Marshal(map[string]string{
		"matrix_event_id":   matrixEventID,
		"feishu_message_id": feishuMessageID,
	})
	e.deadLetter(ctx, direction, chatID, payload, fmt.Errorf("divergence: remote call accepted but mapping commit failed: %w", commitErr))
}

// storeMentions adapts the Mapping Store to codec.Mentions so the codec
// can translate inline mentions without performing I/O itself.
type storeMentions struct {
	ctx   context.Context
	store mappingStore
	cfg   Config
}

func (m storeMentions) MatrixPillForOpenID(openID string) string {
	if u, err := m.store.GetUserByFeishu(m.ctx, openID); err == nil && u.MatrixUserID != "" {
		return u.MatrixUserID
	}
	return fmt.Sprintf("@%s%s:%s", m.cfg.PuppetPrefix, openID, m.cfg.ServerName)
}

func (m storeMentions) OpenIDForMatrixID(matrixID string) string {
	if u, err := m.store.GetUserByMatrix(m.ctx, matrixID); err == nil {
		return u.FeishuOpenID
	}
	prefix := "@" + m.cfg.PuppetPrefix
	suffix := ":" + m.cfg.ServerName
	if strings.HasPrefix(matrixID, prefix) && strings.HasSuffix(matrixID, suffix) {
		return strings.TrimSuffix(strings.TrimPrefix(matrixID, prefix), suffix)
	}
	return ""
}

func (e *Engine) mentionsFor(ctx context.Context) codec.Mentions {
	return storeMentions{ctx: ctx, store: e.store, cfg: e.cfg}
}

// Enqueue implements webhook.Dispatcher: it resolves the event's chat_id
// and routes it onto that chat's ordering queue. A full queue is not an
// error to the caller — the event is recorded as a pending dead letter and
// the webhook still ACKs.
func (e *Engine) Enqueue(ctx context.Context, ev webhook.RawEvent) error {
	chatID := sniffFeishuChatID(ev.Payload)
	e.incInbound("feishu", ev.EventType)

	err := e.queue.Enqueue(queue.Task{
		ChatID:    chatID,
		Direction: string(store.DirectionF2M),
		Payload:   ev.Payload,
		Run: func(taskCtx context.Context) error {
			return e.handleFeishuTask(taskCtx, ev)
		},
	})
	e.noteQueueDepth()
	if err == queue.ErrBackpressure {
		e.deadLetter(ctx, store.DirectionF2M, chatID, ev.Payload, err)
		return nil
	}
	return err
}

type chatIDSniff struct {
	ChatID  string `json:"chat_id"`
	Message struct {
		ChatID string `json:"chat_id"`
	} `json:"message"`
}

// sniffFeishuChatID extracts enough of the payload to route it onto the
// right per-chat queue without fully decoding the event; the handler
// re-parses the typed shape once it actually runs.
func sniffFeishuChatID(payload []byte) string {
	var env struct {
		Event chatIDSniff `json:"event"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	if env.Event.ChatID != "" {
		return env.Event.ChatID
	}
	return env.Event.Message.ChatID
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// feishuErrorCode extracts the numeric open-platform error code from an
// outbound call failure, for the bridge_outbound_failures_total_by_api_code
// metric; transport-level errors (no APIError to unwrap) are labeled
// "transport".
func feishuErrorCode(err error) string {
	var apiErr *feishuapi.APIError
	if errors.As(err, &apiErr) {
		return strconv.Itoa(apiErr.Code)
	}
	return "transport"
}
