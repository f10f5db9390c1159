package store

import "time"

type ChatType string

const (
	ChatTypeGroup ChatType = "group"
	ChatTypeP2P   ChatType = "p2p"
	ChatTypeTopic ChatType = "topic"
)

type ThreadMode string

const (
	ThreadModeOff ThreadMode = "off"
	ThreadModeOn  ThreadMode = "on"
)

type RoomStatus string

const (
	RoomStatusActive    RoomStatus = "active"
	RoomStatusDisbanded RoomStatus = "disbanded"
)

type Direction string

const (
	DirectionM2F      Direction = "m2f"
	DirectionF2M      Direction = "f2m"
	DirectionOutbound Direction = "outbound"
)

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindMedia  MessageKind = "media"
	MessageKindCard   MessageKind = "card"
	MessageKindNotice MessageKind = "notice"
)

type EventSource string

const (
	SourceFeishu   EventSource = "feishu"
	SourceMatrix   EventSource = "matrix"
	SourceOutbound EventSource = "outbound"
)

type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterReplayed  DeadLetterStatus = "replayed"
	DeadLetterAbandoned DeadLetterStatus = "abandoned"
)

type Side string

const (
	SideFeishu Side = "feishu"
	SideMatrix Side = "matrix"
)

// RoomMapping pairs one Matrix room with one Feishu chat.
type RoomMapping struct {
	ID            int64
	MatrixRoomID  string
	FeishuChatID  string
	ChatType      ChatType
	ThreadMode    ThreadMode
	DisplayName   string
	OwnerIdentity string
	Status        RoomStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserMapping pairs one Matrix user (real or puppeted) with one Feishu user.
type UserMapping struct {
	ID            int64
	MatrixUserID  string
	FeishuOpenID  string
	FeishuUnionID string
	DisplayName   string
	AvatarURL     string
	LastSyncedAt  time.Time
}

// IsStale reports whether the mapping needs re-sync against the given TTL.
func (u UserMapping) IsStale(ttl time.Duration) bool {
	return time.Since(u.LastSyncedAt) > ttl
}

// MessageMapping pairs one message on each side.
type MessageMapping struct {
	ID               int64
	MatrixEventID    string
	FeishuMessageID  string
	MatrixRoomID     string
	FeishuChatID     string
	ThreadRootFeishu string
	ThreadRootMatrix string
	ParentFeishu     string
	ParentMatrix     string
	Direction        Direction
	Kind             MessageKind
	State            MessageState
	CreatedAt        time.Time
}

type MessageState string

const (
	MessageStatePending   MessageState = "pending"
	MessageStateCommitted MessageState = "committed"
	MessageStateRedacted  MessageState = "redacted"
	MessageStateDead      MessageState = "dead_letter"
)

// ProcessedEvent is an idempotency record.
type ProcessedEvent struct {
	Source      EventSource
	DedupeKey   string
	FirstSeenAt time.Time
}

// DeadLetter is a failed work item captured for operator replay.
type DeadLetter struct {
	ID            string
	Direction     Direction
	ChatID        string
	PayloadBlob   []byte
	LastError     string
	Attempts      int
	Status        DeadLetterStatus
	FirstFailedAt time.Time
	LastFailedAt  time.Time
}

// MediaCacheEntry deduplicates uploads by content hash.
type MediaCacheEntry struct {
	ContentSHA256 string
	Side          Side
	RemoteKey     string
	SizeBytes     int64
	MimeType      string
	CreatedAt     time.Time
}

// DeadLetterFilter narrows ListDeadLetters / Replay / Cleanup queries.
type DeadLetterFilter struct {
	Status    DeadLetterStatus
	ChatID    string
	ID        string
	OlderThan time.Time
	Limit     int
	Offset    int
}
