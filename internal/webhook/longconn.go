package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/feishu-matrix/bridge/internal/store"
)

// LongConnConfig carries the credentials for Feishu's websocket event
// subscription, the alternative to the HTTP webhook for deployments that
// cannot expose a public callback URL.
type LongConnConfig struct {
	AppID             string
	AppSecret         string
	BaseURL           string
	VerificationToken string
	EncryptKey        string
}

// LongConn receives platform events over Feishu's long connection and feeds
// them through the same dedupe-then-dispatch path as the HTTP receiver.
// Signature and decryption checks are the transport's own concern here: the
// SDK validates frames before the dispatcher sees them.
type LongConn struct {
	logger     *slog.Logger
	cfg        LongConnConfig
	store      dedupeStore
	dispatcher Dispatcher
}

func NewLongConn(log *slog.Logger, cfg LongConnConfig, st dedupeStore, d Dispatcher) *LongConn {
	if log == nil {
		log = slog.Default()
	}
	return &LongConn{
		logger:     log.With(slog.String("component", "longconn")),
		cfg:        cfg,
		store:      st,
		dispatcher: d,
	}
}

// Run connects and reconnects until ctx is cancelled. Each client start that
// returns (error or clean exit) is followed by a fixed reconnect delay.
func (l *LongConn) Run(ctx context.Context) {
	const reconnectDelay = 3 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		client := l.newClient(ctx)
		err := client.Start(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Error("long connection failed", slog.Any("error", err))
		} else {
			l.logger.Warn("long connection exited; reconnecting")
		}
		timer := time.NewTimer(reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *LongConn) newClient(ctx context.Context) *larkws.Client {
	d := dispatcher.NewEventDispatcher(l.cfg.VerificationToken, l.cfg.EncryptKey)
	d.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
		return l.relay(ctx, event, eventID(event.EventV2Base))
	})
	d.OnP2MessageRecalledV1(func(_ context.Context, event *larkim.P2MessageRecalledV1) error {
		return l.relay(ctx, event, eventID(event.EventV2Base))
	})
	d.OnP2ChatMemberUserAddedV1(func(_ context.Context, event *larkim.P2ChatMemberUserAddedV1) error {
		return l.relay(ctx, event, eventID(event.EventV2Base))
	})
	d.OnP2ChatMemberUserDeletedV1(func(_ context.Context, event *larkim.P2ChatMemberUserDeletedV1) error {
		return l.relay(ctx, event, eventID(event.EventV2Base))
	})
	d.OnP2ChatUpdatedV1(func(_ context.Context, event *larkim.P2ChatUpdatedV1) error {
		return l.relay(ctx, event, eventID(event.EventV2Base))
	})
	d.OnP2ChatDisbandedV1(func(_ context.Context, event *larkim.P2ChatDisbandedV1) error {
		return l.relay(ctx, event, eventID(event.EventV2Base))
	})
	// Read receipts carry no bridgeable content; handle them explicitly so
	// the SDK doesn't log a missing-handler warning per receipt.
	d.OnP2MessageReadV1(func(_ context.Context, _ *larkim.P2MessageReadV1) error {
		return nil
	})

	if l.cfg.BaseURL != "" {
		return larkws.NewClient(l.cfg.AppID, l.cfg.AppSecret,
			larkws.WithEventHandler(d),
			larkws.WithLogLevel(larkcore.LogLevelWarn),
			larkws.WithDomain(l.cfg.BaseURL))
	}
	return larkws.NewClient(l.cfg.AppID, l.cfg.AppSecret,
		larkws.WithEventHandler(d),
		larkws.WithLogLevel(larkcore.LogLevelWarn))
}

func eventID(base *larkevent.EventV2Base) string {
	if base == nil || base.Header == nil {
		return ""
	}
	return base.Header.EventID
}

// relay re-serializes the SDK's typed event back into the {header, event}
// envelope the Bridging Engine's task handler parses, dedupes it against
// the shared ProcessedEvent ledger, and enqueues it. It returns nil on
// every failure so the websocket stays alive: marshal, dedupe and enqueue
// failures are logged, and a backpressured enqueue is dead-lettered by the
// dispatcher.
func (l *LongConn) relay(ctx context.Context, event any, id string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("marshal long-connection event failed", slog.Any("error", err))
		return nil
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		l.logger.Error("reparse long-connection event failed", slog.Any("error", err))
		return nil
	}
	dedupeKey := id
	if dedupeKey == "" {
		dedupeKey = env.Header.EventID
	}

	result, err := l.store.RecordProcessedEvent(ctx, store.SourceFeishu, dedupeKey)
	if err != nil {
		l.logger.Error("long-connection dedupe failed", slog.Any("error", err))
		return nil
	}
	if result == store.DedupeDuplicate {
		return nil
	}

	if err := l.dispatcher.Enqueue(ctx, RawEvent{
		DedupeKey: dedupeKey,
		EventType: env.Header.EventType,
		Payload:   payload,
	}); err != nil {
		l.logger.Warn("long-connection enqueue failed", slog.Any("error", err))
	}
	return nil
}
