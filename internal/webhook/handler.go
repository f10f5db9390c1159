// Package webhook implements the Feishu event-subscription receiver:
// signature check, optional body decryption, legacy-token check, the
// url_verification challenge, and ACK-before-work dedupe+dispatch. The
// HTTP handler implements the verification pipeline directly rather than
// delegating to the larksuite SDK's event dispatcher, which hides the
// intermediate steps; the websocket long-connection mode in this package
// does use the SDK dispatcher, whose transport validates frames itself.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/feishu-matrix/bridge/internal/store"
)

const maxBodyBytes int64 = 2 << 20

// Config is the subset of Feishu credentials the receiver needs.
type Config struct {
	ListenSecret      string
	EncryptKey        string
	VerificationToken string
}

// eventHeader is the envelope Feishu includes on every callback.
type eventHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Token     string `json:"token"`
	AppID     string `json:"app_id"`
}

type envelope struct {
	Type      string      `json:"type"`
	Token     string      `json:"token"`
	Challenge string      `json:"challenge"`
	Header    eventHeader `json:"header"`
}

// RawEvent is handed to the Bridging Engine once ACK'd and deduped.
type RawEvent struct {
	DedupeKey string
	EventType string
	Payload   []byte
	Header    http.Header
}

// Dispatcher hands a deduped event to the Bridging Engine. Its method
// must not block the HTTP response beyond enqueue: the ACK always precedes
// bridge work.
type Dispatcher interface {
	Enqueue(ctx context.Context, event RawEvent) error
}

type dedupeStore interface {
	RecordProcessedEvent(ctx context.Context, source store.EventSource, dedupeKey string) (store.DedupeResult, error)
}

// Handler is the echo Handler for the single webhook path.
type Handler struct {
	logger     *slog.Logger
	cfg        Config
	store      dedupeStore
	dispatcher Dispatcher
}

func NewHandler(log *slog.Logger, cfg Config, st dedupeStore, dispatcher Dispatcher) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		logger:     log.With(slog.String("component", "webhook")),
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.POST("/webhook", h.Handle)
}

// Handle runs the verify/decrypt/challenge/dedupe/dispatch pipeline.
func (h *Handler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	if int64(len(body)) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	// Step 1+2: signature check, when configured.
	if h.cfg.ListenSecret != "" {
		ts := req.Header.Get("X-Lark-Request-Timestamp")
		nonce := req.Header.Get("X-Lark-Request-Nonce")
		sig := req.Header.Get("X-Lark-Signature")
		if !VerifySignature(ts, nonce, h.cfg.ListenSecret, body, sig) {
			h.logger.Warn("webhook signature mismatch")
			return echo.NewHTTPError(http.StatusUnauthorized)
		}
	}

	// Step 3: decrypt, when configured.
	plaintext := body
	if h.cfg.EncryptKey != "" {
		if encryptedB64, ok := isEncryptedBody(body); ok {
			decoded, err := Decrypt(h.cfg.EncryptKey, encryptedB64)
			if err != nil {
				h.logger.Warn("webhook decrypt failed", slog.Any("error", err))
				return echo.NewHTTPError(http.StatusBadRequest, "decrypt failed")
			}
			plaintext = decoded
		}
	}

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	// Step 4: legacy verification-token check, only meaningful when no
	// signature/encryption mechanism is already configured.
	if h.cfg.ListenSecret == "" && h.cfg.EncryptKey == "" && env.Type != "url_verification" {
		token := env.Token
		if token == "" {
			token = env.Header.Token
		}
		if h.cfg.VerificationToken == "" || token != h.cfg.VerificationToken {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid verification token")
		}
	}

	// Step 5: URL verification challenge, answered before any enqueue.
	if env.Type == "url_verification" {
		return c.JSON(http.StatusOK, map[string]string{"challenge": env.Challenge})
	}

	// Step 6: dedupe then dispatch. ACK precedes bridge work.
	dedupeKey := env.Header.EventID
	if dedupeKey == "" {
		dedupeKey = env.Header.EventType + ":" + string(plaintext[:min(len(plaintext), 64)])
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), 5*time.Second)
	defer cancel()

	result, err := h.store.RecordProcessedEvent(ackCtx, store.SourceFeishu, dedupeKey)
	if err != nil {
		h.logger.Error("webhook dedupe failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	if result == store.DedupeDuplicate {
		return c.JSON(http.StatusOK, map[string]any{})
	}

	if err := h.dispatcher.Enqueue(context.WithoutCancel(req.Context()), RawEvent{
		DedupeKey: dedupeKey,
		EventType: env.Header.EventType,
		Payload:   plaintext,
		Header:    req.Header.Clone(),
	}); err != nil {
		h.logger.Warn("webhook enqueue failed, recording dead letter upstream", slog.Any("error", err))
	}

	return c.JSON(http.StatusOK, map[string]any{})
}
