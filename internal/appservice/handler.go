// Package appservice implements the Matrix application-service endpoints
// the homeserver pushes to: the transaction sink plus the user and
// room-alias existence queries. Event batches are deduped per event_id
// against the shared ProcessedEvent ledger before the Bridging Engine sees
// them, mirroring the webhook receiver's ACK-before-work contract.
package appservice

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/feishu-matrix/bridge/internal/bridge"
	"github.com/feishu-matrix/bridge/internal/store"
)

// Config carries the homeserver-facing identity details.
type Config struct {
	// HSToken authenticates inbound requests from the homeserver.
	HSToken string
	// PuppetPrefix and ServerName define the user namespace this service
	// claims, e.g. "@feishu_*:example.org".
	PuppetPrefix    string
	ServerName      string
	SenderLocalpart string
}

type transactionSink interface {
	HandleMatrixTransaction(ctx context.Context, txn bridge.Transaction) error
}

type dedupeStore interface {
	RecordProcessedEvent(ctx context.Context, source store.EventSource, dedupeKey string) (store.DedupeResult, error)
}

// Handler serves the application-service protocol surface.
type Handler struct {
	logger *slog.Logger
	cfg    Config
	store  dedupeStore
	engine transactionSink
}

func NewHandler(log *slog.Logger, cfg Config, st dedupeStore, engine transactionSink) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		logger: log.With(slog.String("component", "appservice")),
		cfg:    cfg,
		store:  st,
		engine: engine,
	}
}

func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/_matrix/app/v1", h.requireHSToken)
	g.PUT("/transactions/:txnId", h.Transaction)
	g.GET("/users/:userId", h.QueryUser)
	g.GET("/rooms/:alias", h.QueryRoomAlias)
}

// requireHSToken checks the homeserver's token; both the modern bearer
// header and the legacy access_token query parameter are accepted.
func (h *Handler) requireHSToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.cfg.HSToken == "" {
			return matrixError(c, http.StatusForbidden, "M_FORBIDDEN", "homeserver token not configured")
		}
		got := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		if got == "" || got == c.Request().Header.Get("Authorization") {
			got = c.QueryParam("access_token")
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.HSToken)) != 1 {
			return matrixError(c, http.StatusForbidden, "M_FORBIDDEN", "bad token")
		}
		return next(c)
	}
}

// Transaction ingests one ordered event batch. The homeserver retries a
// transaction until it sees 200, so every path that has safely recorded the
// events must answer 200 — failures inside the engine surface as dead
// letters, never as a retry storm.
func (h *Handler) Transaction(c echo.Context) error {
	var txn bridge.Transaction
	if err := c.Bind(&txn); err != nil {
		return matrixError(c, http.StatusBadRequest, "M_NOT_JSON", "malformed transaction body")
	}

	ctx := context.WithoutCancel(c.Request().Context())
	fresh := bridge.Transaction{Events: make([]bridge.MatrixEvent, 0, len(txn.Events))}
	for _, ev := range txn.Events {
		if ev.EventID == "" {
			continue
		}
		result, err := h.store.RecordProcessedEvent(ctx, store.SourceMatrix, ev.EventID)
		if err != nil {
			h.logger.Error("transaction dedupe failed", slog.String("event_id", ev.EventID), slog.Any("error", err))
			return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "storage unavailable")
		}
		if result == store.DedupeDuplicate {
			continue
		}
		fresh.Events = append(fresh.Events, ev)
	}

	if len(fresh.Events) > 0 {
		if err := h.engine.HandleMatrixTransaction(ctx, fresh); err != nil {
			h.logger.Warn("transaction enqueue incomplete",
				slog.String("txn_id", c.Param("txnId")),
				slog.Any("error", err))
		}
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

// QueryUser answers the homeserver's "does this user exist" probe for the
// puppet namespace. Answering 200 lets the homeserver lazily provision the
// puppet on first reference.
func (h *Handler) QueryUser(c echo.Context) error {
	userID := c.Param("userId")
	if h.ownsUser(userID) {
		return c.JSON(http.StatusOK, map[string]any{})
	}
	return matrixError(c, http.StatusNotFound, "M_NOT_FOUND", "user not in bridge namespace")
}

// QueryRoomAlias always answers not-found: the bridge does not reserve a
// room-alias namespace; rooms are provisioned by operators.
func (h *Handler) QueryRoomAlias(c echo.Context) error {
	return matrixError(c, http.StatusNotFound, "M_NOT_FOUND", "alias not managed by this bridge")
}

func (h *Handler) ownsUser(userID string) bool {
	suffix := ":" + h.cfg.ServerName
	if !strings.HasSuffix(userID, suffix) {
		return false
	}
	if strings.HasPrefix(userID, "@"+h.cfg.PuppetPrefix) {
		return true
	}
	return userID == "@"+h.cfg.SenderLocalpart+suffix
}

func matrixError(c echo.Context, status int, errcode, message string) error {
	return c.JSON(status, map[string]string{"errcode": errcode, "error": message})
}
