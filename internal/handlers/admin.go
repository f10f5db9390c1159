// Package handlers holds the bridge's operator-facing HTTP surface: the
// health probe and the bearer-scoped admin API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/feishu-matrix/bridge/internal/auth"
	"github.com/feishu-matrix/bridge/internal/deadletter"
	"github.com/feishu-matrix/bridge/internal/feishuapi"
	"github.com/feishu-matrix/bridge/internal/metrics"
	"github.com/feishu-matrix/bridge/internal/store"
)

// engineStatus is the subset of *bridge.Engine the status endpoint reads.
type engineStatus interface {
	QueueDepth() int
	QueueDepthMax() int64
}

type mappingLister interface {
	ListRoomMappings(ctx context.Context, limit, offset int) ([]store.RoomMapping, error)
	ListUserMappings(ctx context.Context, limit, offset int) ([]store.UserMapping, error)
}

// directory is the subset of *feishuapi.Client behind the operator
// directory endpoints.
type directory interface {
	ListUsers(ctx context.Context, limit int) ([]feishuapi.DirectoryEntry, error)
	ListChats(ctx context.Context, limit int) ([]feishuapi.DirectoryEntry, error)
}

// AdminHandler registers the /admin route group. Read, write and delete
// scopes each gate their own routes with their own bearer token.
type AdminHandler struct {
	logger      *slog.Logger
	tokens      auth.Tokens
	jwtSecret   string
	engine      engineStatus
	store       mappingLister
	deadLetters *deadletter.Service
	directory   directory
	metrics     *metrics.Registry
	startedAt   time.Time
}

func NewAdminHandler(log *slog.Logger, tokens auth.Tokens, jwtSecret string, engine engineStatus, st mappingLister, dl *deadletter.Service, dir directory, reg *metrics.Registry) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{
		logger:      log.With(slog.String("handler", "admin")),
		tokens:      tokens,
		jwtSecret:   jwtSecret,
		engine:      engine,
		store:       st,
		deadLetters: dl,
		directory:   dir,
		metrics:     reg,
		startedAt:   time.Now(),
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	read := e.Group("/admin", auth.RequireScope(h.tokens, auth.ScopeRead))
	read.GET("/status", h.Status)
	read.GET("/mappings", h.Mappings)
	read.GET("/directory/users", h.DirectoryUsers)
	read.GET("/directory/chats", h.DirectoryChats)

	write := e.Group("/admin", auth.RequireScope(h.tokens, auth.ScopeWrite))
	write.POST("/dead-letters/replay", h.ReplayDeadLetters)

	del := e.Group("/admin", auth.RequireScope(h.tokens, auth.ScopeDelete))
	del.POST("/dead-letters/cleanup", h.CleanupDeadLetters)

	// Optional browser-console surface: a write-scoped login mints a JWT
	// session, and the console group accepts that JWT for read-only views.
	if h.jwtSecret != "" {
		write.POST("/session", h.CreateSession)
		console := e.Group("/admin/console", auth.JWTMiddleware(h.jwtSecret, nil))
		console.GET("/status", h.Status)
		console.GET("/mappings", h.Mappings)
	}
}

const sessionTTL = 12 * time.Hour

// CreateSession exchanges a write-scoped bearer for a short-lived JWT the
// admin console can hold in the browser.
func (h *AdminHandler) CreateSession(c echo.Context) error {
	signed, expiresAt, err := auth.GenerateToken("admin", h.jwtSecret, sessionTTL)
	if err != nil {
		h.logger.Error("session token generation failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "session unavailable")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":      signed,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

type statusResponse struct {
	Running          bool             `json:"running"`
	QueueDepth       int              `json:"queue_depth"`
	QueueDepthMax    int64            `json:"queue_depth_max"`
	DeadLetterCounts map[string]int64 `json:"dead_letter_counts"`
	UptimeSec        int64            `json:"uptime_sec"`
	Metrics          metrics.Snapshot `json:"metrics"`
}

func (h *AdminHandler) Status(c echo.Context) error {
	counts, err := h.deadLetters.Counts(c.Request().Context())
	if err != nil {
		h.logger.Error("dead letter counts failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "status unavailable")
	}
	return c.JSON(http.StatusOK, statusResponse{
		Running:          true,
		QueueDepth:       h.engine.QueueDepth(),
		QueueDepthMax:    h.engine.QueueDepthMax(),
		DeadLetterCounts: counts,
		UptimeSec:        int64(time.Since(h.startedAt).Seconds()),
		Metrics:          h.metrics.Snapshot(),
	})
}

type mappingsResponse struct {
	Rooms []roomMappingItem `json:"rooms"`
	Users []userMappingItem `json:"users"`
}

type roomMappingItem struct {
	MatrixRoomID string `json:"matrix_room_id"`
	FeishuChatID string `json:"feishu_chat_id"`
	ChatType     string `json:"chat_type"`
	ThreadMode   string `json:"thread_mode"`
	DisplayName  string `json:"display_name,omitempty"`
	Status       string `json:"status"`
}

type userMappingItem struct {
	MatrixUserID string `json:"matrix_user_id"`
	FeishuOpenID string `json:"feishu_open_id"`
	DisplayName  string `json:"display_name,omitempty"`
	LastSyncedAt string `json:"last_synced_at"`
}

func (h *AdminHandler) Mappings(c echo.Context) error {
	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)
	ctx := c.Request().Context()

	rooms, err := h.store.ListRoomMappings(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list room mappings failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	users, err := h.store.ListUserMappings(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list user mappings failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}

	resp := mappingsResponse{
		Rooms: make([]roomMappingItem, 0, len(rooms)),
		Users: make([]userMappingItem, 0, len(users)),
	}
	for _, r := range rooms {
		resp.Rooms = append(resp.Rooms, roomMappingItem{
			MatrixRoomID: r.MatrixRoomID,
			FeishuChatID: r.FeishuChatID,
			ChatType:     string(r.ChatType),
			ThreadMode:   string(r.ThreadMode),
			DisplayName:  r.DisplayName,
			Status:       string(r.Status),
		})
	}
	for _, u := range users {
		resp.Users = append(resp.Users, userMappingItem{
			MatrixUserID: u.MatrixUserID,
			FeishuOpenID: u.FeishuOpenID,
			DisplayName:  u.DisplayName,
			LastSyncedAt: u.LastSyncedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

type replayRequest struct {
	Status string `json:"status,omitempty"`
	ID     string `json:"id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (h *AdminHandler) ReplayDeadLetters(c echo.Context) error {
	var req replayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := h.deadLetters.Replay(c.Request().Context(), deadletter.ReplayRequest{
		Status: store.DeadLetterStatus(req.Status),
		ID:     req.ID,
		Limit:  req.Limit,
	})
	if err != nil {
		h.logger.Error("replay failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "replay failed")
	}
	return c.JSON(http.StatusOK, result)
}

type cleanupRequest struct {
	Status         string `json:"status,omitempty"`
	OlderThanHours int    `json:"older_than_hours"`
	Limit          int    `json:"limit,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
}

func (h *AdminHandler) CleanupDeadLetters(c echo.Context) error {
	var req cleanupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	removed, err := h.deadLetters.Cleanup(c.Request().Context(), deadletter.CleanupRequest{
		Status:         store.DeadLetterStatus(req.Status),
		OlderThanHours: req.OlderThanHours,
		Limit:          req.Limit,
		DryRun:         req.DryRun,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"removed": removed, "dry_run": req.DryRun})
}

func (h *AdminHandler) DirectoryUsers(c echo.Context) error {
	entries, err := h.directory.ListUsers(c.Request().Context(), queryInt(c, "limit", 0))
	if err != nil {
		h.logger.Error("directory users failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "feishu directory unavailable")
	}
	return c.JSON(http.StatusOK, map[string]any{"users": entries})
}

func (h *AdminHandler) DirectoryChats(c echo.Context) error {
	entries, err := h.directory.ListChats(c.Request().Context(), queryInt(c, "limit", 0))
	if err != nil {
		h.logger.Error("directory chats failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "feishu directory unavailable")
	}
	return c.JSON(http.StatusOK, map[string]any{"chats": entries})
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
