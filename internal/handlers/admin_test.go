package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/feishu-matrix/bridge/internal/auth"
	"github.com/feishu-matrix/bridge/internal/deadletter"
	"github.com/feishu-matrix/bridge/internal/feishuapi"
	"github.com/feishu-matrix/bridge/internal/metrics"
	"github.com/feishu-matrix/bridge/internal/store"
)

type fakeEngine struct{ depth int }

func (f *fakeEngine) QueueDepth() int      { return f.depth }
func (f *fakeEngine) QueueDepthMax() int64 { return int64(f.depth) }

type fakeDirectory struct{}

func (fakeDirectory) ListUsers(ctx context.Context, limit int) ([]feishuapi.DirectoryEntry, error) {
	return []feishuapi.DirectoryEntry{{ID: "ou_1", Name: "Alice"}}, nil
}

func (fakeDirectory) ListChats(ctx context.Context, limit int) ([]feishuapi.DirectoryEntry, error) {
	return []feishuapi.DirectoryEntry{{ID: "oc_1", Name: "General"}}, nil
}

type noopReplayer struct{}

func (noopReplayer) ReplayDeadLetter(ctx context.Context, d store.DeadLetter) error { return nil }

func newTestAdmin(t *testing.T) (*echo.Echo, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), nil, filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tokens := auth.Tokens{Read: "read-token", Write: "write-token", Delete: "delete-token"}
	dl := deadletter.NewService(nil, st, noopReplayer{})
	h := NewAdminHandler(nil, tokens, "jwt-secret", &fakeEngine{depth: 3}, st, dl, fakeDirectory{}, metrics.NewRegistry())

	e := echo.New()
	h.Register(e)
	return e, st
}

func doRequest(e *echo.Echo, method, path, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStatus_RequiresReadToken(t *testing.T) {
	e, _ := newTestAdmin(t)

	rec := doRequest(e, http.MethodGet, "/admin/status", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(e, http.MethodGet, "/admin/status", "wrong", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(e, http.MethodGet, "/admin/status", "read-token", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, true, resp["running"])
	require.EqualValues(t, 3, resp["queue_depth"])
}

func TestScopes_AreNotInterchangeable(t *testing.T) {
	e, _ := newTestAdmin(t)

	// A read token cannot replay, and a write token cannot cleanup.
	rec := doRequest(e, http.MethodPost, "/admin/dead-letters/replay", "read-token", `{}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(e, http.MethodPost, "/admin/dead-letters/cleanup", "write-token", `{"older_than_hours":1}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReplay_MarksPendingLetters(t *testing.T) {
	e, st := newTestAdmin(t)
	ctx := context.Background()

	_, err := st.EnqueueDeadLetter(ctx, store.DeadLetter{
		Direction:   store.DirectionM2F,
		ChatID:      "oc_1",
		PayloadBlob: []byte(`{"event_id":"$evt:hs","room_id":"!r:hs","type":"m.room.message"}`),
	})
	require.NoError(t, err)

	rec := doRequest(e, http.MethodPost, "/admin/dead-letters/replay", "write-token", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result deadletter.ReplayResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 1, result.Replayed)
}

func TestCleanup_RejectsMissingWindow(t *testing.T) {
	e, _ := newTestAdmin(t)
	rec := doRequest(e, http.MethodPost, "/admin/dead-letters/cleanup", "delete-token", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMappings_PagesRoomsAndUsers(t *testing.T) {
	e, st := newTestAdmin(t)
	ctx := context.Background()

	_, err := st.UpsertRoomMapping(ctx, store.RoomMapping{MatrixRoomID: "!r:hs", FeishuChatID: "oc_1", ChatType: store.ChatTypeGroup})
	require.NoError(t, err)
	_, err = st.UpsertUserMapping(ctx, store.UserMapping{MatrixUserID: "@feishu_ou_1:hs", FeishuOpenID: "ou_1"})
	require.NoError(t, err)

	rec := doRequest(e, http.MethodGet, "/admin/mappings?limit=10", "read-token", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp mappingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Rooms, 1)
	require.Len(t, resp.Users, 1)
	require.Equal(t, "oc_1", resp.Rooms[0].FeishuChatID)
}

func TestSession_MintsJWTForConsole(t *testing.T) {
	e, _ := newTestAdmin(t)

	rec := doRequest(e, http.MethodPost, "/admin/session", "write-token", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var session struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.NotEmpty(t, session.Token)

	// The JWT opens the console's read-only views but not the scoped API.
	rec = doRequest(e, http.MethodGet, "/admin/console/status", session.Token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(e, http.MethodGet, "/admin/status", session.Token, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDirectory_ListsUsersAndChats(t *testing.T) {
	e, _ := newTestAdmin(t)

	rec := doRequest(e, http.MethodGet, "/admin/directory/users", "read-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Alice")

	rec = doRequest(e, http.MethodGet, "/admin/directory/chats", "read-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "General")
}
