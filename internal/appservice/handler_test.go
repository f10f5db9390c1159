package appservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/feishu-matrix/bridge/internal/bridge"
	"github.com/feishu-matrix/bridge/internal/store"
)

type capturingSink struct {
	transactions []bridge.Transaction
}

func (s *capturingSink) HandleMatrixTransaction(ctx context.Context, txn bridge.Transaction) error {
	s.transactions = append(s.transactions, txn)
	return nil
}

func newTestHandler(t *testing.T) (*echo.Echo, *capturingSink) {
	t.Helper()
	st, err := store.Open(context.Background(), nil, filepath.Join(t.TempDir(), "as.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := &capturingSink{}
	h := NewHandler(nil, Config{
		HSToken:         "hs-secret",
		PuppetPrefix:    "feishu_",
		ServerName:      "example.org",
		SenderLocalpart: "feishubridge",
	}, st, sink)

	e := echo.New()
	h.Register(e)
	return e, sink
}

func putTransaction(e *echo.Echo, txnID, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/"+txnID, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTransaction_RejectsBadToken(t *testing.T) {
	e, sink := newTestHandler(t)

	rec := putTransaction(e, "txn1", "", `{"events":[]}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = putTransaction(e, "txn1", "wrong", `{"events":[]}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, sink.transactions)
}

func TestTransaction_DedupesEventsAcrossRetries(t *testing.T) {
	e, sink := newTestHandler(t)
	body := `{"events":[{"event_id":"$a:hs","room_id":"!r:hs","type":"m.room.message","sender":"@u:hs","content":{"msgtype":"m.text","body":"hi"}}]}`

	rec := putTransaction(e, "txn1", "hs-secret", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.transactions, 1)
	require.Len(t, sink.transactions[0].Events, 1)

	// The homeserver retries the same transaction; the event is already
	// recorded so nothing reaches the engine again.
	rec = putTransaction(e, "txn1-retry", "hs-secret", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.transactions, 1)
}

func TestTransaction_LegacyAccessTokenQueryParam(t *testing.T) {
	e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/txn2?access_token=hs-secret", strings.NewReader(`{"events":[]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestQueryUser_NamespaceCheck(t *testing.T) {
	e, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/_matrix/app/v1/users/@feishu_ou_1:example.org", nil)
	req.Header.Set("Authorization", "Bearer hs-secret")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/_matrix/app/v1/users/@alice:example.org", nil)
	req.Header.Set("Authorization", "Bearer hs-secret")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryRoomAlias_NotManaged(t *testing.T) {
	e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/_matrix/app/v1/rooms/%23general:example.org", nil)
	req.Header.Set("Authorization", "Bearer hs-secret")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
