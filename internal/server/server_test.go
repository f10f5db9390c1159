package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

type probeHandler struct{ registered bool }

func (h *probeHandler) Register(e *echo.Echo) {
	h.registered = true
	e.GET("/probe", func(c echo.Context) error { return c.String(http.StatusOK, "probe") })
}

func TestNewServer_RegistersHandlers(t *testing.T) {
	h := &probeHandler{}
	srv := NewServer(nil, ":0", h, nil)
	require.True(t, h.registered)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIsHealthPath(t *testing.T) {
	require.True(t, IsHealthPath("/ping"))
	require.True(t, IsHealthPath("/health"))
	require.False(t, IsHealthPath("/admin/status"))
}
