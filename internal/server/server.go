// Package server wires the echo HTTP server shared by the webhook
// receiver, the Matrix application-service endpoint, and the admin API.
package server

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

// Handler registers its routes onto the shared echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

// NewServer builds the shared HTTP server. Auth is entirely the
// responsibility of each Handler's own route-group middleware (scoped
// bearer tokens for admin routes, signature checks for the webhook, the
// hs_token check for the AS routes) — there is no blanket JWT gate here, unlike a single-tenant
// console app, because the bridge's three callers (Feishu, the Matrix
// homeserver, and the operator) each authenticate differently.
func NewServer(log *slog.Logger, addr string, handlers ...Handler) *Server {
	if addr == "" {
		addr = ":8080"
	}
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{
		echo:   e,
		addr:   addr,
		logger: log.With(slog.String("component", "server")),
	}
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// IsHealthPath reports whether path is one of the always-open probe routes.
func IsHealthPath(path string) bool {
	return path == "/ping" || path == "/health"
}
