package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Scope is one of the admin API's three capabilities.
type Scope string

const (
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"
	ScopeDelete Scope = "delete"
)

// Tokens holds the three independently-configured bearer tokens. An empty
// token for a scope disables that scope entirely — every request against it
// is rejected, matching the "fail closed on missing config" posture of the
// rest of the admin surface.
type Tokens struct {
	Read   string
	Write  string
	Delete string
}

func (t Tokens) valueFor(scope Scope) string {
	switch scope {
	case ScopeRead:
		return t.Read
	case ScopeWrite:
		return t.Write
	case ScopeDelete:
		return t.Delete
	default:
		return ""
	}
}

// RequireScope returns middleware that accepts only a bearer token matching
// the configured token for scope, compared in constant time.
func RequireScope(tokens Tokens, scope Scope) echo.MiddlewareFunc {
	expected := strings.TrimSpace(tokens.valueFor(scope))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if expected == "" {
				return echo.NewHTTPError(http.StatusForbidden, "scope not configured: "+string(scope))
			}
			got := bearerToken(c.Request().Header.Get("Authorization"))
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
			}
			return next(c)
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
