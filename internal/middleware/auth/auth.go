package authmw

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/shop_assistant/internal/auth"
	"github.com/Skotchmaster/shop_assistant/internal/logging"
)

const (
	ClaimsKey = "claims"
	UserIDKey = "user_id"
	RoleKey   = "role"

	accessCookie = "accessToken"
)

type Verifier interface {
	VerifyToken(ctx context.Context, raw string) (*auth.Claims, error)
}

// TokenFromRequest looks for the access token in the Authorization header,
// then the access cookie, then the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	if ck, err := r.Cookie(accessCookie); err == nil && ck.Value != "" {
		return ck.Value
	}
	return r.URL.Query().Get("token")
}

func RequireAuth(v Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := TokenFromRequest(c.Request())
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
			}

			claims, err := v.VerifyToken(c.Request().Context(), raw)
			if err != nil {
				logging.FromContext(c.Request().Context()).Info("auth_rejected", "reason", err.Error())
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
			}

			c.Set(ClaimsKey, claims)
			c.Set(UserIDKey, claims.UserID())
			c.Set(RoleKey, claims.Role)

			l := logging.FromContext(c.Request().Context()).With("user_id", claims.UserID())
			c.SetRequest(c.Request().WithContext(logging.IntoContext(c.Request().Context(), l)))
			return next(c)
		}
	}
}

// RequireRoles must run after RequireAuth.
func RequireRoles(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := auth.RequireRole(ClaimsFrom(c), roles...)
			switch {
			case err == nil:
				return next(c)
			case errors.Is(err, auth.ErrForbidden):
				return echo.NewHTTPError(http.StatusForbidden, "not enough rights")
			default:
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
			}
		}
	}
}

func ClaimsFrom(c echo.Context) *auth.Claims {
	claims, _ := c.Get(ClaimsKey).(*auth.Claims)
	return claims
}
