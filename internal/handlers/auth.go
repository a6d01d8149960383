package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/shop_assistant/internal/auth"
	"github.com/Skotchmaster/shop_assistant/internal/logging"
	authmw "github.com/Skotchmaster/shop_assistant/internal/middleware/auth"
	limitmw "github.com/Skotchmaster/shop_assistant/internal/middleware/limit"
	"github.com/Skotchmaster/shop_assistant/internal/models"
	"github.com/Skotchmaster/shop_assistant/internal/repo"
)

const AccessCookie = "accessToken"

type AuthService interface {
	Register(ctx context.Context, email, password string) (*models.User, error)
	Login(ctx context.Context, email, password, ip string) (*auth.LoginResult, error)
	Logout(ctx context.Context, raw string) error
}

type UserLookup interface {
	FindUserByID(ctx context.Context, id uint) (*models.User, error)
}

type AuthHandler struct {
	Auth  AuthService
	Users UserLookup

	// SecureCookie marks the access cookie Secure; off only for plain HTTP
	// local setups.
	SecureCookie bool
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func CreateCookie(name, value, path string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *AuthHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_register")

	var req credentials
	if err := c.Bind(&req); err != nil {
		l.Warn("register_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	user, err := h.Auth.Register(ctx, req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrValidation):
		l.Warn("register_failed", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		l.Warn("register_failed", "status", 409, "reason", "user_exists")
		return echo.NewHTTPError(http.StatusConflict, "user already exists")
	default:
		l.Error("register_failed", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	l.Info("register_success", "status", 201, "user_id", user.ID)
	return c.JSON(http.StatusCreated, user)
}

func (h *AuthHandler) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req credentials
	if err := c.Bind(&req); err != nil {
		l.Warn("login_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	res, err := h.Auth.Login(ctx, req.Email, req.Password, c.RealIP())
	if err != nil {
		var le *auth.RateLimitError
		switch {
		case errors.As(err, &le):
			limitmw.SetRetryAfter(c, le)
			l.Warn("login_failed", "status", 429, "reason", "rate_limited")
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many login attempts")
		case errors.Is(err, auth.ErrValidation):
			l.Warn("login_failed", "status", 400, "error", err)
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrInvalidCredentials):
			l.Warn("login_failed", "status", 401, "reason", "invalid email or password")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid email or password")
		case errors.Is(err, auth.ErrAccountDisabled):
			l.Warn("login_failed", "status", 403, "reason", "account_disabled")
			return echo.NewHTTPError(http.StatusForbidden, "account disabled")
		default:
			l.Error("login_failed", "status", 500, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
		}
	}

	c.SetCookie(CreateCookie(AccessCookie, res.Token, "/", res.ExpiresAt, h.SecureCookie))
	l.Info("login_success", "status", 200, "user_id", res.User.ID)
	return c.JSON(http.StatusOK, res)
}

func (h *AuthHandler) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_logout")

	raw := authmw.TokenFromRequest(c.Request())
	if raw == "" {
		l.Warn("logout_failed", "status", 401, "reason", "missing token")
		return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}

	if err := h.Auth.Logout(ctx, raw); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			l.Warn("logout_failed", "status", 401, "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
		}
		l.Error("logout_failed", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	cleared := CreateCookie(AccessCookie, "", "/", time.Unix(0, 0), h.SecureCookie)
	cleared.MaxAge = -1
	c.SetCookie(cleared)

	l.Info("logout_success", "status", 200)
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

func (h *AuthHandler) Me(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_me")

	claims := authmw.ClaimsFrom(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
	}

	user, err := h.Users.FindUserByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			l.Warn("me_failed", "status", 404, "user_id", claims.UserID())
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		l.Error("me_failed", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, user)
}
