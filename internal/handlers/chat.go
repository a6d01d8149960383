package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/shop_assistant/internal/auth"
	"github.com/Skotchmaster/shop_assistant/internal/logging"
	authmw "github.com/Skotchmaster/shop_assistant/internal/middleware/auth"
	"github.com/Skotchmaster/shop_assistant/internal/models"
	"github.com/Skotchmaster/shop_assistant/internal/repo"
	"github.com/Skotchmaster/shop_assistant/internal/util"
)

const maxCommentRunes = 1000

type ChatStore interface {
	FindSession(ctx context.Context, id string) (*models.Session, error)
	ListSessionMessages(ctx context.Context, sessionID string, offset, limit int) ([]models.Message, error)
	CreateFeedback(ctx context.Context, f *models.Feedback) error
}

type ChatHandler struct {
	Store ChatStore
}

// History lists a session's messages oldest first. Staff may read any
// session; users only their own.
func (h *ChatHandler) History(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "chat_history")

	claims := authmw.ClaimsFrom(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
	}

	sessionID := c.Param("id")
	session, err := h.Store.FindSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		l.Error("history_failed", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	if session.UserID != claims.UserID() && auth.RequireRole(claims, models.RoleAdmin, models.RoleSupport) != nil {
		l.Warn("history_forbidden", "status", 403, "session_id", sessionID)
		return echo.NewHTTPError(http.StatusForbidden, "not enough rights")
	}

	page := queryInt(c, "page", 1)
	offset, limit := util.Page(page, queryInt(c, "size", 0))
	msgs, err := h.Store.ListSessionMessages(ctx, sessionID, offset, limit)
	if err != nil {
		l.Error("history_failed", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"session_id": sessionID,
		"page":       max(page, 1),
		"size":       limit,
		"messages":   msgs,
	})
}

func (h *ChatHandler) Feedback(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "chat_feedback")

	claims := authmw.ClaimsFrom(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
	}

	var req struct {
		SessionID string `json:"session_id"`
		Rating    int    `json:"rating"`
		Comment   string `json:"comment"`
	}
	if err := c.Bind(&req); err != nil {
		l.Warn("feedback_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	req.Comment = strings.TrimSpace(req.Comment)
	if req.SessionID == "" || req.Rating < 1 || req.Rating > 5 {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id and rating 1..5 are required")
	}
	if utf8.RuneCountInString(req.Comment) > maxCommentRunes {
		return echo.NewHTTPError(http.StatusBadRequest, "comment too long")
	}

	session, err := h.Store.FindSession(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		l.Error("feedback_failed", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	if session.UserID != claims.UserID() {
		l.Warn("feedback_forbidden", "status", 403, "session_id", req.SessionID)
		return echo.NewHTTPError(http.StatusForbidden, "not your session")
	}

	fb := models.Feedback{
		SessionID: req.SessionID,
		UserID:    claims.UserID(),
		Rating:    req.Rating,
		Comment:   req.Comment,
	}
	if err := h.Store.CreateFeedback(ctx, &fb); err != nil {
		l.Error("feedback_failed", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	l.Info("feedback_saved", "status", 201, "session_id", fb.SessionID, "rating", fb.Rating)
	return c.JSON(http.StatusCreated, fb)
}

func queryInt(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
