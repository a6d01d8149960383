package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/shop_assistant/internal/flags"
	"github.com/Skotchmaster/shop_assistant/internal/logging"
	"github.com/Skotchmaster/shop_assistant/internal/models"
	"github.com/Skotchmaster/shop_assistant/internal/pipeline"
	"github.com/Skotchmaster/shop_assistant/internal/pubsub"
	"github.com/Skotchmaster/shop_assistant/internal/repo"
	"github.com/Skotchmaster/shop_assistant/internal/search"
	"github.com/Skotchmaster/shop_assistant/internal/util"
)

const (
	topIntents   = 5
	probeTimeout = 2 * time.Second
)

type AdminStore interface {
	ListUsers(ctx context.Context, f repo.UserFilter) (int64, []models.User, error)
	ChatAnalytics(ctx context.Context, now time.Time, topN int) (*repo.Analytics, error)
	Ping(ctx context.Context) error
}

type FlagAdmin interface {
	List() []flags.Flag
	Validate(f flags.Flag) error
	UpdateFlag(ctx context.Context, f flags.Flag) error
	DeleteFlag(ctx context.Context, name string) error
	Stats() flags.Stats
}

type CacheAdmin interface {
	Ping(ctx context.Context) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, keys ...string) bool
	FlushAll(ctx context.Context) bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type MessageIndex interface {
	Ping(ctx context.Context) error
	Search(ctx context.Context, q search.Query) (int64, []models.Message, error)
}

type SystemPublisher interface {
	Publish(ctx context.Context, ev pubsub.Event) error
}

type ConnectionCounter interface {
	Len() int
}

type AdminHandler struct {
	Store       AdminStore
	Flags       FlagAdmin
	Cache       CacheAdmin
	AI          Pinger
	Search      MessageIndex // nil when search is not configured
	Events      SystemPublisher
	Connections ConnectionCounter
	Started     time.Time
	Now         func() time.Time
}

func (h *AdminHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *AdminHandler) Users(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_users")

	page := queryInt(c, "page", 1)
	offset, limit := util.Page(page, queryInt(c, "size", 0))
	filter := repo.UserFilter{
		Role:   c.QueryParam("role"),
		Search: c.QueryParam("search"),
		Sort:   c.QueryParam("sort"),
		Desc:   strings.EqualFold(c.QueryParam("order"), "desc"),
		Offset: offset,
		Limit:  limit,
	}

	total, users, err := h.Store.ListUsers(ctx, filter)
	if err != nil {
		l.Error("list_users_failed", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total": total,
		"page":  max(page, 1),
		"size":  limit,
		"users": users,
	})
}

func (h *AdminHandler) Analytics(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_analytics")

	a, err := h.Store.ChatAnalytics(ctx, h.now(), topIntents)
	if err != nil {
		l.Error("analytics_failed", "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, echo.Map{
		"chat":  a,
		"flags": h.Flags.Stats(),
	})
}

// Status probes every dependency and reports "degraded" when any of them
// fails. It always answers 200 so dashboards can render the details.
func (h *AdminHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_status")

	checks := map[string]string{
		"database": probe(ctx, h.Store),
		"cache":    probe(ctx, h.Cache),
		"ai":       probe(ctx, h.AI),
		"search":   "disabled",
	}
	if h.Search != nil {
		checks["search"] = probe(ctx, h.Search)
	}

	status := "ok"
	for name, v := range checks {
		if v != "ok" && v != "disabled" {
			status = "degraded"
			l.Warn("dependency_unhealthy", "dependency", name, "error", v)
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	connections := 0
	if h.Connections != nil {
		connections = h.Connections.Len()
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":         status,
		"uptime_seconds": int64(h.now().Sub(h.Started).Seconds()),
		"checks":         checks,
		"connections":    connections,
		"goroutines":     runtime.NumGoroutine(),
		"memory": echo.Map{
			"alloc_bytes": mem.Alloc,
			"sys_bytes":   mem.Sys,
			"num_gc":      mem.NumGC,
		},
	})
}

func probe(ctx context.Context, p Pinger) string {
	if p == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}

func (h *AdminHandler) ListFlags(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"flags": h.Flags.List()})
}

// UpdateFlags applies a batch of flags. The whole batch is validated before
// anything is written.
func (h *AdminHandler) UpdateFlags(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_update_flags")

	var batch []flags.Flag
	if err := c.Bind(&batch); err != nil {
		l.Warn("update_flags_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if len(batch) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no flags given")
	}
	for _, f := range batch {
		if err := h.Flags.Validate(f); err != nil {
			l.Warn("update_flags_failed", "status", 400, "flag", f.Name, "error", err)
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	names := make([]string, 0, len(batch))
	for _, f := range batch {
		if err := h.Flags.UpdateFlag(ctx, f); err != nil {
			return h.flagStoreError(l, err)
		}
		names = append(names, f.Name)
	}

	h.announce(ctx, strings.Join(names, ","))
	l.Info("flags_updated", "status", 200, "flags", names)
	return c.JSON(http.StatusOK, echo.Map{"flags": h.Flags.List()})
}

func (h *AdminHandler) DeleteFlag(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_delete_flag")

	name := c.Param("name")
	if err := h.Flags.DeleteFlag(ctx, name); err != nil {
		return h.flagStoreError(l, err)
	}

	h.announce(ctx, name)
	l.Info("flag_deleted", "status", 204, "flag", name)
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) flagStoreError(l *slog.Logger, err error) error {
	if flags.IsStoreError(err) {
		l.Error("flag_store_failed", "status", 503, "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "flag store unavailable")
	}
	if errors.Is(err, flags.ErrInvalidFlag) {
		l.Warn("flag_invalid", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l.Error("flag_update_failed", "status", 500, "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func (h *AdminHandler) announce(ctx context.Context, names string) {
	if h.Events == nil {
		return
	}
	if err := h.Events.Publish(ctx, pubsub.NewEvent(pubsub.TypeFlagChanged, names)); err != nil {
		logging.FromContext(ctx).Warn("flag_change_publish_failed", "error", err)
	}
}

// FlushCache drops memoized replies. scope=all empties the whole cache,
// token revocations included.
func (h *AdminHandler) FlushCache(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_flush_cache")

	scope := c.QueryParam("scope")
	switch scope {
	case "", "responses":
		keys, err := h.Cache.Keys(ctx, pipeline.MemoPrefix+"*")
		if err != nil || !h.Cache.Delete(ctx, keys...) {
			l.Error("cache_flush_failed", "status", 503, "scope", "responses", "error", err)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "cache unavailable")
		}
		l.Info("cache_flushed", "status", 200, "scope", "responses", "deleted", len(keys))
		return c.JSON(http.StatusOK, echo.Map{"scope": "responses", "deleted": len(keys)})
	case "all":
		if !h.Cache.FlushAll(ctx) {
			l.Error("cache_flush_failed", "status", 503, "scope", "all")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "cache unavailable")
		}
		l.Warn("cache_flushed", "status", 200, "scope", "all")
		return c.JSON(http.StatusOK, echo.Map{"scope": "all"})
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "scope must be responses or all")
	}
}

func (h *AdminHandler) SearchMessages(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_search_messages")

	if h.Search == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search is not configured")
	}
	text := strings.TrimSpace(c.QueryParam("q"))
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}

	page := queryInt(c, "page", 1)
	from, size := util.Page(page, queryInt(c, "size", 0))
	total, msgs, err := h.Search.Search(ctx, search.Query{
		Text:      text,
		SessionID: c.QueryParam("session_id"),
		From:      from,
		Size:      size,
	})
	if err != nil {
		l.Error("search_failed", "status", 502, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "search failed")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total":    total,
		"page":     max(page, 1),
		"size":     size,
		"messages": msgs,
	})
}
