package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/shop_assistant/internal/logging"
)

type HealthHandler struct {
	Started time.Time
	Now     func() time.Time

	// Ready lists the dependencies that must answer before the instance
	// takes traffic.
	Ready map[string]Pinger
}

func (h *HealthHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *HealthHandler) Health(c echo.Context) error {
	now := h.now()
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "ok",
		"uptime":    int64(now.Sub(h.Started).Seconds()),
		"timestamp": now,
	})
}

func (h *HealthHandler) Live(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (h *HealthHandler) Readiness(c echo.Context) error {
	ctx := c.Request().Context()

	checks := make(map[string]string, len(h.Ready))
	code := http.StatusOK
	for name, p := range h.Ready {
		checks[name] = probe(ctx, p)
		if checks[name] != "ok" {
			code = http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		logging.FromContext(ctx).Warn("not_ready", "checks", checks)
	}
	return c.JSON(code, echo.Map{"checks": checks})
}
