package httpserver

import (
	"fmt"
	"net"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/shop_assistant/internal/gateway"
	"github.com/Skotchmaster/shop_assistant/internal/handlers"
	authmw "github.com/Skotchmaster/shop_assistant/internal/middleware/auth"
	"github.com/Skotchmaster/shop_assistant/internal/middleware/csrf"
	limitmw "github.com/Skotchmaster/shop_assistant/internal/middleware/limit"
	"github.com/Skotchmaster/shop_assistant/internal/models"
)

type Deps struct {
	// IPExtractor decides what c.RealIP returns. Nil means the socket peer
	// address, ignoring forwarding headers.
	IPExtractor echo.IPExtractor

	Verifier authmw.Verifier
	Limiter  limitmw.Consumer
	CSRF     csrf.Config

	AuthHandler   *handlers.AuthHandler
	ChatHandler   *handlers.ChatHandler
	AdminHandler  *handlers.AdminHandler
	HealthHandler *handlers.HealthHandler
	Gateway       *gateway.Gateway
}

// ClientIP builds the extractor for the deployment. Without trusted proxies
// the peer address is used as is. With them, X-Forwarded-For is walked from
// the right and the first hop outside the trusted ranges is the client.
func ClientIP(trustedProxies []string) (echo.IPExtractor, error) {
	if len(trustedProxies) == 0 {
		return echo.ExtractIPDirect(), nil
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, cidr := range trustedProxies {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		opts = append(opts, echo.TrustIPRange(ipNet))
	}
	return echo.ExtractIPFromXFFHeader(opts...), nil
}

func Register(e *echo.Echo, d *Deps) {
	e.IPExtractor = d.IPExtractor
	if e.IPExtractor == nil {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.GET("/health", d.HealthHandler.Health)
	e.GET("/health/live", d.HealthHandler.Live)
	e.GET("/health/ready", d.HealthHandler.Readiness)

	e.GET("/ws", d.Gateway.ServeWS)

	v1 := e.Group("/api/v1", limitmw.PerIP(d.Limiter), csrf.Middleware(d.CSRF))
	requireAuth := authmw.RequireAuth(d.Verifier)

	v1.POST("/auth/register", d.AuthHandler.Register)
	v1.POST("/auth/login", d.AuthHandler.Login)
	v1.POST("/auth/logout", d.AuthHandler.Logout)
	v1.GET("/auth/me", d.AuthHandler.Me, requireAuth)

	chat := v1.Group("/chat", requireAuth)

	chat.GET("/sessions/:id/messages", d.ChatHandler.History)
	chat.POST("/feedback", d.ChatHandler.Feedback)

	admin := v1.Group("/admin", requireAuth)
	adminOnly := authmw.RequireRoles(models.RoleAdmin)

	admin.GET("/status", d.AdminHandler.Status, authmw.RequireRoles(models.RoleAdmin, models.RoleSupport))
	admin.GET("/users", d.AdminHandler.Users, adminOnly)
	admin.GET("/analytics", d.AdminHandler.Analytics, adminOnly)
	admin.GET("/flags", d.AdminHandler.ListFlags, adminOnly)
	admin.PUT("/flags", d.AdminHandler.UpdateFlags, adminOnly)
	admin.DELETE("/flags/:name", d.AdminHandler.DeleteFlag, adminOnly)
	admin.POST("/cache/flush", d.AdminHandler.FlushCache, adminOnly)
	admin.GET("/messages/search", d.AdminHandler.SearchMessages, adminOnly)
}
