// Package limitmw throttles REST traffic per client IP through the shared
// fixed-window limiter.
package limitmw

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/shop_assistant/internal/logging"
	"github.com/Skotchmaster/shop_assistant/internal/ratelimit"
)

type Consumer interface {
	Consume(ctx context.Context, key string) error
}

func PerIP(l Consumer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := l.Consume(c.Request().Context(), c.RealIP())
			if err == nil {
				return next(c)
			}

			var le *ratelimit.LimitedError
			if errors.As(err, &le) {
				SetRetryAfter(c, le)
				logging.FromContext(c.Request().Context()).Warn("request_rate_limited", "retry_after_s", le.RetryAfter.Seconds())
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			return err
		}
	}
}

// SetRetryAfter writes the Retry-After header in whole seconds, rounded up.
func SetRetryAfter(c echo.Context, le *ratelimit.LimitedError) {
	secs := int(math.Ceil(le.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set(echo.HeaderRetryAfter, strconv.Itoa(secs))
}
