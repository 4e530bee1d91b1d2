package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. Database calls and
// the renderer client observe it; the handler itself is not interrupted.
// Paths under skipPrefixes keep the server's default.
func RequestTimeout(timeout time.Duration, skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, p := range skipPrefixes {
				if strings.HasPrefix(c.Request().URL.Path, p) {
					return next(c)
				}
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
