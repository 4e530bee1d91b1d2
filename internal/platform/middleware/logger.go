package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request. Public routes log the route pattern
// instead of the raw path so access tokens never reach the logs.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// resolve the final status before logging
				c.Error(err)
			}

			status := c.Response().Status
			evt := logger.Info()
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			}

			rid, _ := c.Get("request_id").(string)
			evt.
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", loggablePath(c)).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return nil
		}
	}
}

func loggablePath(c echo.Context) string {
	for _, name := range c.ParamNames() {
		if name == "token" {
			return c.Path()
		}
	}
	return c.Request().URL.Path
}
