package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/platform/auth"
)

// AccessLog emits a structured "access" line for staff API calls: who
// touched which resource. Persisted audit events are written by the services.
func AccessLog(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := c.Request().Context()
			rid, _ := c.Get("request_id").(string)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			logger.Info().
				Str("type", "access").
				Str("request_id", rid).
				Str("org_id", auth.OrgIDFromContext(ctx)).
				Str("user_id", auth.UserIDFromContext(ctx)).
				Strs("user_roles", auth.RolesFromContext(ctx)).
				Str("resource", resourceOf(path)).
				Str("resource_id", c.Param("id")).
				Str("action", actionOf(c.Request().Method)).
				Str("remote_ip", c.RealIP()).
				Int("status", status).
				Msg("access")
			return err
		}
	}
}

func actionOf(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return "read"
}

// resourceOf returns the first segment after /api/v1/.
func resourceOf(path string) string {
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/api/v1/"), "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}
