package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole passes requests whose identity holds one of roles. Admins pass
// every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasRole(have []string, want ...string) bool {
	for _, h := range have {
		if h == RoleAdmin {
			return true
		}
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
