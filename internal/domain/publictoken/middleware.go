package publictoken

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	HeaderToken          = "X-Public-Token"
	HeaderTokenExpiresAt = "X-Public-Token-Expires-At"
)

type accessKey struct{}

// WithAccess stores a validated access on ctx.
func WithAccess(ctx context.Context, a *Access) context.Context {
	return context.WithValue(ctx, accessKey{}, a)
}

// AccessFromContext returns the access set by Middleware, or nil.
func AccessFromContext(ctx context.Context) *Access {
	a, _ := ctx.Value(accessKey{}).(*Access)
	return a
}

// Middleware validates the secret from the X-Public-Token header, falling
// back to the :token path segment, and publishes its successor on the
// response before the handler runs, so the client can continue even when the
// handler fails.
func Middleware(svc *Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			secret := c.Request().Header.Get(HeaderToken)
			if secret == "" {
				secret = c.Param("token")
			}
			c.Response().Header().Set(echo.HeaderCacheControl, "no-store")

			req := c.Request()
			access, err := svc.Validate(req.Context(), secret, Client{IP: c.RealIP(), UserAgent: req.UserAgent()})
			if err != nil {
				return err
			}

			h := c.Response().Header()
			h.Set(HeaderToken, access.Next.Secret)
			h.Set(HeaderTokenExpiresAt, access.Next.ExpiresAt.UTC().Format(time.RFC3339))
			c.SetRequest(req.WithContext(WithAccess(req.Context(), access)))
			return next(c)
		}
	}
}
