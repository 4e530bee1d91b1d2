package audit

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/screening/screening/internal/platform/auth"
)

// Source is where a request came from, copied onto events.
type Source struct {
	IP          string
	UserAgent   string
	RequestPath string
}

type sourceKey struct{}

// FromRequest captures the client address, user agent and path of c. Paths
// carrying a public token are recorded as the route pattern.
func FromRequest(c echo.Context) Source {
	return Source{
		IP:          c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
		RequestPath: requestPath(c),
	}
}

func requestPath(c echo.Context) string {
	for _, name := range c.ParamNames() {
		if name == "token" {
			return c.Path()
		}
	}
	return c.Request().URL.Path
}

// WithSource attaches src to ctx so services can stamp events without
// depending on echo.
func WithSource(ctx context.Context, src Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

func SourceFromContext(ctx context.Context) Source {
	src, _ := ctx.Value(sourceKey{}).(Source)
	return src
}

// New builds an event stamped with the request source and the staff identity
// on ctx, when present.
func New(ctx context.Context, eventType, entityType, entityID string, sev Severity) *Event {
	src := SourceFromContext(ctx)
	return &Event{
		OrgID:       auth.OrgIDFromContext(ctx),
		EventType:   eventType,
		EntityType:  entityType,
		EntityID:    entityID,
		ActorUserID: auth.UserIDFromContext(ctx),
		ActorName:   auth.UserNameFromContext(ctx),
		ActorRole:   auth.PrimaryRole(ctx),
		IP:          src.IP,
		UserAgent:   src.UserAgent,
		RequestPath: src.RequestPath,
		Severity:    sev,
	}
}

// With adds a detail key and returns e for chaining.
func (e *Event) With(key string, value any) *Event {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Middleware stores the request source on the request context.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := WithSource(c.Request().Context(), FromRequest(c))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
