package order

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/screening/screening/internal/platform/auth"
	"github.com/screening/screening/internal/platform/envelope"
	"github.com/screening/screening/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the staff routes on api and the token-gated patient
// routes on public. gate validates and rotates the public token.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group, gate echo.MiddlewareFunc) {
	desk := api.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleClinician))
	desk.POST("/patients", h.CreatePatient)
	desk.POST("/orders", h.CreateOrder)
	desk.GET("/orders", h.ListOrders)
	desk.GET("/orders/:id", h.GetOrder)
	desk.POST("/orders/:id/cancel", h.CancelOrder)
	desk.POST("/orders/:id/public-link", h.ReissueLink)
	desk.POST("/orders/:id/deliver", h.Deliver)
	desk.GET("/orders/:id/export", h.Export)

	clinical := api.Group("", auth.RequireRole(auth.RoleClinician))
	clinical.GET("/inbox", h.Inbox)
	clinical.GET("/orders/:id/review", h.ReviewDetail)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/orders/:id/deletion-requests", h.RequestDeletion)
	admin.POST("/deletion-requests/:id/approve", h.ApproveDeletion)
	admin.POST("/deletion-requests/:id/reject", h.RejectDeletion)

	if public != nil {
		h.registerPublicRoutes(public, gate)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in CreatePatientInput
	if err := bind(c, &in); err != nil {
		return err
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return envelope.Created(c, "patient created", p)
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var in CreateOrderInput
	if err := bind(c, &in); err != nil {
		return err
	}
	out, err := h.svc.CreateOrder(c.Request().Context(), in)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return envelope.Created(c, "order created", out)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	var statuses []string
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				statuses = append(statuses, s)
			}
		}
	}
	items, total, err := h.svc.ListOrders(c.Request().Context(), statuses, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return envelope.OK(c, "orders", pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, "order", o)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body reasonBody
	if err := bind(c, &body); err != nil {
		return err
	}
	o, err := h.svc.Cancel(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return envelope.OK(c, "order cancelled", o)
}

func (h *Handler) ReissueLink(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ReissueLink(c.Request().Context(), id)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return envelope.OK(c, "public link reissued", out)
}

func (h *Handler) Deliver(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in DeliverInput
	if err := bind(c, &in); err != nil {
		return err
	}
	o, err := h.svc.Deliver(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return envelope.OK(c, "order delivered", o)
}

func (h *Handler) Export(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Export(c.Request().Context(), id)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="order-%s.json"`, id))
	return envelope.OK(c, "export", out)
}

func (h *Handler) Inbox(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Inbox(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return envelope.OK(c, "inbox", pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ReviewDetail(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.ReviewDetail(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, "review detail", d)
}

func (h *Handler) RequestDeletion(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body reasonBody
	if err := bind(c, &body); err != nil {
		return err
	}
	d, err := h.svc.RequestDeletion(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return envelope.Created(c, "deletion requested", d)
}

func (h *Handler) ApproveDeletion(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, purged, err := h.svc.ApproveDeletion(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, "deletion executed", map[string]any{"request": d, "purged": purged})
}

func (h *Handler) RejectDeletion(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body reasonBody
	if err := bind(c, &body); err != nil {
		return err
	}
	d, err := h.svc.RejectDeletion(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return envelope.OK(c, "deletion rejected", d)
}
