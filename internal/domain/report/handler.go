package report

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/screening/screening/internal/domain/order"
	"github.com/screening/screening/internal/platform/auth"
	"github.com/screening/screening/internal/platform/envelope"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	desk := api.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleClinician))
	desk.POST("/orders/:id/report", h.Generate)
	desk.GET("/orders/:id/report", h.Get)
	desk.POST("/orders/:id/report/pdf", h.RenderPDF)
	desk.GET("/orders/:id/report/pdf", h.DownloadPDF)

	clinical := api.Group("", auth.RequireRole(auth.RoleClinician))
	clinical.POST("/orders/:id/report/signoff", h.Override)
	clinical.POST("/orders/:id/report/review", h.MarkReviewed)
}

func orderID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type generateBody struct {
	CorrectionReason *string `json:"correction_reason"`
}

func (h *Handler) Generate(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var body generateBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.Generate(c.Request().Context(), id, body.CorrectionReason)
	if err != nil {
		return err
	}
	if out.Created {
		return envelope.Created(c, "report generated", out.Report)
	}
	return envelope.OK(c, "report already generated", out.Report)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, "report", r)
}

func (h *Handler) RenderPDF(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.RenderPDF(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, "report rendered", r.Summary())
}

func (h *Handler) DownloadPDF(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	dl, err := h.svc.StaffDownload(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return order.WriteDownload(c, dl)
}

func (h *Handler) Override(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var in OverrideInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	r, err := h.svc.Override(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return envelope.OK(c, "signoff recorded", r.Summary())
}

func (h *Handler) MarkReviewed(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.MarkReviewed(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, "report reviewed", r.Summary())
}
