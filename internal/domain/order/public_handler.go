package order

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/screening/screening/internal/domain/publictoken"
	"github.com/screening/screening/internal/platform/apperr"
	"github.com/screening/screening/internal/platform/envelope"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// registerPublicRoutes mounts the patient routes. public is expected to be
// rooted at /public/v1/orders/:token; every route passes the token gate.
func (h *Handler) registerPublicRoutes(public *echo.Group, gate echo.MiddlewareFunc) {
	g := public.Group("", gate)
	g.GET("", h.PublicBootstrap)
	g.GET("/consent", h.GetConsent)
	g.POST("/consent", h.RecordConsent)
	g.GET("/questions", h.Questions)
	g.POST("/submit", h.Submit)
	g.POST("/acceptance", h.Acceptance)
	g.POST("/report/access-code", h.IssueAccessCode)
	g.GET("/report.pdf", h.PublicDownload)
}

func access(c echo.Context) (*publictoken.Access, error) {
	acc := publictoken.AccessFromContext(c.Request().Context())
	if acc == nil {
		return nil, apperr.Denied(publictoken.InvalidLinkMessage, errors.New("no validated token on request"))
	}
	return acc, nil
}

func (h *Handler) PublicBootstrap(c echo.Context) error {
	acc, err := access(c)
	if err != nil {
		return err
	}
	b, err := h.svc.PublicBootstrap(c.Request().Context(), acc)
	if err != nil {
		return err
	}
	return envelope.OK(c, "order", b)
}

func (h *Handler) GetConsent(c echo.Context) error {
	acc, err := access(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.GetConsent(c.Request().Context(), acc, c.QueryParam("lang"))
	if err != nil {
		return err
	}
	return envelope.OK(c, "consent", doc)
}

func (h *Handler) RecordConsent(c echo.Context) error {
	acc, err := access(c)
	if err != nil {
		return err
	}
	var in ConsentInput
	if err := bind(c, &in); err != nil {
		return err
	}
	client := publictoken.Client{IP: c.RealIP(), UserAgent: c.Request().UserAgent()}
	rec, err := h.svc.RecordConsent(c.Request().Context(), acc, client, in)
	if err != nil {
		return err
	}
	return envelope.Created(c, "consent recorded", rec)
}

func (h *Handler) Questions(c echo.Context) error {
	acc, err := access(c)
	if err != nil {
		return err
	}
	qs, err := h.svc.Questions(c.Request().Context(), acc)
	if err != nil {
		return err
	}
	return envelope.OK(c, "questions", qs)
}

func (h *Handler) Submit(c echo.Context) error {
	acc, err := access(c)
	if err != nil {
		return err
	}
	var sub Submission
	if err := bind(c, &sub); err != nil {
		return err
	}
	res, err := h.svc.SubmitTest(c.Request().Context(), acc, sub, c.Request().Header.Get(HeaderIdempotencyKey))
	if err != nil {
		return err
	}
	msg := "test submitted"
	if res.Completed {
		msg = "assessment completed"
	}
	return envelope.OK(c, msg, res)
}

func (h *Handler) Acceptance(c echo.Context) error {
	acc, err := access(c)
	if err != nil {
		return err
	}
	var in AcceptanceInput
	if err := bind(c, &in); err != nil {
		return err
	}
	o, err := h.svc.RecordAcceptance(c.Request().Context(), acc, in)
	if err != nil {
		return err
	}
	return envelope.OK(c, "acceptance recorded", map[string]any{
		"order_id":          o.ID,
		"status":            o.Status,
		"acceptance_status": o.AcceptanceStatus,
	})
}

func (h *Handler) IssueAccessCode(c echo.Context) error {
	acc, err := access(c)
	if err != nil {
		return err
	}
	code, err := h.svc.IssueAccessCode(c.Request().Context(), acc)
	if err != nil {
		return err
	}
	return envelope.OK(c, "access code issued", code)
}

func (h *Handler) PublicDownload(c echo.Context) error {
	acc, err := access(c)
	if err != nil {
		return err
	}
	dl, err := h.svc.PublicDownload(c.Request().Context(), acc, c.QueryParam("code"))
	if err != nil {
		return err
	}
	return WriteDownload(c, dl)
}

// WriteDownload streams a verified artifact with its digest.
func WriteDownload(c echo.Context, dl *Download) error {
	hdr := c.Response().Header()
	hdr.Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, dl.Filename))
	hdr.Set("X-Content-SHA256", dl.SHA256)
	hdr.Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, dl.ContentType, dl.Data)
}
