package report

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screening/screening/internal/platform/apperr"
)

func newTestHandler(t *testing.T) (*fixture, *Handler, *echo.Echo) {
	f := newFixture(t)
	return f, NewHandler(f.svc), echo.New()
}

func (f *fixture) request(e *echo.Echo, method, id, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req.WithContext(f.ctx), rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, data any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)
	require.NoError(t, json.Unmarshal(env.Data, data))
}

func TestHandler_Generate(t *testing.T) {
	f, h, e := newTestHandler(t)
	o := f.completedOrder(false)

	c, rec := f.request(e, http.MethodPost, o.ID.String(), "")
	require.NoError(t, h.Generate(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	var first Report
	decodeData(t, rec, &first)
	assert.Equal(t, SignoffSystemSigned, first.SignoffStatus)
	assert.NotContains(t, rec.Body.String(), "pdf_key")

	c, rec = f.request(e, http.MethodPost, o.ID.String(), "")
	require.NoError(t, h.Generate(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	var again Report
	decodeData(t, rec, &again)
	assert.Equal(t, first.ID, again.ID)

	c, rec = f.request(e, http.MethodPost, o.ID.String(), `{"correction_reason":"wrong unit"}`)
	require.NoError(t, h.Generate(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	var corrected Report
	decodeData(t, rec, &corrected)
	require.NotNil(t, corrected.SupersedesReportID)
	assert.Equal(t, first.ID, *corrected.SupersedesReportID)
}

func TestHandler_BadInput(t *testing.T) {
	f, h, e := newTestHandler(t)

	c, _ := f.request(e, http.MethodPost, "not-a-uuid", "")
	err := h.Generate(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)

	o := f.completedOrder(false)
	c, _ = f.request(e, http.MethodPost, o.ID.String(), `{"status":`)
	err = h.Override(c)
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)

	c, _ = f.request(e, http.MethodGet, o.ID.String(), "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(h.Get(c)))
}

func TestHandler_SignoffAndReview(t *testing.T) {
	f, h, e := newTestHandler(t)
	o := f.completedOrder(true)
	f.generate(o.ID)

	c, rec := f.request(e, http.MethodPost, o.ID.String(), `{"status":"SIGNED","reason":"reviewed with patient"}`)
	require.NoError(t, h.Override(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	var sum struct {
		SignoffStatus string `json:"signoff_status"`
		ReviewStatus  string `json:"review_status"`
	}
	decodeData(t, rec, &sum)
	assert.Equal(t, SignoffSigned, sum.SignoffStatus)
	assert.Equal(t, ReviewPending, sum.ReviewStatus)

	c, rec = f.request(e, http.MethodPost, o.ID.String(), "")
	require.NoError(t, h.MarkReviewed(c))
	decodeData(t, rec, &sum)
	assert.Equal(t, ReviewReviewed, sum.ReviewStatus)
}

func TestHandler_RenderAndDownload(t *testing.T) {
	f, h, e := newTestHandler(t)
	o := f.completedOrder(false)
	f.generate(o.ID)

	c, rec := f.request(e, http.MethodPost, o.ID.String(), "")
	require.NoError(t, h.RenderPDF(c))
	var sum struct {
		HasPDF    bool   `json:"has_pdf"`
		PDFSHA256 string `json:"pdf_sha256"`
	}
	decodeData(t, rec, &sum)
	assert.True(t, sum.HasPDF)

	c, rec = f.request(e, http.MethodGet, o.ID.String(), "")
	require.NoError(t, h.DownloadPDF(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, sum.PDFSHA256, rec.Header().Get("X-Content-SHA256"))
	assert.Equal(t, "no-store", rec.Header().Get(echo.HeaderCacheControl))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF-"))
}
