package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/platform/apperr"
	"github.com/screening/screening/internal/platform/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	_ = RequestID()(handler)(c)
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(func(c echo.Context) error { return nil })(c)
	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected a fresh uuid, got %q", got)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-1")

	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line: %v", err)
	}
	if line["request_id"] != "req-1" || line["path"] != "/test" || line["status"] != float64(200) {
		t.Errorf("unexpected log line: %v", line)
	}
}

func TestLogger_RedactsPublicToken(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/public/v1/orders/secret-token/consent", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/public/v1/orders/:token/consent")
	c.SetParamNames("token")
	c.SetParamValues("secret-token")

	_ = Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})(c)

	if strings.Contains(buf.String(), "secret-token") {
		t.Errorf("token leaked into log: %s", buf.String())
	}
}

func TestLogger_HandlesError(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})(c)
	if err != nil {
		t.Fatalf("error should be handled by the logger, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 written, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("expected warn level for 4xx: %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.New(io.Discard)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := Recovery(logger)(func(c echo.Context) error {
		panic("test panic")
	})(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if !apperr.Is(err, apperr.KindInternal) {
		t.Errorf("expected internal apperr, got %T", err)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())

	if err := Recovery(logger)(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := h(c); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("expected limit header 1, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_SeparateKeys(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})(func(c echo.Context) error {
		return nil
	})

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Real-IP", ip)
		if err := h(e.NewContext(req, httptest.NewRecorder())); err != nil {
			t.Errorf("ip %s: expected first request allowed, got %v", ip, err)
		}
	}
}

func TestRateLimit_OrgScopedKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{OrgID: "org-9"}))
	c := e.NewContext(req, httptest.NewRecorder())
	if got := clientKey(c); !strings.HasPrefix(got, "org-9:") {
		t.Errorf("expected org prefix, got %q", got)
	}
}

func TestLimiterStore_EvictsIdle(t *testing.T) {
	s := &limiterStore{entries: map[string]*limiterEntry{}, limit: 1, burst: 1, ttl: time.Minute}
	start := time.Now()
	s.get("a", start)
	s.get("b", start.Add(2*time.Minute))
	if _, ok := s.entries["a"]; ok {
		t.Error("expected idle limiter to be evicted")
	}
	if _, ok := s.entries["b"]; !ok {
		t.Error("expected active limiter to remain")
	}
}

func TestBodyLimit(t *testing.T) {
	e := echo.New()
	h := BodyLimit("1K")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})

	small := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	if err := h(e.NewContext(small, httptest.NewRecorder())); err != nil {
		t.Errorf("small body: unexpected error %v", err)
	}

	big := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 2048)))
	err := h(e.NewContext(big, httptest.NewRecorder()))
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", err)
	}

	chunked := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 2048)))
	chunked.ContentLength = -1
	err = h(e.NewContext(chunked, httptest.NewRecorder()))
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 without content length, got %v", err)
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"1K":   1 << 10,
		"64kb": 64 << 10,
		"2M":   2 << 20,
		"1G":   1 << 30,
		"512":  512,
		"":     1 << 20,
		"abc":  1 << 20,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	_ = SecurityHeaders()(func(c echo.Context) error { return nil })(c)

	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("expected %s header", h)
		}
	}
}

func TestRequestTimeout_SetsDeadline(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil), httptest.NewRecorder())
	_ = RequestTimeout(time.Second)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected deadline on request context")
		}
		return nil
	})(c)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), httptest.NewRecorder())
	_ = RequestTimeout(time.Second, "/metrics")(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("skipped path should have no deadline")
		}
		return nil
	})(c)
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/o-1/deliver", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{OrgID: "org-1", UserID: "u-1"}))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("o-1")

	_ = AccessLog(zerolog.New(&buf))(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line: %v", err)
	}
	if line["resource"] != "orders" || line["resource_id"] != "o-1" || line["action"] != "create" || line["org_id"] != "org-1" {
		t.Errorf("unexpected access line: %v", line)
	}
}

func TestAccessLog_SkipsOtherPaths(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	_ = AccessLog(zerolog.New(&buf))(func(c echo.Context) error { return nil })(c)
	if buf.Len() != 0 {
		t.Errorf("expected no access log for /health, got %s", buf.String())
	}
}
