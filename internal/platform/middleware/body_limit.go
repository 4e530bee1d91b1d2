package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit rejects request bodies larger than limit ("64K", "1M", ...)
// with 413, checking Content-Length up front and counting bytes as they are read.
func BodyLimit(limit string) echo.MiddlewareFunc {
	max := parseLimit(limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > max {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: max}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.remaining < 0 {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

// parseLimit understands K, M and G suffixes (with optional B). Unparseable
// input falls back to 1 MB.
func parseLimit(s string) int64 {
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	}
	n, err := strconv.ParseInt(strings.TrimRight(s, "GMK"), 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * mult
}
