// Package envelope renders every JSON response as {success, message, data}
// and converts handler errors into that shape.
package envelope

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/platform/apperr"
)

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func OK(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusOK, Response{Success: true, Message: message, Data: data})
}

func Created(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusCreated, Response{Success: true, Message: message, Data: data})
}

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPermissionDenied:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindStateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler returns an echo.HTTPErrorHandler that writes the envelope.
// Internal and integrity failures are logged with their cause and answered
// with a fixed message; permission failures are logged with the hidden reason.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		resp := Response{Success: false, Message: "Internal server error"}
		rid, _ := c.Get("request_id").(string)

		var ae *apperr.Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			status = StatusFor(ae.Kind)
			switch ae.Kind {
			case apperr.KindInternal:
				logger.Error().Err(ae.Cause).Str("request_id", rid).Msg("internal error")
			case apperr.KindIntegrityFailure:
				logger.Error().Err(ae.Cause).Str("request_id", rid).Msg("integrity failure")
				resp.Message = ae.Message
			case apperr.KindPermissionDenied:
				logger.Warn().Err(ae.Cause).Str("request_id", rid).
					Str("path", c.Request().URL.Path).Str("remote_ip", c.RealIP()).
					Msg("permission denied")
				resp.Message = ae.Message
				resp.Data = ae.Data
			default:
				resp.Message = ae.Message
				resp.Data = ae.Data
			}
		case errors.As(err, &he):
			status = he.Code
			if status >= http.StatusInternalServerError {
				logger.Error().Err(err).Str("request_id", rid).Msg("http error")
			} else {
				resp.Message = fmt.Sprint(he.Message)
			}
		default:
			logger.Error().Err(err).Str("request_id", rid).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, resp)
		}
		if err != nil {
			logger.Error().Err(err).Str("request_id", rid).Msg("write error response")
		}
	}
}
