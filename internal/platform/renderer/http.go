package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// HTTPRenderer posts the request to a document-rendering service and expects
// application/pdf back.
type HTTPRenderer struct {
	client *resty.Client
	logger zerolog.Logger
}

func NewHTTPRenderer(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPRenderer {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/pdf")
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})
	return &HTTPRenderer{
		client: client,
		logger: logger.With().Str("component", "renderer").Logger(),
	}
}

func (r *HTTPRenderer) Render(ctx context.Context, req Request) ([]byte, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/render")
	if err != nil {
		r.logger.Error().Err(err).Msg("renderer call failed")
		return nil, fmt.Errorf("renderer request: %w", err)
	}
	if resp.IsError() {
		r.logger.Error().Int("status", resp.StatusCode()).Str("body", truncate(resp.String(), 256)).
			Msg("renderer returned error")
		return nil, fmt.Errorf("renderer returned %d", resp.StatusCode())
	}
	body := resp.Body()
	if len(body) < 5 || string(body[:5]) != "%PDF-" {
		return nil, fmt.Errorf("renderer response is not a PDF")
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
