package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/screening/screening/internal/platform/envelope"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// Pinger is the health-check view of a pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

func StatsOf(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler pings the database with a 5s budget. stats may be nil.
func HealthHandler(p Pinger, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		data := map[string]any{"status": "healthy"}
		if stats != nil {
			data["pool"] = stats()
		}

		if err := p.Ping(ctx); err != nil {
			data["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, envelope.Response{
				Success: false,
				Message: "database unreachable",
				Data:    data,
			})
		}
		return envelope.OK(c, "database reachable", data)
	}
}
