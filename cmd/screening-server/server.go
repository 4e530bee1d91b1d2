package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/config"
	"github.com/screening/screening/internal/domain/order"
	"github.com/screening/screening/internal/domain/publictoken"
	"github.com/screening/screening/internal/domain/report"
	"github.com/screening/screening/internal/domain/scoring"
	"github.com/screening/screening/internal/platform/audit"
	"github.com/screening/screening/internal/platform/auth"
	"github.com/screening/screening/internal/platform/blobstore"
	"github.com/screening/screening/internal/platform/db"
	"github.com/screening/screening/internal/platform/envelope"
	"github.com/screening/screening/internal/platform/feed"
	"github.com/screening/screening/internal/platform/metrics"
	"github.com/screening/screening/internal/platform/middleware"
	"github.com/screening/screening/internal/platform/renderer"
)

const version = "0.1.0"

// app holds the wired services shared by serve and sweep.
type app struct {
	tokens  *publictoken.Service
	reports *report.Service
	orders  *order.Service
	feed    *feed.Hub
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.BlobDriver == "s3" {
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:    cfg.BlobS3Bucket,
			Region:    cfg.BlobS3Region,
			Endpoint:  cfg.BlobS3Endpoint,
			PathStyle: cfg.BlobS3PathStyle,
		})
	}
	return blobstore.NewMemoryStore(), nil
}

func newRenderer(cfg *config.Config, logger zerolog.Logger) report.Renderer {
	if cfg.RendererURL == "" {
		return renderer.NewPlainRenderer()
	}
	return renderer.NewHTTPRenderer(cfg.RendererURL, time.Duration(cfg.RendererTimeoutS)*time.Second, logger)
}

func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, m *metrics.Metrics, logger zerolog.Logger) (*app, error) {
	reg, err := scoring.DefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("load instrument registry: %w", err)
	}
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	tx := db.NewTransactor(pool)
	sink := audit.Tee{audit.NewPGSink(pool), audit.NewLogSink(logger.With().Str("component", "audit").Logger())}
	stores := order.NewStoresPG(pool)
	hub := feed.NewHub(logger)

	tokens := publictoken.NewService(publictoken.NewRepoPG(pool), tx, sink, m, logger, publictoken.Config{
		TTL:               cfg.TokenTTL(),
		MaxFailedAttempts: cfg.MaxFailedAttempts,
	})
	reports := report.NewService(report.Deps{
		Repo:     report.NewRepoPG(pool),
		Orders:   stores.Orders,
		Patients: stores.Patients,
		Results:  stores.Results,
		Registry: reg,
		Renderer: newRenderer(cfg, logger),
		Blobs:    blobs,
		Tx:       tx,
		Audit:    sink,
		Metrics:  m,
		Feed:     hub,
		Logger:   logger,
	}, report.Config{OrgName: cfg.OrgName})
	orders := order.NewService(order.Deps{
		Stores:  stores,
		Tokens:  tokens,
		Reports: reports,
		Engine:  scoring.NewEngine(reg),
		Tx:      tx,
		Audit:   sink,
		Metrics: m,
		Feed:    hub,
		Logger:  logger,
	}, order.Config{
		LinkTTL:       cfg.LinkTTL(),
		AccessCodeTTL: cfg.AccessCodeTTL(),
		Retention:     cfg.Retention(),
	})
	return &app{tokens: tokens, reports: reports, orders: orders, feed: hub}, nil
}

func staffAuth(cfg *config.Config) echo.MiddlewareFunc {
	jwtMW := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.JWTSigningKey),
	})
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtMW)
	}
	return jwtMW
}

func newEcho(cfg *config.Config, pool *pgxpool.Pool, a *app, m *metrics.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = envelope.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30*time.Second, "/metrics", "/api/v1/inbox/feed"))
	e.Use(audit.Middleware())
	e.Use(m.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID",
			publictoken.HeaderToken, "Idempotency-Key"},
		// Browser clients must read the rotated public token to make the next call.
		ExposeHeaders: []string{"X-Content-SHA256", "X-Request-ID",
			publictoken.HeaderToken, publictoken.HeaderTokenExpiresAt},
	}))

	e.GET("/health", func(c echo.Context) error {
		return envelope.OK(c, "ok", map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.StatsOf(pool) }))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	staffLimit := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if staffLimit.RequestsPerSecond <= 0 {
		staffLimit = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api/v1", staffAuth(cfg), middleware.RateLimit(staffLimit), middleware.AccessLog(logger))

	// Public callers are keyed by IP alone; tokens never become limiter keys.
	public := e.Group("/public/v1/orders/:token", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.PublicRateLimitRPS,
		BurstSize:         cfg.PublicRateLimitBurst,
		KeyFunc:           func(c echo.Context) string { return c.RealIP() },
	}))

	order.NewHandler(a.orders).RegisterRoutes(api, public, publictoken.Middleware(a.tokens))
	report.NewHandler(a.reports).RegisterRoutes(api)
	feed.NewHandler(a.feed, cfg.CORSOrigins).RegisterRoutes(api)
	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	m := metrics.New()
	a, err := buildApp(ctx, cfg, pool, m, logger)
	if err != nil {
		return err
	}
	e := newEcho(cfg, pool, a, m, logger)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Str("blob_driver", cfg.BlobDriver).Msg("starting screening server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
