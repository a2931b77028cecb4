package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinicops/audittrail/internal/config"
	"github.com/clinicops/audittrail/internal/domain/auditlog"
	"github.com/clinicops/audittrail/internal/domain/compliance"
	"github.com/clinicops/audittrail/internal/platform/auth"
	"github.com/clinicops/audittrail/internal/platform/db"
	"github.com/clinicops/audittrail/internal/platform/middleware"
)

const (
	version        = "0.1.0"
	ingestBodySize = "256K"
)

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	svc := d.complianceService()
	recorder := auditlog.NewRecorder(d.store, logger,
		d.recorderOptions(svc, auditlog.WithAsync(cfg.RecorderBuffer))...,
	)

	e, err := newServer(d, svc, recorder)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// drain queued audit entries after the last request has finished
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("audit recorder did not drain")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with every route mounted.
func newServer(d *deps, svc *compliance.Service, recorder *auditlog.Recorder) (*echo.Echo, error) {
	cfg := d.cfg
	logger := d.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(d.metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	if cfg.UsesJWT() {
		key, err := resolveSigningKey(cfg.AuthSigningKey)
		if err != nil {
			return nil, err
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: key,
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		logger.Warn().Msg("development auth: every request runs as admin, set AUTH_ISSUER to require tokens")
		e.Use(auth.DevAuthMiddleware())
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if d.pool != nil {
		e.GET("/health/db", db.HealthHandler(d.pool))
	} else {
		e.GET("/health/db", db.PingHandler(memoryPinger{}, nil))
	}
	e.GET("/metrics", echo.WrapHandler(d.metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(requestTimeout(cfg)))
	apiV1.Use(middleware.Audit(recorder, middleware.AuditConfig{}))

	compliance.NewHandler(svc).RegisterRoutes(apiV1,
		auth.RequireRole(auth.RoleComplianceOfficer, auth.RoleAuditor))

	limit := middleware.DefaultRateLimitConfig()
	limit.RequestsPerSecond = cfg.IngestRPS
	limit.BurstSize = cfg.IngestBurst
	limit.OnReject = d.metrics.IncIngestRejected
	auditlog.NewHandler(recorder).RegisterRoutes(apiV1,
		middleware.RateLimit(limit),
		middleware.BodyLimit(ingestBodySize),
	)

	return e, nil
}

// requestTimeout leaves room for a report to run its full budget and the
// fallback pass before the request itself is cut off.
func requestTimeout(cfg *config.Config) time.Duration {
	return cfg.ReportTimeout + cfg.ReportFallback + 5*time.Second
}

// memoryPinger reports the in-memory store as always reachable.
type memoryPinger struct{}

func (memoryPinger) Ping(context.Context) error { return nil }
