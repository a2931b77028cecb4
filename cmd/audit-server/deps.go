package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/clinicops/audittrail/internal/config"
	"github.com/clinicops/audittrail/internal/domain/auditlog"
	"github.com/clinicops/audittrail/internal/domain/compliance"
	"github.com/clinicops/audittrail/internal/platform/cache"
	"github.com/clinicops/audittrail/internal/platform/db"
	"github.com/clinicops/audittrail/internal/platform/metrics"
)

// deps are the long-lived resources shared by every command.
type deps struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	store     auditlog.Store
	directory auditlog.ActorDirectory
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	facets    *cache.Cache
	closers   []func()
}

func openDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d := &deps{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New(reg),
		registry: reg,
	}

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn().Msg("using in-memory audit store; events are lost on restart")
		d.store = auditlog.NewMemoryStore()
		d.directory = auditlog.StaticDirectory{}
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		d.pool = pool
		d.closers = append(d.closers, pool.Close)
		d.store = auditlog.NewPGStore(pool)
		d.directory = auditlog.NewPGDirectory(pool)
		logger.Info().Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			// the facet cache is optional; reports read the store directly
			logger.Warn().Err(err).Msg("redis unavailable, facet cache disabled")
		} else {
			c, err := cache.New(client, cfg.FacetCacheTTL)
			if err != nil {
				_ = client.Close()
				d.Close()
				return nil, err
			}
			d.facets = c
			d.closers = append(d.closers, func() { _ = client.Close() })
		}
	}
	return d, nil
}

// Close releases resources in reverse order of acquisition.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// recorderOptions wires metrics and, when the facet cache is on, drops cached
// filter options after each append.
func (d *deps) recorderOptions(svc *compliance.Service, extra ...auditlog.RecorderOption) []auditlog.RecorderOption {
	opts := []auditlog.RecorderOption{auditlog.WithRecorderMetrics(d.metrics)}
	if d.facets != nil {
		opts = append(opts, auditlog.WithAfterWrite(svc.InvalidateFacets))
	}
	return append(opts, extra...)
}

func (d *deps) complianceService() *compliance.Service {
	cfg := compliance.Config{
		BurstWindow:     d.cfg.BurstWindow,
		SessionWindow:   d.cfg.SessionWindow,
		ReportTimeout:   d.cfg.ReportTimeout,
		FallbackTimeout: d.cfg.ReportFallback,
		Thresholds: compliance.Thresholds{
			Failure: d.cfg.FailedLoginLimit,
			High:    d.cfg.FailedLoginHigh,
		},
	}
	cfg.Catalog = compliance.DefaultResourceCatalog()
	if len(d.cfg.ReportableResources) > 0 {
		cfg.Catalog = compliance.NewResourceCatalog(d.cfg.ReportableResources...)
	}

	opts := []compliance.ServiceOption{compliance.WithMetrics(d.metrics)}
	if d.facets != nil {
		opts = append(opts, compliance.WithFacetCache(d.facets))
	}
	return compliance.NewService(d.store, d.directory, cfg, d.logger, opts...)
}

// resolveSigningKey decodes AUTH_SIGNING_KEY. An empty value means tokens
// are verified against the JWKS endpoint only.
func resolveSigningKey(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}
