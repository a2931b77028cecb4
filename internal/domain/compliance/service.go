package compliance

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
	"github.com/clinicops/audittrail/internal/domain/auditlog/session"
	"github.com/clinicops/audittrail/internal/platform/metrics"
	"github.com/clinicops/audittrail/pkg/pagination"
)

const (
	DefaultReportTimeout   = 15 * time.Second
	DefaultFallbackTimeout = 10 * time.Second
)

// Config tunes the read side.
type Config struct {
	BurstWindow     time.Duration
	SessionWindow   time.Duration
	ReportTimeout   time.Duration
	FallbackTimeout time.Duration
	Thresholds      Thresholds
	Catalog         ResourceCatalog
}

func (c Config) withDefaults() Config {
	if c.BurstWindow <= 0 {
		c.BurstWindow = session.DefaultBurstWindow
	}
	if c.SessionWindow <= 0 {
		c.SessionWindow = session.DefaultSessionWindow
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = DefaultReportTimeout
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = DefaultFallbackTimeout
	}
	c.Thresholds = c.Thresholds.withDefaults()
	return c
}

// Service answers compliance queries over an audit store. It holds no state
// besides its dependencies; every call reads the store afresh.
type Service struct {
	store      auditlog.Store
	cfg        Config
	burst      session.Strategy
	aggregator *PatientAccessAggregator
	detector   *SecurityDetector
	facets     *FacetExtractor
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     zerolog.Logger
	now        func() time.Time
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithFacetCache(c OptionCache) ServiceOption {
	return func(s *Service) { s.facets.cache = c }
}

func WithPatientResolver(r PatientResolver) ServiceOption {
	return func(s *Service) { s.aggregator.resolver = r }
}

func NewService(store auditlog.Store, dir auditlog.ActorDirectory, cfg Config, logger zerolog.Logger, opts ...ServiceOption) *Service {
	cfg = cfg.withDefaults()
	logger = logger.With().Str("component", "compliance").Logger()
	s := &Service{
		store:      store,
		cfg:        cfg,
		burst:      session.NewBurst(cfg.BurstWindow),
		aggregator: NewPatientAccessAggregator(store, session.NewWindowed(cfg.SessionWindow), dir, nil, logger),
		detector:   NewSecurityDetector(store, cfg.Thresholds),
		facets:     NewFacetExtractor(store, dir, cfg.Catalog, logger),
		tracer:     otel.Tracer("audittrail/compliance"),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.facets.cache != nil {
		s.facets.observer = s.metrics
	}
	return s
}

// PatientAccess builds the per-patient access report over the trailing
// q.Days days.
func (s *Service) PatientAccess(ctx context.Context, q PatientAccessQuery) (*PatientAccessResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	days := q.Days
	if days == 0 {
		days = DefaultPatientAccessDays
	}
	now := s.now()

	res, degraded, err := budgeted(ctx, s, "patient_access", time.Duration(days)*24*time.Hour,
		func(ctx context.Context, span time.Duration) (*PatientAccessResult, error) {
			return s.aggregator.Build(ctx, now, span, q.PatientID)
		})
	if err != nil {
		return nil, err
	}
	res.Degraded = degraded
	return res, nil
}

// SecurityEvents runs the failed-login detector over the trailing hours.
func (s *Service) SecurityEvents(ctx context.Context, hours int) (*SecurityResult, error) {
	if hours < 0 || hours > 24*31 {
		return nil, auditlog.Invalid("hours", "must be between 1 and 744")
	}
	if hours == 0 {
		hours = DefaultSecurityHours
	}
	now := s.now()

	res, degraded, err := budgeted(ctx, s, "security_events", time.Duration(hours)*time.Hour,
		func(ctx context.Context, span time.Duration) (*SecurityResult, error) {
			return s.detector.Detect(ctx, now, span)
		})
	if err != nil {
		return nil, err
	}
	res.Degraded = degraded
	return res, nil
}

// budgeted runs fn over span under the report timeout. If that deadline
// passes it retries once over half the span under the fallback timeout and
// reports the result as degraded.
func budgeted[T any](ctx context.Context, s *Service, report string, span time.Duration, fn func(context.Context, time.Duration) (T, error)) (T, bool, error) {
	var zero T
	ctx, sp := s.tracer.Start(ctx, "compliance."+report,
		trace.WithAttributes(
			attribute.String("report", report),
			attribute.Int64("window_seconds", int64(span/time.Second)),
		))
	defer sp.End()

	started := time.Now()
	defer func() { s.metrics.ObserveReport(report, time.Since(started)) }()

	primary, cancel := context.WithTimeout(ctx, s.cfg.ReportTimeout)
	out, err := fn(primary, span)
	cancel()
	if err == nil {
		return out, false, nil
	}
	if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "report failed")
		return zero, false, err
	}

	half := span / 2
	s.logger.Warn().
		Str("report", report).
		Dur("timeout", s.cfg.ReportTimeout).
		Dur("fallback_window", half).
		Msg("report timed out, retrying over a shorter window")
	sp.AddEvent("degraded_retry", trace.WithAttributes(attribute.Int64("window_seconds", int64(half/time.Second))))

	fallback, cancel := context.WithTimeout(ctx, s.cfg.FallbackTimeout)
	defer cancel()
	out, err = fn(fallback, half)
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "report failed")
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.metrics.IncReportTimeout(report)
			return zero, false, fmt.Errorf("%s: %w", report, auditlog.ErrReportTimeout)
		}
		return zero, false, err
	}
	s.metrics.IncDegraded(report)
	sp.SetAttributes(attribute.Bool("degraded", true))
	return out, true, nil
}

// LogGroup is a burst of events collapsed into one listing row.
type LogGroup struct {
	session.Session
	Count int `json:"count"`
}

// LogPage is one page of a log listing. Exactly one of Events and Groups is
// set, depending on whether the listing was coalesced.
type LogPage struct {
	Events []auditlog.Event
	Groups []LogGroup
	Total  int
}

// Items returns whichever slice the page carries.
func (p LogPage) Items() any {
	if p.Groups != nil {
		return p.Groups
	}
	return p.Events
}

// ListLogs lists events newest first. With coalesce, events are first
// collapsed into bursts and the bursts are paged instead.
func (s *Service) ListLogs(ctx context.Context, f auditlog.Filter, p pagination.Params, coalesce bool) (*LogPage, error) {
	if coalesce {
		return s.coalesced(ctx, f, p)
	}
	events, total, err := s.store.List(ctx, f, auditlog.Page{Number: p.Page, Size: p.Limit})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []auditlog.Event{}
	}
	return &LogPage{Events: events, Total: total}, nil
}

// ListGDPRLogs lists the personal-data log.
func (s *Service) ListGDPRLogs(ctx context.Context, f auditlog.Filter, p pagination.Params) (*LogPage, error) {
	f.Category = auditlog.CategoryGDPR
	return s.ListLogs(ctx, f, p, false)
}

func (s *Service) coalesced(ctx context.Context, f auditlog.Filter, p pagination.Params) (*LogPage, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := (auditlog.Page{Number: p.Page, Size: p.Limit}).Validate(); err != nil {
		return nil, err
	}
	ctx, sp := s.tracer.Start(ctx, "compliance.coalesce_logs")
	defer sp.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReportTimeout)
	defer cancel()

	sessions, err := session.Collect(ctx, s.burst, s.store.Query(ctx, f))
	if err != nil {
		sp.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.IncReportTimeout("coalesce_logs")
			return nil, fmt.Errorf("coalesce logs: %w", auditlog.ErrReportTimeout)
		}
		return nil, fmt.Errorf("coalesce logs: %w", err)
	}
	slices.SortFunc(sessions, func(a, b session.Session) int {
		return cmp.Or(b.End.Compare(a.End), session.Compare(a, b))
	})

	start, end := p.Window(len(sessions))
	groups := make([]LogGroup, 0, end-start)
	for _, ss := range sessions[start:end] {
		groups = append(groups, LogGroup{Session: ss, Count: ss.Size()})
	}
	return &LogPage{Groups: groups, Total: len(sessions)}, nil
}

func (s *Service) AuditFilterOptions(ctx context.Context) (*AuditFilterOptions, error) {
	return s.facets.AuditOptions(ctx)
}

// InvalidateFacets drops cached filter options. It is called after every
// successful append.
func (s *Service) InvalidateFacets(ctx context.Context, _ auditlog.Event) {
	s.facets.Invalidate(ctx)
}

func (s *Service) GDPRFilterOptions(ctx context.Context) (*GDPRFilterOptions, error) {
	return s.facets.GDPROptions(ctx)
}
