package compliance

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mssola/useragent"
	"github.com/rs/zerolog"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
	"github.com/clinicops/audittrail/internal/domain/auditlog/session"
)

// SystemActor keys activity recorded without an actor.
const SystemActor = "system"

// DefaultPatientAccessDays is the trailing window when the caller gives none.
const DefaultPatientAccessDays = 30

// ActorAccess is one actor's share of a patient's access history.
type ActorAccess struct {
	ActorID     string            `json:"actorId"`
	Name        string            `json:"name"`
	Role        string            `json:"role,omitempty"`
	AccessCount int               `json:"accessCount"`
	IPAddresses []string          `json:"ipAddresses"`
	UserAgents  []string          `json:"userAgents"`
	Clients     []string          `json:"clients"`
	AccessTypes []auditlog.Action `json:"accessTypes"`
	FirstAccess time.Time         `json:"firstAccess"`
	LastAccess  time.Time         `json:"lastAccess"`
}

// TimeSpan is the distance between the first and last access.
type TimeSpan struct {
	Seconds int64  `json:"seconds"`
	Human   string `json:"human"`
}

type AccessSummary struct {
	UniqueUsers int                     `json:"uniqueUsers"`
	UniqueIPs   int                     `json:"uniqueIPs"`
	AccessTypes map[auditlog.Action]int `json:"accessTypes"`
	TimeSpan    TimeSpan                `json:"timeSpan"`
}

// PatientAccessReport answers who touched one patient's records, when and
// how often. AccessCount counts sessions, not raw events.
type PatientAccessReport struct {
	PatientID     string                 `json:"patientId"`
	AccessCount   int                    `json:"accessCount"`
	FirstAccessed time.Time              `json:"firstAccessed"`
	LastAccessed  time.Time              `json:"lastAccessed"`
	AccessedBy    map[string]ActorAccess `json:"accessedBy"`
	Summary       AccessSummary          `json:"summary"`
}

// ReportWindow is the time range a report covers.
type ReportWindow struct {
	Start time.Time     `json:"start"`
	End   time.Time     `json:"end"`
	Span  time.Duration `json:"-"`
}

type PatientAccessResult struct {
	Reports            []PatientAccessReport `json:"reports"`
	Window             ReportWindow          `json:"window"`
	UnresolvedSessions int                   `json:"unresolvedSessions"`
	Degraded           bool                  `json:"degraded"`
}

// PatientResolver maps a session to the patient it concerns. links carries
// resource id to patient id pairs learned from event payloads in the same
// request, for history entries stored under their own id.
type PatientResolver interface {
	ResolvePatient(s session.Session, links map[string]string) (string, bool)
}

// PatientResolverFunc adapts a function to PatientResolver.
type PatientResolverFunc func(s session.Session, links map[string]string) (string, bool)

func (f PatientResolverFunc) ResolvePatient(s session.Session, links map[string]string) (string, bool) {
	return f(s, links)
}

// DefaultPatientResolver prefers a payload link. Without one, only a session
// that touched a Patient resource resolves, to its resource id. Blank ids and
// query fragments do not resolve.
var DefaultPatientResolver PatientResolverFunc = func(s session.Session, links map[string]string) (string, bool) {
	if id, ok := links[s.ResourceID]; ok {
		return id, true
	}
	if !slices.Contains(s.ResourceTypes, auditlog.ResourcePatient) {
		return "", false
	}
	id := strings.TrimSpace(s.ResourceID)
	if id == "" || isQueryFragment(id) {
		return "", false
	}
	return id, true
}

// PatientAccessQuery selects the window and, optionally, a single patient.
type PatientAccessQuery struct {
	Days      int
	PatientID string
}

func (q PatientAccessQuery) Validate() error {
	if q.Days < 0 || q.Days > 366 {
		return auditlog.Invalid("days", "must be between 1 and 366")
	}
	return nil
}

// PatientAccessAggregator builds patient access reports from the store.
type PatientAccessAggregator struct {
	store     auditlog.Store
	strategy  session.Strategy
	directory auditlog.ActorDirectory
	resolver  PatientResolver
	logger    zerolog.Logger
}

func NewPatientAccessAggregator(store auditlog.Store, strategy session.Strategy, dir auditlog.ActorDirectory, resolver PatientResolver, logger zerolog.Logger) *PatientAccessAggregator {
	if resolver == nil {
		resolver = DefaultPatientResolver
	}
	return &PatientAccessAggregator{
		store:     store,
		strategy:  strategy,
		directory: dir,
		resolver:  resolver,
		logger:    logger,
	}
}

// Build computes the report over [now-span, now). The output depends only on
// the store contents and the arguments.
func (a *PatientAccessAggregator) Build(ctx context.Context, now time.Time, span time.Duration, patientID string) (*PatientAccessResult, error) {
	window := ReportWindow{Start: now.Add(-span), End: now, Span: span}
	filter := auditlog.Filter{
		Start:         window.Start,
		End:           window.End,
		ResourceTypes: []string{auditlog.ResourcePatient, auditlog.ResourcePatientHistory},
	}

	links := make(map[string]string)
	tapped := func(yield func(auditlog.Event, error) bool) {
		for e, err := range a.store.Query(ctx, filter) {
			if err == nil {
				learnLink(links, e)
			}
			if !yield(e, err) {
				return
			}
		}
	}

	// Sessions are held until the stream ends: a history link may be learned
	// from an event after the session that needs it has closed.
	var sessions []session.Session
	err := a.strategy.Stream(ctx, tapped, func(s session.Session) error {
		sessions = append(sessions, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cluster patient access: %w", err)
	}

	acc := make(map[string]*patientAcc)
	unresolved := 0
	for _, s := range sessions {
		pid, ok := a.resolver.ResolvePatient(s, links)
		if !ok {
			unresolved++
			a.logger.Debug().
				Str("actor_id", s.ActorID).
				Str("resource_id", s.ResourceID).
				Int("events", s.Size()).
				Msg("session has no resolvable patient")
			continue
		}
		if patientID != "" && pid != patientID {
			continue
		}
		p, ok := acc[pid]
		if !ok {
			p = newPatientAcc(pid)
			acc[pid] = p
		}
		p.add(s)
	}

	actors := a.resolveActors(ctx, acc)

	reports := make([]PatientAccessReport, 0, len(acc))
	for _, p := range acc {
		reports = append(reports, p.report(actors))
	}
	slices.SortFunc(reports, func(x, y PatientAccessReport) int {
		return cmp.Or(y.LastAccessed.Compare(x.LastAccessed), cmp.Compare(x.PatientID, y.PatientID))
	})

	return &PatientAccessResult{
		Reports:            reports,
		Window:             window,
		UnresolvedSessions: unresolved,
	}, nil
}

// learnLink records the patient a history entry belongs to when the entry is
// stored under its own id.
func learnLink(links map[string]string, e auditlog.Event) {
	if e.ResourceID == "" {
		return
	}
	for _, p := range []auditlog.Payload{e.After, e.Before} {
		if pid := p.PatientID(); pid != "" && pid != e.ResourceID {
			links[e.ResourceID] = pid
			return
		}
	}
}

func (a *PatientAccessAggregator) resolveActors(ctx context.Context, acc map[string]*patientAcc) map[string]auditlog.Actor {
	seen := make(map[string]struct{})
	for _, p := range acc {
		for id := range p.actors {
			if id != SystemActor {
				seen[id] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	actors, err := auditlog.ResolveActors(ctx, a.directory, ids)
	if err != nil {
		a.logger.Warn().Err(err).Msg("actor directory unavailable, using raw actor ids")
		actors, _ = auditlog.ResolveActors(ctx, nil, ids)
	}
	actors[SystemActor] = auditlog.Actor{ID: SystemActor, Label: "System"}
	return actors
}

type actorAcc struct {
	count       int
	first, last time.Time
	ips         map[string]struct{}
	agents      map[string]struct{}
	access      map[auditlog.Action]struct{}
}

type patientAcc struct {
	id          string
	count       int
	first, last time.Time
	histogram   map[auditlog.Action]int
	actors      map[string]*actorAcc
}

func newPatientAcc(id string) *patientAcc {
	return &patientAcc{
		id:        id,
		histogram: make(map[auditlog.Action]int),
		actors:    make(map[string]*actorAcc),
	}
}

func (p *patientAcc) add(s session.Session) {
	p.count++
	if p.first.IsZero() || s.Start.Before(p.first) {
		p.first = s.Start
	}
	if s.End.After(p.last) {
		p.last = s.End
	}
	for _, t := range s.AccessTypes {
		p.histogram[t]++
	}

	key := s.ActorID
	if key == "" {
		key = SystemActor
	}
	a, ok := p.actors[key]
	if !ok {
		a = &actorAcc{
			ips:    make(map[string]struct{}),
			agents: make(map[string]struct{}),
			access: make(map[auditlog.Action]struct{}),
		}
		p.actors[key] = a
	}
	a.count++
	if a.first.IsZero() || s.Start.Before(a.first) {
		a.first = s.Start
	}
	if s.End.After(a.last) {
		a.last = s.End
	}
	for _, ip := range s.SourceIPs {
		a.ips[ip] = struct{}{}
	}
	for _, ua := range s.UserAgents {
		a.agents[ua] = struct{}{}
	}
	for _, t := range s.AccessTypes {
		a.access[t] = struct{}{}
	}
}

func (p *patientAcc) report(actors map[string]auditlog.Actor) PatientAccessReport {
	by := make(map[string]ActorAccess, len(p.actors))
	allIPs := make(map[string]struct{})
	for id, a := range p.actors {
		for ip := range a.ips {
			allIPs[ip] = struct{}{}
		}
		agents := sortedSet(a.agents)
		access := make([]auditlog.Action, 0, len(a.access))
		for t := range a.access {
			access = append(access, t)
		}
		slices.Sort(access)

		who := actors[id]
		by[id] = ActorAccess{
			ActorID:     id,
			Name:        who.Label,
			Role:        who.Role,
			AccessCount: a.count,
			IPAddresses: sortedSet(a.ips),
			UserAgents:  agents,
			Clients:     clientLabels(agents),
			AccessTypes: access,
			FirstAccess: a.first,
			LastAccess:  a.last,
		}
	}

	span := p.last.Sub(p.first)
	return PatientAccessReport{
		PatientID:     p.id,
		AccessCount:   p.count,
		FirstAccessed: p.first,
		LastAccessed:  p.last,
		AccessedBy:    by,
		Summary: AccessSummary{
			UniqueUsers: len(p.actors),
			UniqueIPs:   len(allIPs),
			AccessTypes: maps.Clone(p.histogram),
			TimeSpan:    TimeSpan{Seconds: int64(span / time.Second), Human: humanSpan(span)},
		},
	}
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// clientLabels parses user agents into short "Browser on OS" labels.
func clientLabels(agents []string) []string {
	seen := make(map[string]struct{}, len(agents))
	for _, raw := range agents {
		seen[clientLabel(raw)] = struct{}{}
	}
	return sortedSet(seen)
}

func clientLabel(raw string) string {
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if ua.Bot() {
		return "Bot: " + name
	}
	if name == "" {
		return "Unknown client"
	}
	if major, _, ok := strings.Cut(version, "."); ok {
		version = major
	}
	label := strings.TrimSpace(name + " " + version)
	if platform := ua.OS(); platform != "" {
		label += " on " + platform
	}
	if ua.Mobile() {
		label += " (mobile)"
	}
	return label
}

func humanSpan(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	return strings.Join(parts, " ")
}
