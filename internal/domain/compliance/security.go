package compliance

import (
	"cmp"
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
)

const (
	EventMultipleFailedLogins = "MULTIPLE_FAILED_LOGINS"

	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"

	DefaultSecurityHours    = 24
	DefaultFailureThreshold = 5
	DefaultHighThreshold    = 10

	unknownIP = "unknown"
)

type SecurityDetails struct {
	AttemptCount     int       `json:"attemptCount"`
	FirstAttempt     time.Time `json:"firstAttempt"`
	LastAttempt      time.Time `json:"lastAttempt"`
	TargetedAccounts []string  `json:"targetedAccounts"`
	UserAgents       []string  `json:"userAgents"`
}

// SecurityEvent is a suspicious pattern found in the login history.
// Timestamp is the earliest offending attempt.
type SecurityEvent struct {
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	IPAddress string          `json:"ipAddress"`
	Timestamp time.Time       `json:"timestamp"`
	Details   SecurityDetails `json:"details"`
}

type SecurityResult struct {
	Events   []SecurityEvent `json:"events"`
	Window   ReportWindow    `json:"window"`
	Degraded bool            `json:"degraded"`
}

// Thresholds configure the brute-force detector.
type Thresholds struct {
	Failure int
	High    int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.Failure <= 0 {
		t.Failure = DefaultFailureThreshold
	}
	if t.High <= 0 {
		t.High = DefaultHighThreshold
	}
	return t
}

// SecurityDetector scans LOGIN_FAILED events for brute-force attempts. It
// keeps no counters between calls.
type SecurityDetector struct {
	store      auditlog.Store
	thresholds Thresholds
}

func NewSecurityDetector(store auditlog.Store, t Thresholds) *SecurityDetector {
	return &SecurityDetector{store: store, thresholds: t.withDefaults()}
}

type ipAttempts struct {
	count       int
	first, last time.Time
	accounts    map[string]struct{}
	agents      map[string]struct{}
}

// Detect evaluates failed logins in [now-span, now).
func (d *SecurityDetector) Detect(ctx context.Context, now time.Time, span time.Duration) (*SecurityResult, error) {
	window := ReportWindow{Start: now.Add(-span), End: now, Span: span}
	filter := auditlog.Filter{
		Start:  window.Start,
		End:    window.End,
		Action: auditlog.ActionLoginFailed,
	}

	byIP := make(map[string]*ipAttempts)
	for e, err := range d.store.Query(ctx, filter) {
		if err != nil {
			return nil, fmt.Errorf("query failed logins: %w", err)
		}
		ip := strings.TrimSpace(e.SourceIP)
		if ip == "" {
			ip = unknownIP
		}
		a, ok := byIP[ip]
		if !ok {
			a = &ipAttempts{
				first:    e.Timestamp,
				accounts: make(map[string]struct{}),
				agents:   make(map[string]struct{}),
			}
			byIP[ip] = a
		}
		a.count++
		if e.Timestamp.Before(a.first) {
			a.first = e.Timestamp
		}
		if e.Timestamp.After(a.last) {
			a.last = e.Timestamp
		}
		if acct := targetedAccount(e); acct != "" {
			a.accounts[acct] = struct{}{}
		}
		if e.UserAgent != "" {
			a.agents[e.UserAgent] = struct{}{}
		}
	}

	events := make([]SecurityEvent, 0)
	for ip, a := range byIP {
		if a.count < d.thresholds.Failure {
			continue
		}
		severity := SeverityMedium
		if a.count >= d.thresholds.High {
			severity = SeverityHigh
		}
		events = append(events, SecurityEvent{
			Type:      EventMultipleFailedLogins,
			Severity:  severity,
			IPAddress: ip,
			Timestamp: a.first,
			Details: SecurityDetails{
				AttemptCount:     a.count,
				FirstAttempt:     a.first,
				LastAttempt:      a.last,
				TargetedAccounts: sortedSet(a.accounts),
				UserAgents:       sortedSet(a.agents),
			},
		})
	}
	slices.SortFunc(events, func(x, y SecurityEvent) int {
		return cmp.Or(cmp.Compare(y.Details.AttemptCount, x.Details.AttemptCount), cmp.Compare(x.IPAddress, y.IPAddress))
	})

	return &SecurityResult{Events: events, Window: window}, nil
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	forPattern   = regexp.MustCompile(`(?i)\b(?:for|user|account)[:\s]+["']?([A-Za-z0-9._@\-]+)`)
)

// targetedAccount finds the identity a failed login tried to use: the login
// payload when present, else an email or "for <name>" in the description.
func targetedAccount(e auditlog.Event) string {
	for _, p := range []auditlog.Payload{e.After, e.Before} {
		if p.Kind == auditlog.KindLoginAttempt && p.Login != nil && p.Login.Identifier != "" {
			return strings.ToLower(p.Login.Identifier)
		}
	}
	if m := emailPattern.FindString(e.Description); m != "" {
		return strings.ToLower(m)
	}
	if m := forPattern.FindStringSubmatch(e.Description); len(m) == 2 {
		return strings.ToLower(m[1])
	}
	if e.ActorID != "" {
		return e.ActorID
	}
	return ""
}
