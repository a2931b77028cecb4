// Package session clusters audit events into access sessions per
// (actor, resource) key. Two strategies are provided: Burst collapses the
// fan-out of a single UI action, Windowed groups separately triggered
// accesses into one visit.
package session

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
)

// ErrOutOfOrder is returned when a stream regresses behind a point where
// sessions were already closed. The partition cannot be completed.
var ErrOutOfOrder = errors.New("session: event stream out of order")

const (
	DefaultBurstWindow   = 30 * time.Second
	DefaultSessionWindow = 5 * time.Minute
)

// Key identifies the events that may share a session.
type Key struct {
	ActorID    string
	ResourceID string
}

func keyOf(e auditlog.Event) Key {
	return Key{ActorID: e.ActorID, ResourceID: e.ResourceID}
}

// Session is one logical access: a cluster of events by one actor on one
// resource. EventIDs is never empty and is ordered by (timestamp, id).
type Session struct {
	ActorID       string            `json:"actor_id,omitempty"`
	ResourceID    string            `json:"resource_id,omitempty"`
	ResourceTypes []string          `json:"resource_types"`
	Start         time.Time         `json:"start"`
	End           time.Time         `json:"end"`
	EventIDs      []uuid.UUID       `json:"event_ids"`
	AccessTypes   []auditlog.Action `json:"access_types"`
	SourceIPs     []string          `json:"source_ips,omitempty"`
	UserAgents    []string          `json:"user_agents,omitempty"`
}

// Size returns the number of member events.
func (s Session) Size() int { return len(s.EventIDs) }

// Duration is End minus Start.
func (s Session) Duration() time.Duration { return s.End.Sub(s.Start) }

// Compare orders sessions by start, then actor, then resource, then end.
func Compare(a, b Session) int {
	return cmp.Or(
		a.Start.Compare(b.Start),
		cmp.Compare(a.ActorID, b.ActorID),
		cmp.Compare(a.ResourceID, b.ResourceID),
		a.End.Compare(b.End),
	)
}

// Strategy turns an ascending event stream into sessions, calling emit once
// per finished session. An error from seq, emit or ctx aborts the stream and
// is returned; sessions emitted before that point must be discarded.
type Strategy interface {
	Name() string
	Stream(ctx context.Context, seq auditlog.Seq, emit func(Session) error) error
}

// Cluster partitions events with s. The input is sorted first, so any
// permutation of the same events yields the same sessions. The result is
// ordered with Compare.
func Cluster(ctx context.Context, s Strategy, events []auditlog.Event) ([]Session, error) {
	sorted := slices.Clone(events)
	slices.SortFunc(sorted, func(a, b auditlog.Event) int {
		switch {
		case a.SortsBefore(b):
			return -1
		case b.SortsBefore(a):
			return 1
		}
		return 0
	})
	return Collect(ctx, s, func(yield func(auditlog.Event, error) bool) {
		for _, e := range sorted {
			if !yield(e, nil) {
				return
			}
		}
	})
}

// Collect runs s over seq and returns every session, ordered with Compare.
func Collect(ctx context.Context, s Strategy, seq auditlog.Seq) ([]Session, error) {
	var out []Session
	err := s.Stream(ctx, seq, func(sess Session) error {
		out = append(out, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, Compare)
	return out, nil
}

type member struct {
	id uuid.UUID
	ts time.Time
}

// builder accumulates one session while it is open.
type builder struct {
	key        Key
	start, end time.Time
	members    []member
	types      map[string]struct{}
	access     map[auditlog.Action]struct{}
	ips        map[string]struct{}
	agents     map[string]struct{}
}

func newBuilder(e auditlog.Event) *builder {
	b := &builder{
		key:    keyOf(e),
		start:  e.Timestamp,
		end:    e.Timestamp,
		types:  make(map[string]struct{}),
		access: make(map[auditlog.Action]struct{}),
		ips:    make(map[string]struct{}),
		agents: make(map[string]struct{}),
	}
	b.add(e)
	return b
}

func (b *builder) add(e auditlog.Event) {
	if e.Timestamp.Before(b.start) {
		b.start = e.Timestamp
	}
	if e.Timestamp.After(b.end) {
		b.end = e.Timestamp
	}
	b.members = append(b.members, member{id: e.ID, ts: e.Timestamp})
	b.types[e.ResourceType] = struct{}{}
	b.access[e.Action] = struct{}{}
	if e.SourceIP != "" {
		b.ips[e.SourceIP] = struct{}{}
	}
	if e.UserAgent != "" {
		b.agents[e.UserAgent] = struct{}{}
	}
}

// absorb moves every member of o into b.
func (b *builder) absorb(o *builder) {
	if o.start.Before(b.start) {
		b.start = o.start
	}
	if o.end.After(b.end) {
		b.end = o.end
	}
	b.members = append(b.members, o.members...)
	for k := range o.types {
		b.types[k] = struct{}{}
	}
	for k := range o.access {
		b.access[k] = struct{}{}
	}
	for k := range o.ips {
		b.ips[k] = struct{}{}
	}
	for k := range o.agents {
		b.agents[k] = struct{}{}
	}
}

// contains reports whether ts falls within the session interval widened by w
// on both ends.
func (b *builder) contains(ts time.Time, w time.Duration) bool {
	return !ts.Before(b.start.Add(-w)) && !ts.After(b.end.Add(w))
}

func (b *builder) session() Session {
	slices.SortFunc(b.members, func(x, y member) int {
		return cmp.Or(x.ts.Compare(y.ts), cmp.Compare(x.id.String(), y.id.String()))
	})
	ids := make([]uuid.UUID, len(b.members))
	for i, m := range b.members {
		ids[i] = m.id
	}
	access := make([]auditlog.Action, 0, len(b.access))
	for a := range b.access {
		access = append(access, a)
	}
	slices.Sort(access)

	return Session{
		ActorID:       b.key.ActorID,
		ResourceID:    b.key.ResourceID,
		ResourceTypes: sortedKeys(b.types),
		Start:         b.start,
		End:           b.end,
		EventIDs:      ids,
		AccessTypes:   access,
		SourceIPs:     sortedKeys(b.ips),
		UserAgents:    sortedKeys(b.agents),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// emitSorted converts builders to sessions and emits them in Compare order.
func emitSorted(bs []*builder, emit func(Session) error) error {
	sessions := make([]Session, len(bs))
	for i, b := range bs {
		sessions[i] = b.session()
	}
	slices.SortFunc(sessions, Compare)
	for _, s := range sessions {
		if err := emit(s); err != nil {
			return err
		}
	}
	return nil
}
