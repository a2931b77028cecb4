package auditlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func idN(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

func makeEvent(n int, actor string, action Action, resourceType, resourceID string, offset time.Duration) Event {
	return Event{
		ID:           idN(n),
		Category:     CategoryAudit,
		ActorID:      actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		SourceIP:     "10.0.0.1",
		Timestamp:    t0.Add(offset),
	}
}

// failingStore rejects every append.
type failingStore struct {
	*MemoryStore
}

func (failingStore) Append(context.Context, Event) (uuid.UUID, error) {
	return uuid.Nil, Unavailable("append", errors.New("connection refused"))
}

// panickingStore panics on every append.
type panickingStore struct {
	*MemoryStore
}

func (panickingStore) Append(context.Context, Event) (uuid.UUID, error) {
	panic("driver bug")
}

// gatedStore blocks appends until release is closed.
type gatedStore struct {
	release chan struct{}
	mu      sync.Mutex
	events  []Event
}

func (s *gatedStore) Append(_ context.Context, e Event) (uuid.UUID, error) {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return e.ID, nil
}

func (s *gatedStore) Query(context.Context, Filter) Seq { return errSeq(errors.New("unsupported")) }

func (s *gatedStore) CountDistinct(context.Context, Field, Filter) (map[string]int, error) {
	return nil, errors.New("unsupported")
}

func (s *gatedStore) List(context.Context, Filter, Page) ([]Event, int, error) {
	return nil, 0, errors.New("unsupported")
}

func (s *gatedStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
