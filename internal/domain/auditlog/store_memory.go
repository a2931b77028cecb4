package auditlog

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for development and tests. Events are kept
// in canonical order so Query can stream without sorting.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append inserts e at its sorted position. A zero ID is assigned.
func (s *MemoryStore) Append(ctx context.Context, e Event) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, Unavailable("memory append", err)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Timestamp = e.Timestamp.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	i, _ := slices.BinarySearchFunc(s.events, e, compareEvents)
	s.events = slices.Insert(s.events, i, e)
	return e.ID, nil
}

func compareEvents(a, b Event) int {
	switch {
	case a.SortsBefore(b):
		return -1
	case b.SortsBefore(a):
		return 1
	}
	return 0
}

// snapshot returns the matching events under the read lock. The stream then
// runs without holding it so slow consumers never block writers.
func (s *MemoryStore) snapshot(f Filter) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) Seq {
	if err := f.Validate(); err != nil {
		return errSeq(err)
	}
	matched := s.snapshot(f)
	return func(yield func(Event, error) bool) {
		for _, e := range matched {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) CountDistinct(ctx context.Context, field Field, f Filter) (map[string]int, error) {
	if !field.valid() {
		return nil, Invalid("field", fmt.Sprintf("unsupported field %q", field))
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range s.snapshot(f) {
		counts[field.of(e)]++
	}
	return counts, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter, p Page) ([]Event, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	if err := p.Validate(); err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	matched := s.snapshot(f)
	slices.Reverse(matched)

	total := len(matched)
	start := min(p.Offset(), total)
	end := start + min(p.Size, total-start)
	return matched[start:end], total, nil
}
