package auditlog

import (
	"context"
	"iter"

	"github.com/google/uuid"
)

// Seq is a lazily evaluated, ascending (timestamp, id) stream of events. A
// non-nil error ends the stream; callers must stop ranging when they see one.
type Seq = iter.Seq2[Event, error]

// Store is the append-only persistence contract for audit events.
type Store interface {
	// Append persists e and returns its id. Failures wrap ErrStoreUnavailable.
	Append(ctx context.Context, e Event) (uuid.UUID, error)
	// Query streams matching events ascending by (timestamp, id).
	Query(ctx context.Context, f Filter) Seq
	// CountDistinct returns each distinct value of field with its occurrence
	// count among events matching f.
	CountDistinct(ctx context.Context, field Field, f Filter) (map[string]int, error)
	// List returns one page of matching events, newest first, and the total
	// number of matches.
	List(ctx context.Context, f Filter, p Page) ([]Event, int, error)
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq Seq) ([]Event, error) {
	var out []Event
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func errSeq(err error) Seq {
	return func(yield func(Event, error) bool) {
		yield(Event{}, err)
	}
}
