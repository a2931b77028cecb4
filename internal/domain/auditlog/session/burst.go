package session

import (
	"context"
	"fmt"
	"time"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
)

// Burst starts a new session whenever the gap to the previous event of the
// same key exceeds Window. Stream requires ascending input.
type Burst struct {
	Window time.Duration
}

// NewBurst returns a Burst strategy; a non-positive window selects
// DefaultBurstWindow.
func NewBurst(window time.Duration) Burst {
	if window <= 0 {
		window = DefaultBurstWindow
	}
	return Burst{Window: window}
}

func (Burst) Name() string { return "burst" }

func (s Burst) Stream(ctx context.Context, seq auditlog.Seq, emit func(Session) error) error {
	open := make(map[Key]*builder)
	var position, lastSweep time.Time

	for e, err := range seq {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Timestamp.Before(position) {
			return fmt.Errorf("%w: %s at %s after %s", ErrOutOfOrder, e.ID, e.Timestamp, position)
		}
		position = e.Timestamp

		k := keyOf(e)
		if cur, ok := open[k]; ok {
			if e.Timestamp.Sub(cur.end) <= s.Window {
				cur.add(e)
				continue
			}
			if err := emit(cur.session()); err != nil {
				return err
			}
		}
		open[k] = newBuilder(e)

		if lastSweep.IsZero() {
			lastSweep = position
		}
		if position.Sub(lastSweep) >= s.Window {
			if err := s.sweep(open, position, emit); err != nil {
				return err
			}
			lastSweep = position
		}
	}

	rest := make([]*builder, 0, len(open))
	for _, b := range open {
		rest = append(rest, b)
	}
	return emitSorted(rest, emit)
}

// sweep closes sessions that no later event can extend.
func (s Burst) sweep(open map[Key]*builder, position time.Time, emit func(Session) error) error {
	var closed []*builder
	for k, b := range open {
		if b.end.Add(s.Window).Before(position) {
			closed = append(closed, b)
			delete(open, k)
		}
	}
	return emitSorted(closed, emit)
}
