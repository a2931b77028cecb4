package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
)

// Windowed keeps open sessions per key. An event joins every open session
// whose interval widened by Window on both ends contains it; when it matches
// several they are merged into one. Mildly out-of-order input is accepted
// as long as it does not fall behind the last sweep.
type Windowed struct {
	Window time.Duration
}

// NewWindowed returns a Windowed strategy; a non-positive window selects
// DefaultSessionWindow.
func NewWindowed(window time.Duration) Windowed {
	if window <= 0 {
		window = DefaultSessionWindow
	}
	return Windowed{Window: window}
}

func (Windowed) Name() string { return "windowed" }

func (s Windowed) Stream(ctx context.Context, seq auditlog.Seq, emit func(Session) error) error {
	open := make(map[Key][]*builder)
	// anchor paces sweeps; watermark is the position of the last sweep and
	// nothing may arrive behind it.
	var position, anchor, watermark time.Time

	for e, err := range seq {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !watermark.IsZero() && e.Timestamp.Before(watermark) {
			return fmt.Errorf("%w: %s at %s behind %s", ErrOutOfOrder, e.ID, e.Timestamp, watermark)
		}
		if e.Timestamp.After(position) {
			position = e.Timestamp
		}

		k := keyOf(e)
		open[k] = s.place(open[k], e)

		if anchor.IsZero() {
			anchor = position
		}
		if position.Sub(anchor) >= s.Window {
			if err := s.sweep(open, position, emit); err != nil {
				return err
			}
			anchor, watermark = position, position
		}
	}

	var rest []*builder
	for _, bs := range open {
		rest = append(rest, s.normalize(bs)...)
	}
	return emitSorted(rest, emit)
}

// place adds e to the open sessions of one key, merging every session it
// matches.
func (s Windowed) place(bs []*builder, e auditlog.Event) []*builder {
	var target *builder
	kept := bs[:0]
	for _, b := range bs {
		if !b.contains(e.Timestamp, s.Window) {
			kept = append(kept, b)
			continue
		}
		if target == nil {
			target = b
			kept = append(kept, b)
			continue
		}
		target.absorb(b)
	}
	if target == nil {
		return append(kept, newBuilder(e))
	}
	target.add(e)
	return kept
}

// normalize orders the sessions of one key by start and merges any whose
// intervals lie within Window of each other.
func (s Windowed) normalize(bs []*builder) []*builder {
	if len(bs) < 2 {
		return bs
	}
	slices.SortFunc(bs, func(a, b *builder) int { return a.start.Compare(b.start) })
	out := bs[:1]
	for _, b := range bs[1:] {
		last := out[len(out)-1]
		if !b.start.After(last.end.Add(s.Window)) {
			last.absorb(b)
			continue
		}
		out = append(out, b)
	}
	return out
}

func (s Windowed) sweep(open map[Key][]*builder, position time.Time, emit func(Session) error) error {
	var closed []*builder
	for k, bs := range open {
		bs = s.normalize(bs)
		kept := bs[:0]
		for _, b := range bs {
			if b.end.Add(s.Window).Before(position) {
				closed = append(closed, b)
			} else {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(open, k)
		} else {
			open[k] = kept
		}
	}
	return emitSorted(closed, emit)
}
