package auditlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/audittrail/internal/platform/metrics"
)

// personalDataResources are classified into the GDPR log when the caller does
// not choose a category.
var personalDataResources = map[string]bool{
	ResourcePatient:        true,
	ResourcePatientHistory: true,
	ResourceStaff:          true,
}

var errRecordPanic = errors.New("panic while recording audit entry")

// actorOptional lists actions that may legitimately arrive without an actor.
var actorOptional = map[Action]bool{
	ActionLogin:       true,
	ActionLoginFailed: true,
}

// Recorder is the write path. Record never returns an error: failures are
// logged and counted so the business operation being audited proceeds
// unaffected. In async mode entries are queued and written by a single
// worker; a full queue drops the entry.
type Recorder struct {
	store   Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	written func(context.Context, Event)

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

func WithRecorderMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithAfterWrite registers fn to run after each event is stored.
func WithAfterWrite(fn func(context.Context, Event)) RecorderOption {
	return func(r *Recorder) { r.written = fn }
}

func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithAsync enables queued writes with the given buffer size. Call Close to
// drain the queue on shutdown.
func WithAsync(buffer int) RecorderOption {
	return func(r *Recorder) {
		if buffer > 0 {
			r.queue = make(chan Event, buffer)
		}
	}
}

func NewRecorder(store Store, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger.With().Str("component", "audit_recorder").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queue != nil {
		r.done = make(chan struct{})
		go r.run()
	}
	return r
}

// Build validates an entry and turns it into the event that would be stored.
func (r *Recorder) Build(in Entry) (Event, error) {
	if !in.Action.Valid() {
		return Event{}, Invalid("action", fmt.Sprintf("unknown action %q", in.Action))
	}
	if in.ResourceType == "" {
		return Event{}, Invalid("resourceType", "is required")
	}
	if in.ActorID == "" && !actorOptional[in.Action] {
		return Event{}, ErrActorUnresolved
	}
	category := in.Category
	if category == "" {
		category = CategoryAudit
		if personalDataResources[in.ResourceType] {
			category = CategoryGDPR
		}
	}
	if !category.Valid() {
		return Event{}, Invalid("category", fmt.Sprintf("unknown category %q", category))
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	return Event{
		ID:           uuid.New(),
		Category:     category,
		ActorID:      in.ActorID,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Before:       Redact(in.Before),
		After:        Redact(in.After),
		Description:  in.Description,
		SourceIP:     in.SourceIP,
		UserAgent:    in.UserAgent,
		Timestamp:    ts.UTC(),
	}, nil
}

// Record writes the entry on a best-effort basis. Nothing it does, including
// a panic while building or storing the event, reaches the caller.
func (r *Recorder) Record(ctx context.Context, in Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.skip(in, fmt.Errorf("%w: %v", errRecordPanic, rec))
		}
	}()

	e, err := r.Build(in)
	if err != nil {
		r.skip(in, err)
		return
	}

	if r.queue == nil {
		// A cancelled request must not abort the write describing it.
		r.write(context.WithoutCancel(ctx), e)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(e, "audit recorder closed, entry dropped")
		return
	}
	select {
	case r.queue <- e:
		r.metrics.SetQueueDepth(len(r.queue))
	default:
		r.drop(e, "audit queue full, entry dropped")
	}
}

func (r *Recorder) drop(e Event, msg string) {
	r.metrics.IncDropped()
	r.logger.Warn().
		Str("action", string(e.Action)).
		Str("resource_type", e.ResourceType).
		Msg(msg)
}

func (r *Recorder) skip(in Entry, err error) {
	reason, level := "invalid", zerolog.WarnLevel
	switch {
	case errors.Is(err, ErrActorUnresolved):
		reason = "actor_unresolved"
	case errors.Is(err, errRecordPanic):
		reason, level = "panic", zerolog.ErrorLevel
	}
	r.metrics.IncSkipped(reason)
	r.logger.WithLevel(level).Err(err).
		Str("action", string(in.Action)).
		Str("resource_type", in.ResourceType).
		Str("resource_id", in.ResourceID).
		Msg("audit entry skipped")
}

func (r *Recorder) write(ctx context.Context, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(e, fmt.Errorf("%w: %v", errRecordPanic, rec))
		}
	}()
	if _, err := r.store.Append(ctx, e); err != nil {
		r.fail(e, err)
		return
	}
	r.metrics.IncRecorded(string(e.Action))
	if r.written != nil {
		r.written(ctx, e)
	}
}

func (r *Recorder) fail(e Event, err error) {
	r.metrics.IncRecordFailure()
	r.logger.Error().Err(err).
		Str("action", string(e.Action)).
		Str("resource_type", e.ResourceType).
		Str("resource_id", e.ResourceID).
		Str("actor_id", e.ActorID).
		Msg("failed to record audit event")
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for e := range r.queue {
		r.metrics.SetQueueDepth(len(r.queue))
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		r.write(wctx, e)
		cancel()
	}
}

// Close stops accepting queued entries and waits for the worker to drain, or
// for ctx to expire. It is a no-op for synchronous recorders.
func (r *Recorder) Close(ctx context.Context) error {
	if r.queue == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
