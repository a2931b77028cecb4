package compliance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
)

var now = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func idN(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

// seq numbers events so ids are stable across runs.
type seq struct{ n int }

func (s *seq) event(actor string, action auditlog.Action, resourceType, resourceID string, at time.Time) auditlog.Event {
	s.n++
	category := auditlog.CategoryAudit
	if resourceType == auditlog.ResourcePatient || resourceType == auditlog.ResourcePatientHistory {
		category = auditlog.CategoryGDPR
	}
	return auditlog.Event{
		ID:           idN(s.n),
		Category:     category,
		ActorID:      actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		SourceIP:     "10.0.0.1",
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Timestamp:    at,
	}
}

func seed(t *testing.T, events ...auditlog.Event) *auditlog.MemoryStore {
	t.Helper()
	store := auditlog.NewMemoryStore()
	for _, e := range events {
		_, err := store.Append(context.Background(), e)
		require.NoError(t, err)
	}
	return store
}

// slowStore blocks queries spanning more than limit until the caller's
// deadline passes.
type slowStore struct {
	*auditlog.MemoryStore
	limit time.Duration
}

func (s slowStore) Query(ctx context.Context, f auditlog.Filter) auditlog.Seq {
	if f.End.Sub(f.Start) <= s.limit {
		return s.MemoryStore.Query(ctx, f)
	}
	return func(yield func(auditlog.Event, error) bool) {
		<-ctx.Done()
		yield(auditlog.Event{}, ctx.Err())
	}
}

// failingDirectory always errors.
type failingDirectory struct{}

func (failingDirectory) Lookup(context.Context, []string) (map[string]auditlog.Actor, error) {
	return nil, auditlog.Unavailable("lookup actors", fmt.Errorf("connection refused"))
}
