package auditlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPopulatedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	events := []Event{
		makeEvent(3, "U1", ActionViewDetailed, ResourcePatient, "P1", 3*time.Minute),
		makeEvent(1, "U1", ActionCreate, ResourcePatient, "P1", time.Minute),
		makeEvent(2, "U2", ActionViewList, ResourceAppointment, "", 2*time.Minute),
		makeEvent(5, "", ActionLoginFailed, ResourceAuth, "", 5*time.Minute),
		makeEvent(4, "U2", ActionViewDetailed, ResourcePatient, "P2", 3*time.Minute),
	}
	for _, e := range events {
		_, err := s.Append(context.Background(), e)
		require.NoError(t, err)
	}
	return s
}

func TestMemoryStore_QueryAscending(t *testing.T) {
	s := newPopulatedStore(t)

	got, err := Collect(s.Query(context.Background(), Filter{}))
	require.NoError(t, err)
	require.Len(t, got, 5)

	want := []uuid.UUID{idN(1), idN(2), idN(3), idN(4), idN(5)}
	for i, e := range got {
		assert.Equal(t, want[i], e.ID, "position %d", i)
	}
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	s := newPopulatedStore(t)

	got, err := Collect(s.Query(context.Background(), Filter{
		ResourceTypes: []string{ResourcePatient},
		Start:         t0.Add(2 * time.Minute),
	}))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, idN(3), got[0].ID)
	assert.Equal(t, idN(4), got[1].ID)
}

func TestMemoryStore_QueryRejectsInvalidFilter(t *testing.T) {
	s := newPopulatedStore(t)
	_, err := Collect(s.Query(context.Background(), Filter{Action: "NOPE"}))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMemoryStore_QueryStopsEarly(t *testing.T) {
	s := newPopulatedStore(t)
	n := 0
	for _, err := range s.Query(context.Background(), Filter{}) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestMemoryStore_AssignsID(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.Append(context.Background(), Event{Action: ActionLogin, ResourceType: ResourceAuth, Timestamp: t0})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestMemoryStore_CountDistinct(t *testing.T) {
	s := newPopulatedStore(t)

	counts, err := s.CountDistinct(context.Background(), FieldActorID, Filter{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"U1": 2, "U2": 2, "": 1}, counts)

	counts, err = s.CountDistinct(context.Background(), FieldResourceType, Filter{ActorID: "U2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{ResourceAppointment: 1, ResourcePatient: 1}, counts)

	_, err = s.CountDistinct(context.Background(), Field("description"), Filter{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	s := newPopulatedStore(t)

	page, total, err := s.List(context.Background(), Filter{}, Page{Number: 1, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, idN(5), page[0].ID)
	assert.Equal(t, idN(4), page[1].ID)

	page, _, err = s.List(context.Background(), Filter{}, Page{Number: 3, Size: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, idN(1), page[0].ID)

	page, total, err = s.List(context.Background(), Filter{}, Page{Number: 9, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(context.Background(), makeEvent(i+1, "U1", ActionViewList, ResourcePatient, "", time.Duration(50-i)*time.Second))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := Collect(s.Query(context.Background(), Filter{}))
	require.NoError(t, err)
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].SortsBefore(got[i]))
	}
}
