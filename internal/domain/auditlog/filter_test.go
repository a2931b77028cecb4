package auditlog

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Validate(t *testing.T) {
	tests := []struct {
		name  string
		f     Filter
		field string
	}{
		{"empty", Filter{}, ""},
		{"full", Filter{Start: t0, End: t0.Add(time.Hour), Action: ActionCreate, SourceIP: "10.0.0.5", Category: CategoryGDPR, ResourceTypes: []string{"Patient"}}, ""},
		{"end before start", Filter{Start: t0, End: t0.Add(-time.Second)}, "endDate"},
		{"unknown action", Filter{Action: "PURGE"}, "Action"},
		{"bad ip", Filter{SourceIP: "not-an-ip"}, "SourceIP"},
		{"unknown category", Filter{Category: "billing"}, "Category"},
		{"blank resource type", Filter{ResourceTypes: []string{""}}, "ResourceTypes[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestPage_Validate(t *testing.T) {
	assert.NoError(t, Page{Number: 1, Size: 20}.Validate())
	assert.ErrorIs(t, Page{Number: 0, Size: 20}.Validate(), ErrValidation)
	assert.ErrorIs(t, Page{Number: 1, Size: 0}.Validate(), ErrValidation)
	assert.Equal(t, 40, Page{Number: 3, Size: 20}.Offset())
}

func TestPage_HugeNumberRejected(t *testing.T) {
	p := Page{Number: math.MaxInt, Size: 20}
	assert.ErrorIs(t, p.Validate(), ErrValidation)
	assert.Equal(t, math.MaxInt, p.Offset())
}

func TestValidator_CustomTagsRegistered(t *testing.T) {
	assert.ErrorIs(t, Filter{Action: "TELEPORT"}.Validate(), ErrValidation)
	assert.ErrorIs(t, Filter{Category: "misc"}.Validate(), ErrValidation)
	assert.NoError(t, Filter{Action: ActionLogin, Category: CategoryAudit}.Validate())
}

func TestFilter_Matches(t *testing.T) {
	e := makeEvent(1, "U1", ActionViewDetailed, ResourcePatient, "P1", time.Minute)

	assert.True(t, Filter{}.Matches(e))
	assert.True(t, Filter{Start: t0.Add(time.Minute)}.Matches(e), "start is inclusive")
	assert.False(t, Filter{End: t0.Add(time.Minute)}.Matches(e), "end is exclusive")
	assert.True(t, Filter{ResourceTypes: []string{ResourcePatientHistory, ResourcePatient}}.Matches(e))
	assert.False(t, Filter{ResourceTypes: []string{ResourceInvoice}}.Matches(e))
	assert.False(t, Filter{ActorID: "U2"}.Matches(e))
	assert.False(t, Filter{Action: ActionDelete}.Matches(e))
	assert.False(t, Filter{ResourceID: "P2"}.Matches(e))
	assert.False(t, Filter{SourceIP: "10.0.0.2"}.Matches(e))
	assert.False(t, Filter{Category: CategoryGDPR}.Matches(e))
}
