package auditlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name         string
		resourceType string
		raw          string
		kind         PayloadKind
		patientID    string
	}{
		{"patient", ResourcePatient, `{"id":"P1","name":"Ana"}`, KindPatient, "P1"},
		{"patient history", ResourcePatientHistory, `{"patientId":"P1","id":"H9"}`, KindPatientHistory, "P1"},
		{"history without patient", ResourcePatientHistory, `{"id":"H9"}`, KindOpaque, ""},
		{"login attempt", ResourceAuth, `{"email":"ana@clinic.test","reason":"bad password"}`, KindLoginAttempt, ""},
		{"unknown resource", ResourceRoom, `{"number":4}`, KindOpaque, ""},
		{"not an object", ResourceRoom, `"plain"`, KindOpaque, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DecodePayload(tt.resourceType, json.RawMessage(tt.raw))
			assert.Equal(t, tt.kind, p.Kind)
			assert.Equal(t, tt.patientID, p.PatientID())
		})
	}

	assert.True(t, DecodePayload(ResourcePatient, nil).IsZero())
	assert.True(t, DecodePayload(ResourcePatient, json.RawMessage("null")).IsZero())
}

func TestPayload_JSONEnvelope(t *testing.T) {
	p := LoginAttemptPayload(LoginAttempt{Identifier: "ana@clinic.test"})
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"login_attempt","data":{"identifier":"ana@clinic.test"}}`, string(b))

	var back Payload
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, p, back)
}

func TestEvent_OmitsEmptyPayloads(t *testing.T) {
	b, err := json.Marshal(makeEvent(1, "U1", ActionCreate, ResourceRoom, "R1", 0))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "before_state")
	assert.NotContains(t, string(b), "after_state")
}

func TestRedact(t *testing.T) {
	in := OpaquePayload(map[string]any{
		"name":          "Ana",
		"Password":      "hunter2",
		"refresh-token": "abc",
		"nested": map[string]any{
			"api_key": "k",
			"list":    []any{map[string]any{"cvv": "123"}},
		},
	})
	out := Redact(in)

	assert.Equal(t, "Ana", out.Opaque["name"])
	assert.Equal(t, redacted, out.Opaque["Password"])
	assert.Equal(t, redacted, out.Opaque["refresh-token"])
	nested := out.Opaque["nested"].(map[string]any)
	assert.Equal(t, redacted, nested["api_key"])
	assert.Equal(t, redacted, nested["list"].([]any)[0].(map[string]any)["cvv"])

	assert.Equal(t, "hunter2", in.Opaque["Password"], "input must not be modified")
	assert.True(t, Redact(Payload{}).IsZero())
}

func TestPayload_NilVariants(t *testing.T) {
	for _, p := range []Payload{{Kind: KindPatient}, {Kind: KindPatientHistory}, {Kind: KindLoginAttempt}} {
		assert.NotPanics(t, func() {
			assert.True(t, Redact(p).IsZero(), "kind %s", p.Kind)
			assert.Empty(t, p.PatientID())
		})
	}
}
