package auditlog

import (
	"encoding/json"
	"fmt"
)

// PayloadKind discriminates the variants a Payload can hold.
type PayloadKind string

const (
	KindPatient        PayloadKind = "patient"
	KindPatientHistory PayloadKind = "patient_history"
	KindLoginAttempt   PayloadKind = "login_attempt"
	KindOpaque         PayloadKind = "opaque"
)

// PatientState is the before/after snapshot of a patient record.
type PatientState struct {
	PatientID string         `json:"patient_id"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// PatientHistoryState is the snapshot of a medical-history entry. PatientID
// links the entry back to the patient it belongs to.
type PatientHistoryState struct {
	PatientID string         `json:"patient_id"`
	HistoryID string         `json:"history_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LoginAttempt describes an authentication attempt. Identifier is the account
// name or email the caller tried to sign in as.
type LoginAttempt struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason,omitempty"`
}

// Payload is a tagged union over the state blobs attached to an event. The
// variant is chosen by the event's resource type; anything unrecognised is
// kept as an opaque JSON object so newer producers stay readable.
type Payload struct {
	Kind    PayloadKind
	Patient *PatientState
	History *PatientHistoryState
	Login   *LoginAttempt
	Opaque  map[string]any
}

// IsZero reports whether the payload carries nothing.
func (p Payload) IsZero() bool {
	return p.Kind == ""
}

// empty reports whether the payload has no usable state for its kind.
func (p Payload) empty() bool {
	switch p.Kind {
	case KindPatient:
		return p.Patient == nil
	case KindPatientHistory:
		return p.History == nil
	case KindLoginAttempt:
		return p.Login == nil
	}
	return p.IsZero()
}

func PatientPayload(s PatientState) Payload {
	return Payload{Kind: KindPatient, Patient: &s}
}

func PatientHistoryPayload(s PatientHistoryState) Payload {
	return Payload{Kind: KindPatientHistory, History: &s}
}

func LoginAttemptPayload(l LoginAttempt) Payload {
	return Payload{Kind: KindLoginAttempt, Login: &l}
}

func OpaquePayload(m map[string]any) Payload {
	if m == nil {
		return Payload{}
	}
	return Payload{Kind: KindOpaque, Opaque: m}
}

// PatientID returns the patient a payload refers to, if any.
func (p Payload) PatientID() string {
	switch {
	case p.Kind == KindPatient && p.Patient != nil:
		return p.Patient.PatientID
	case p.Kind == KindPatientHistory && p.History != nil:
		return p.History.PatientID
	}
	return ""
}

type payloadEnvelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the payload as {"kind": ..., "data": ...}.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	var (
		data []byte
		err  error
	)
	switch p.Kind {
	case KindPatient:
		data, err = json.Marshal(p.Patient)
	case KindPatientHistory:
		data, err = json.Marshal(p.History)
	case KindLoginAttempt:
		data, err = json.Marshal(p.Login)
	case KindOpaque:
		data, err = json.Marshal(p.Opaque)
	default:
		return nil, fmt.Errorf("payload: unknown kind %q", p.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind, Data: data})
}

// UnmarshalJSON decodes the envelope written by MarshalJSON.
func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = Payload{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	switch env.Kind {
	case KindPatient:
		var s PatientState
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return fmt.Errorf("payload patient: %w", err)
		}
		*p = PatientPayload(s)
	case KindPatientHistory:
		var s PatientHistoryState
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return fmt.Errorf("payload patient history: %w", err)
		}
		*p = PatientHistoryPayload(s)
	case KindLoginAttempt:
		var l LoginAttempt
		if err := json.Unmarshal(env.Data, &l); err != nil {
			return fmt.Errorf("payload login attempt: %w", err)
		}
		*p = LoginAttemptPayload(l)
	default:
		var m map[string]any
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return fmt.Errorf("payload opaque: %w", err)
		}
		*p = OpaquePayload(m)
	}
	return nil
}

// DecodePayload turns an untyped state blob received from a producer into
// the variant matching resourceType. Unknown resource types, and blobs that
// do not fit their variant, fall back to the opaque form.
func DecodePayload(resourceType string, raw json.RawMessage) Payload {
	if len(raw) == 0 || string(raw) == "null" {
		return Payload{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return OpaquePayload(map[string]any{"value": string(raw)})
	}

	switch resourceType {
	case ResourcePatient:
		id, _ := firstString(m, "patient_id", "patientId", "id")
		if id != "" {
			return PatientPayload(PatientState{PatientID: id, Fields: m})
		}
	case ResourcePatientHistory:
		id, _ := firstString(m, "patient_id", "patientId")
		if id != "" {
			hid, _ := firstString(m, "history_id", "historyId", "id")
			return PatientHistoryPayload(PatientHistoryState{PatientID: id, HistoryID: hid, Fields: m})
		}
	case ResourceAuth:
		ident, ok := firstString(m, "identifier", "email", "username")
		if ok {
			reason, _ := firstString(m, "reason")
			return LoginAttemptPayload(LoginAttempt{Identifier: ident, Reason: reason})
		}
	}
	return OpaquePayload(m)
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
