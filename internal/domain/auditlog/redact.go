package auditlog

import "strings"

const redacted = "[REDACTED]"

// sensitiveKeys are matched after lowercasing and stripping '_' and '-'.
var sensitiveKeys = map[string]bool{
	"password":     true,
	"passwordhash": true,
	"newpassword":  true,
	"oldpassword":  true,
	"token":        true,
	"accesstoken":  true,
	"refreshtoken": true,
	"secret":       true,
	"apikey":       true,
	"otp":          true,
	"pin":          true,
	"ssn":          true,
	"cardnumber":   true,
	"creditcard":   true,
	"cvv":          true,
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	k = strings.NewReplacer("_", "", "-", "").Replace(k)
	return sensitiveKeys[k]
}

// Redact returns a copy of p with sensitive fields masked at any depth. The
// input is never modified. A variant whose state pointer is nil redacts to
// the zero payload.
func Redact(p Payload) Payload {
	if p.empty() {
		return Payload{}
	}
	switch p.Kind {
	case KindPatient:
		s := *p.Patient
		s.Fields = redactMap(s.Fields)
		return PatientPayload(s)
	case KindPatientHistory:
		s := *p.History
		s.Fields = redactMap(s.Fields)
		return PatientHistoryPayload(s)
	case KindOpaque:
		return OpaquePayload(redactMap(p.Opaque))
	}
	return p
}

func redactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitive(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = redactValue(x)
		}
		return out
	}
	return v
}
