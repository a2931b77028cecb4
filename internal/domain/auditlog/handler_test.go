package auditlog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIngestServer(store Store) *echo.Echo {
	e := echo.New()
	h := NewHandler(NewRecorder(store, zerolog.Nop()))
	h.RegisterRoutes(e.Group("/api/v1"))
	return e
}

func TestIngest_Accepted(t *testing.T) {
	store := NewMemoryStore()
	e := newIngestServer(store)

	body := `{"actor_id":"U1","action":"VIEW_DETAILED","resource_type":"Patient","resource_id":"P1",
		"after_state":{"id":"P1","password":"x"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("User-Agent", "clinic-frontend/2.1")
	req.Header.Set(echo.HeaderXRealIP, "10.1.1.1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"accepted":true}}`, rec.Body.String())

	got, err := Collect(store.Query(context.Background(), Filter{}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10.1.1.1", got[0].SourceIP)
	assert.Equal(t, "clinic-frontend/2.1", got[0].UserAgent)
	assert.Equal(t, KindPatient, got[0].After.Kind)
	assert.Equal(t, redacted, got[0].After.Patient.Fields["password"])
}

func TestIngest_Rejects(t *testing.T) {
	tests := []struct {
		name, body, field string
	}{
		{"malformed", `{"action":`, "body"},
		{"unknown action", `{"actor_id":"U1","action":"PURGE","resource_type":"Patient"}`, "Action"},
		{"missing resource type", `{"actor_id":"U1","action":"CREATE"}`, "ResourceType"},
		{"bad ip", `{"actor_id":"U1","action":"CREATE","resource_type":"Room","source_ip":"nope"}`, "SourceIP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newIngestServer(NewMemoryStore())
			req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/events", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code":"VALIDATION_ERROR"`)
			assert.Contains(t, rec.Body.String(), fmt.Sprintf(`"field":"%s"`, tt.field))
		})
	}
}

func TestDecodeEntry(t *testing.T) {
	entry, err := DecodeEntry([]byte(`{"action":"LOGIN_FAILED","resource_type":"Auth","source_ip":"10.0.0.5",
		"after_state":{"identifier":"ana@clinic.test"},"timestamp":"2026-03-01T09:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionLoginFailed, entry.Action)
	assert.Equal(t, KindLoginAttempt, entry.After.Kind)
	assert.Equal(t, t0, entry.Timestamp.UTC())

	_, err = DecodeEntry([]byte(`not json`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{Invalid("days", "must be positive"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{ErrReportTimeout, http.StatusGatewayTimeout, "REPORT_TIMEOUT"},
		{Unavailable("query", errors.New("io")), http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

		require.NoError(t, WriteError(c, tt.err))
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.Contains(t, rec.Body.String(), `"success":false`)
		assert.Contains(t, rec.Body.String(), tt.code)
	}
}
