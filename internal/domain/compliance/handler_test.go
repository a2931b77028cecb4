package compliance

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
)

type envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Pagination *struct {
		Page  int `json:"page"`
		Limit int `json:"limit"`
		Total int `json:"total"`
	} `json:"pagination"`
	Error *struct {
		Code  string `json:"code"`
		Field string `json:"field"`
	} `json:"error"`
}

func serve(t *testing.T, store auditlog.Store, cfg Config, target string) (int, envelope) {
	t.Helper()
	e := echo.New()
	NewHandler(newService(store, cfg)).RegisterRoutes(e.Group("/api/v1"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func sampleStore(t *testing.T) *auditlog.MemoryStore {
	var s seq
	events := []auditlog.Event{
		s.event("U1", auditlog.ActionViewDetailed, auditlog.ResourcePatient, "P1", now.Add(-3*time.Hour)),
		s.event("U2", auditlog.ActionCreate, auditlog.ResourceInvoice, "I1", now.Add(-2*time.Hour)),
		s.event("U1", auditlog.ActionUpdate, auditlog.ResourcePatient, "P1", now.Add(-time.Hour)),
	}
	events = append(events, failedLogins(&s, "10.0.0.5", 6, now.Add(-30*time.Minute))...)
	return seed(t, events...)
}

func TestHandler_ListLogs(t *testing.T) {
	code, env := serve(t, sampleStore(t), Config{}, "/api/v1/audit/logs?limit=2&resource=Patient,Invoice")
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 3, env.Pagination.Total)
	assert.Equal(t, 2, env.Pagination.Limit)

	var events []auditlog.Event
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events, 2)
	assert.Equal(t, auditlog.ActionUpdate, events[0].Action)
}

func TestHandler_ListLogsFilters(t *testing.T) {
	code, env := serve(t, sampleStore(t), Config{}, "/api/v1/audit/logs?userId=U1&action=update&startDate=2026-03-31")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Pagination.Total)
}

func TestHandler_ListLogsCoalesced(t *testing.T) {
	code, env := serve(t, sampleStore(t), Config{}, "/api/v1/audit/logs?coalesce=true&ipAddress=10.0.0.5")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Pagination.Total)

	var groups []LogGroup
	require.NoError(t, json.Unmarshal(env.Data, &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, 6, groups[0].Count)
}

func TestHandler_GDPRLogs(t *testing.T) {
	code, env := serve(t, sampleStore(t), Config{}, "/api/v1/audit/gdpr-logs?resourceId=P1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, env.Pagination.Total)
}

func TestHandler_PatientAccess(t *testing.T) {
	code, env := serve(t, sampleStore(t), Config{}, "/api/v1/audit/patient-access?days=7")
	require.Equal(t, http.StatusOK, code)

	var res PatientAccessResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Len(t, res.Reports, 1)
	assert.Equal(t, "P1", res.Reports[0].PatientID)
	assert.Equal(t, 2, res.Reports[0].AccessCount)
}

func TestHandler_SecurityEvents(t *testing.T) {
	code, env := serve(t, sampleStore(t), Config{}, "/api/v1/audit/security-events")
	require.Equal(t, http.StatusOK, code)

	var res SecurityResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Len(t, res.Events, 1)
	assert.Equal(t, SeverityMedium, res.Events[0].Severity)
	assert.Equal(t, 6, res.Events[0].Details.AttemptCount)
}

func TestHandler_FilterOptions(t *testing.T) {
	code, env := serve(t, sampleStore(t), Config{Catalog: DefaultResourceCatalog()}, "/api/v1/audit/logs/filter-options")
	require.Equal(t, http.StatusOK, code)
	var audit AuditFilterOptions
	require.NoError(t, json.Unmarshal(env.Data, &audit))
	assert.Equal(t, []string{"Auth", "Invoice", "Patient"}, values(audit.Resources))

	code, env = serve(t, sampleStore(t), Config{Catalog: DefaultResourceCatalog()}, "/api/v1/audit/gdpr-logs/filter-options")
	require.Equal(t, http.StatusOK, code)
	var gdpr GDPRFilterOptions
	require.NoError(t, json.Unmarshal(env.Data, &gdpr))
	assert.Equal(t, []string{"Patient"}, values(gdpr.DataTypes))
	require.Len(t, gdpr.Users, 1)
}

func TestHandler_ValidationErrors(t *testing.T) {
	tests := []struct {
		target, field string
	}{
		{"/api/v1/audit/logs?startDate=yesterday", "startDate"},
		{"/api/v1/audit/logs?action=PURGE", "Action"},
		{"/api/v1/audit/logs?startDate=2026-03-05&endDate=2026-03-01", "endDate"},
		{"/api/v1/audit/patient-access?days=abc", "days"},
		{"/api/v1/audit/patient-access?days=400", "days"},
		{"/api/v1/audit/security-events?hours=-2", "hours"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			code, env := serve(t, sampleStore(t), Config{}, tt.target)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
			assert.Equal(t, tt.field, env.Error.Field)
		})
	}
}

func TestHandler_ReportTimeout(t *testing.T) {
	store := slowStore{MemoryStore: auditlog.NewMemoryStore(), limit: time.Minute}
	cfg := Config{ReportTimeout: 5 * time.Millisecond, FallbackTimeout: 5 * time.Millisecond}

	code, env := serve(t, store, cfg, "/api/v1/audit/security-events")
	assert.Equal(t, http.StatusGatewayTimeout, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "REPORT_TIMEOUT", env.Error.Code)
}
