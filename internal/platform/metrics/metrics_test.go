package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRecorded("CREATE")
		m.IncRecordFailure()
		m.IncSkipped("actor_unresolved")
		m.IncDropped()
		m.SetQueueDepth(3)
		m.ObserveReport("patient_access", time.Second)
		m.IncDegraded("patient_access")
		m.IncReportTimeout("patient_access")
		m.IncFacetCache("hit")
		m.IncIngestRejected()
		m.IncConsumed("ok")
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncRecorded("CREATE")
	m.IncRecorded("CREATE")
	m.IncDropped()
	m.IncDegraded("patient_access")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsRecorded.WithLabelValues("CREATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecorderDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportDegraded.WithLabelValues("patient_access")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/ping", "200")))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "audittrail_http_requests_total"))
}
