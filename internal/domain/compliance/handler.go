package compliance

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
	"github.com/clinicops/audittrail/pkg/pagination"
	"github.com/clinicops/audittrail/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the read endpoints. mw guards every route, typically
// with a role check.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	read := api.Group("/audit", mw...)
	read.GET("/logs", h.ListLogs)
	read.GET("/logs/filter-options", h.AuditFilterOptions)
	read.GET("/gdpr-logs", h.ListGDPRLogs)
	read.GET("/gdpr-logs/filter-options", h.GDPRFilterOptions)
	read.GET("/patient-access", h.PatientAccess)
	read.GET("/security-events", h.SecurityEvents)
}

func (h *Handler) ListLogs(c echo.Context) error {
	f, err := logFilter(c)
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	f.ResourceTypes = splitList(c.QueryParam("resource"))
	f.SourceIP = c.QueryParam("ipAddress")

	coalesce, _ := strconv.ParseBool(c.QueryParam("coalesce"))
	pg := pagination.FromContext(c)
	page, err := h.svc.ListLogs(c.Request().Context(), f, pg, coalesce)
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	return response.Paged(c, page.Items(), pagination.NewMeta(pg, page.Total))
}

func (h *Handler) ListGDPRLogs(c echo.Context) error {
	f, err := logFilter(c)
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	f.ResourceID = c.QueryParam("resourceId")

	pg := pagination.FromContext(c)
	page, err := h.svc.ListGDPRLogs(c.Request().Context(), f, pg)
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	return response.Paged(c, page.Items(), pagination.NewMeta(pg, page.Total))
}

func (h *Handler) PatientAccess(c echo.Context) error {
	days, err := intParam(c, "days")
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	res, err := h.svc.PatientAccess(c.Request().Context(), PatientAccessQuery{
		Days:      days,
		PatientID: strings.TrimSpace(c.QueryParam("patientId")),
	})
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	return response.OK(c, res)
}

func (h *Handler) SecurityEvents(c echo.Context) error {
	hours, err := intParam(c, "hours")
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	res, err := h.svc.SecurityEvents(c.Request().Context(), hours)
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	return response.OK(c, res)
}

func (h *Handler) AuditFilterOptions(c echo.Context) error {
	opts, err := h.svc.AuditFilterOptions(c.Request().Context())
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	return response.OK(c, opts)
}

func (h *Handler) GDPRFilterOptions(c echo.Context) error {
	opts, err := h.svc.GDPRFilterOptions(c.Request().Context())
	if err != nil {
		return auditlog.WriteError(c, err)
	}
	return response.OK(c, opts)
}

// logFilter reads the parameters shared by both log listings.
func logFilter(c echo.Context) (auditlog.Filter, error) {
	var f auditlog.Filter
	var err error
	if f.Start, err = timeParam(c, "startDate", false); err != nil {
		return f, err
	}
	if f.End, err = timeParam(c, "endDate", true); err != nil {
		return f, err
	}
	f.ActorID = c.QueryParam("userId")
	f.Action = auditlog.Action(strings.ToUpper(c.QueryParam("action")))
	return f, nil
}

// timeParam accepts RFC 3339 or a bare date. A bare end date covers the whole
// day, since End is exclusive.
func timeParam(c echo.Context, name string, end bool) (time.Time, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, auditlog.Invalid(name, "must be RFC 3339 or YYYY-MM-DD")
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func intParam(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, auditlog.Invalid(name, "must be a positive integer")
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
