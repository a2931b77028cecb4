package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
	"github.com/clinicops/audittrail/internal/platform/auth"
)

// DefaultAuditResources maps the first path segment under the API prefix to
// the resource type recorded for it.
var DefaultAuditResources = map[string]string{
	"patients":          auditlog.ResourcePatient,
	"patient-histories": auditlog.ResourcePatientHistory,
	"appointments":      auditlog.ResourceAppointment,
	"packages":          auditlog.ResourcePackage,
	"invoices":          auditlog.ResourceInvoice,
	"staff":             auditlog.ResourceStaff,
	"rooms":             auditlog.ResourceRoom,
	"services":          auditlog.ResourceService,
	"audit":             auditlog.ResourceAuditLog,
}

type AuditConfig struct {
	// Prefix is stripped before the resource segment is read.
	Prefix string
	// Resources maps path segments to resource types. Unmapped segments
	// are not recorded.
	Resources map[string]string
}

// Audit records one audit event per successful request to a mapped resource.
// It runs after the handler so failed requests are not recorded, and never
// fails the request: the recorder logs its own errors.
func Audit(rec auditlog.EntryRecorder, cfg AuditConfig) echo.MiddlewareFunc {
	if cfg.Prefix == "" {
		cfg.Prefix = "/api/v1/"
	}
	if cfg.Resources == nil {
		cfg.Resources = DefaultAuditResources
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			req := c.Request()
			if err != nil || c.Response().Status >= http.StatusBadRequest {
				return err
			}
			path := req.URL.Path
			if isIngestPath(req.Method, path, cfg.Prefix) {
				return nil
			}
			resourceType, id, ok := resolveResource(path, cfg)
			if !ok {
				return nil
			}

			entry := auditlog.Entry{
				ActorID:      auth.UserIDFromContext(req.Context()),
				Action:       methodAction(req.Method, id != ""),
				ResourceType: resourceType,
				ResourceID:   id,
				Description:  fmt.Sprintf("%s %s", req.Method, path),
				SourceIP:     c.RealIP(),
				UserAgent:    req.UserAgent(),
			}
			// list views keep their query so reviewers can see what was searched
			if id == "" && req.URL.RawQuery != "" {
				entry.ResourceID = "?" + req.URL.RawQuery
			}
			rec.Record(req.Context(), entry)
			return nil
		}
	}
}

// isIngestPath reports the audit ingest endpoint, which records its own
// events.
func isIngestPath(method, path, prefix string) bool {
	return method == http.MethodPost && strings.TrimSuffix(path, "/") == prefix+"audit/events"
}

// resolveResource reads "<prefix><segment>[/<id>...]".
func resolveResource(path string, cfg AuditConfig) (resourceType, id string, ok bool) {
	rest, found := strings.CutPrefix(path, cfg.Prefix)
	if !found {
		return "", "", false
	}
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	resourceType, ok = cfg.Resources[segments[0]]
	if !ok {
		return "", "", false
	}
	// the audit API's own sub-paths are views, not ids
	if len(segments) > 1 && resourceType != auditlog.ResourceAuditLog {
		id = segments[1]
	}
	return resourceType, id, true
}

func methodAction(method string, hasID bool) auditlog.Action {
	switch method {
	case http.MethodPost:
		return auditlog.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return auditlog.ActionUpdate
	case http.MethodDelete:
		return auditlog.ActionDelete
	}
	if hasID {
		return auditlog.ActionViewDetailed
	}
	return auditlog.ActionViewList
}
