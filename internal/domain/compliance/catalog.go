package compliance

import (
	"slices"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
)

// ResourceCatalog is the allow-list of resource labels that may appear as
// filter options. It is owned by the layer that emits events.
type ResourceCatalog struct {
	labels []string
}

// NewResourceCatalog builds a catalog from labels. Blank entries are ignored.
// An empty catalog allows every value.
func NewResourceCatalog(labels ...string) ResourceCatalog {
	var out []string
	for _, l := range labels {
		if l != "" && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return ResourceCatalog{labels: out}
}

// DefaultResourceCatalog lists the resources the clinic backend audits.
func DefaultResourceCatalog() ResourceCatalog {
	return NewResourceCatalog(
		auditlog.ResourcePatient,
		auditlog.ResourcePatientHistory,
		auditlog.ResourceAppointment,
		auditlog.ResourcePackage,
		auditlog.ResourceInvoice,
		auditlog.ResourceStaff,
		auditlog.ResourceRoom,
		auditlog.ResourceService,
		auditlog.ResourceAuth,
		auditlog.ResourceAuditLog,
	)
}

func (c ResourceCatalog) Allows(v string) bool {
	return len(c.labels) == 0 || slices.Contains(c.labels, v)
}

func (c ResourceCatalog) Labels() []string {
	return slices.Clone(c.labels)
}
