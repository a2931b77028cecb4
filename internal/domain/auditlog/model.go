package auditlog

import (
	"time"

	"github.com/google/uuid"
)

// Action is the kind of operation an audit event describes.
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionViewDetailed Action = "VIEW_DETAILED"
	ActionViewList     Action = "VIEW_LIST"
	ActionLogin        Action = "LOGIN"
	ActionLoginFailed  Action = "LOGIN_FAILED"
	ActionLogout       Action = "LOGOUT"
	ActionExport       Action = "EXPORT"
)

var knownActions = map[Action]bool{
	ActionCreate:       true,
	ActionUpdate:       true,
	ActionDelete:       true,
	ActionViewDetailed: true,
	ActionViewList:     true,
	ActionLogin:        true,
	ActionLoginFailed:  true,
	ActionLogout:       true,
	ActionExport:       true,
}

// Valid reports whether a is one of the recognised actions.
func (a Action) Valid() bool {
	return knownActions[a]
}

// IsView reports whether the action only reads data.
func (a Action) IsView() bool {
	return a == ActionViewDetailed || a == ActionViewList
}

// Actions returns every recognised action in declaration order.
func Actions() []Action {
	return []Action{
		ActionCreate, ActionUpdate, ActionDelete,
		ActionViewDetailed, ActionViewList,
		ActionLogin, ActionLoginFailed, ActionLogout, ActionExport,
	}
}

// Category classifies which log an event belongs to. GDPR events are the
// personal-data access log surfaced separately to data protection officers.
type Category string

const (
	CategoryAudit Category = "audit"
	CategoryGDPR  Category = "gdpr"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryAudit || c == CategoryGDPR
}

// Resource type labels emitted by the clinic resource layer.
const (
	ResourcePatient        = "Patient"
	ResourcePatientHistory = "PatientHistory"
	ResourceAppointment    = "Appointment"
	ResourcePackage        = "Package"
	ResourceInvoice        = "Invoice"
	ResourceStaff          = "Staff"
	ResourceRoom           = "Room"
	ResourceService        = "Service"
	ResourceAuth           = "Auth"
	ResourceAuditLog       = "AuditLog"
)

// Event is one immutable audit record: a single action taken by one actor
// against one resource. ActorID and ResourceID are empty when absent.
type Event struct {
	ID           uuid.UUID `json:"id"`
	Category     Category  `json:"category"`
	ActorID      string    `json:"actor_id,omitempty"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Before       Payload   `json:"before_state,omitzero"`
	After        Payload   `json:"after_state,omitzero"`
	Description  string    `json:"description,omitempty"`
	SourceIP     string    `json:"source_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// HasActor reports whether the event is attributed to an identified actor.
func (e Event) HasActor() bool {
	return e.ActorID != ""
}

// SortsBefore reports whether e sorts before o in the canonical stream order:
// ascending timestamp, ties broken by id.
func (e Event) SortsBefore(o Event) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.ID.String() < o.ID.String()
}

// Entry is what business-operation handlers hand to the Recorder. The
// recorder assigns the id and timestamp and redacts payloads.
type Entry struct {
	Category     Category
	ActorID      string
	Action       Action
	ResourceType string
	ResourceID   string
	Before       Payload
	After        Payload
	Description  string
	SourceIP     string
	UserAgent    string
	// Timestamp is optional; zero means "now".
	Timestamp time.Time
}

// Actor is a display-ready identity for a user that appears in the log.
type Actor struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Role  string `json:"role,omitempty"`
}
