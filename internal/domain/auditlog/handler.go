package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/audittrail/pkg/response"
)

// IngestRequest is the wire form of an entry submitted by another process,
// over HTTP or Kafka.
type IngestRequest struct {
	Category     string          `json:"category" validate:"omitempty,audit_category"`
	ActorID      string          `json:"actor_id" validate:"max=128"`
	Action       string          `json:"action" validate:"required,audit_action"`
	ResourceType string          `json:"resource_type" validate:"required,max=64"`
	ResourceID   string          `json:"resource_id" validate:"max=128"`
	BeforeState  json.RawMessage `json:"before_state"`
	AfterState   json.RawMessage `json:"after_state"`
	Description  string          `json:"description" validate:"max=2000"`
	SourceIP     string          `json:"source_ip" validate:"omitempty,ip"`
	UserAgent    string          `json:"user_agent" validate:"max=512"`
	Timestamp    *time.Time      `json:"timestamp"`
}

// Validate checks field shapes. Actor presence is left to the Recorder.
func (r IngestRequest) Validate() error {
	return structError(validate.Struct(r))
}

// Entry converts the request into a recorder entry, decoding state blobs
// into their typed payload variants.
func (r IngestRequest) Entry() Entry {
	e := Entry{
		Category:     Category(r.Category),
		ActorID:      r.ActorID,
		Action:       Action(r.Action),
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Before:       DecodePayload(r.ResourceType, r.BeforeState),
		After:        DecodePayload(r.ResourceType, r.AfterState),
		Description:  r.Description,
		SourceIP:     r.SourceIP,
		UserAgent:    r.UserAgent,
	}
	if r.Timestamp != nil {
		e.Timestamp = *r.Timestamp
	}
	return e
}

// DecodeEntry parses and validates a JSON ingest message.
func DecodeEntry(b []byte) (Entry, error) {
	var req IngestRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return Entry{}, Invalid("body", err.Error())
	}
	if err := req.Validate(); err != nil {
		return Entry{}, err
	}
	return req.Entry(), nil
}

// EntryRecorder is the write-path contract the handler depends on.
type EntryRecorder interface {
	Record(ctx context.Context, in Entry)
}

type Handler struct {
	recorder EntryRecorder
}

func NewHandler(recorder EntryRecorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes mounts the ingest endpoint. mw wraps only this route, for
// rate limiting.
func (h *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.POST("/audit/events", h.Ingest, mw...)
}

func (h *Handler) Ingest(c echo.Context) error {
	var req IngestRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return WriteError(c, Invalid("body", "malformed JSON"))
	}
	if err := req.Validate(); err != nil {
		return WriteError(c, err)
	}

	entry := req.Entry()
	if entry.SourceIP == "" {
		entry.SourceIP = c.RealIP()
	}
	if entry.UserAgent == "" {
		entry.UserAgent = c.Request().UserAgent()
	}
	h.recorder.Record(c.Request().Context(), entry)

	return response.Accepted(c, map[string]bool{"accepted": true})
}

// WriteError maps domain errors onto the failure envelope.
func WriteError(c echo.Context, err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return response.Fail(c, http.StatusBadRequest, response.ErrorBody{
			Code: "VALIDATION_ERROR", Message: ve.Error(), Field: ve.Field,
		})
	case errors.Is(err, ErrReportTimeout), errors.Is(err, context.DeadlineExceeded):
		return response.Fail(c, http.StatusGatewayTimeout, response.ErrorBody{
			Code: "REPORT_TIMEOUT", Message: "report exceeded its time budget",
		})
	case errors.Is(err, ErrStoreUnavailable):
		return response.Fail(c, http.StatusServiceUnavailable, response.ErrorBody{
			Code: "STORE_UNAVAILABLE", Message: "audit store unavailable",
		})
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return response.Fail(c, http.StatusInternalServerError, response.ErrorBody{
		Code: "INTERNAL_ERROR", Message: "internal error",
	})
}
