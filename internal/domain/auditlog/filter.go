package auditlog

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// Filter selects events from the store. Zero-valued fields do not filter.
type Filter struct {
	Start         time.Time
	End           time.Time
	ActorID       string   `validate:"omitempty,max=128"`
	Action        Action   `validate:"omitempty,audit_action"`
	ResourceTypes []string `validate:"omitempty,dive,required,max=64"`
	ResourceID    string   `validate:"omitempty,max=128"`
	SourceIP      string   `validate:"omitempty,ip"`
	Category      Category `validate:"omitempty,audit_category"`
}

// Page is a 1-based page request.
type Page struct {
	Number int `validate:"min=1,max=1000000"`
	Size   int `validate:"min=1,max=500"`
}

// Offset returns the row offset of the first item on the page, saturating
// at math.MaxInt.
func (p Page) Offset() int {
	if p.Number <= 1 || p.Size <= 0 {
		return 0
	}
	if p.Number-1 > math.MaxInt/p.Size {
		return math.MaxInt
	}
	return (p.Number - 1) * p.Size
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "audit_action", func(fl validator.FieldLevel) bool {
		return Action(fl.Field().String()).Valid()
	})
	mustRegister(v, "audit_category", func(fl validator.FieldLevel) bool {
		return Category(fl.Field().String()).Valid()
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("auditlog: register %s validation: %v", tag, err))
	}
}

// Validate checks the filter, returning a *ValidationError on the first
// rejected field.
func (f Filter) Validate() error {
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return Invalid("endDate", "must not be before startDate")
	}
	return structError(validate.Struct(f))
}

// Validate checks the page bounds.
func (p Page) Validate() error {
	return structError(validate.Struct(p))
}

func structError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return Invalid(fe.Field(), fmt.Sprintf("failed %q check", fe.Tag()))
	}
	return Invalid("", err.Error())
}

// Matches reports whether e passes every set criterion. Start is inclusive,
// End is exclusive.
func (f Filter) Matches(e Event) bool {
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !e.Timestamp.Before(f.End) {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if len(f.ResourceTypes) > 0 && !slices.Contains(f.ResourceTypes, e.ResourceType) {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.SourceIP != "" && e.SourceIP != f.SourceIP {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	return true
}

// Field names accepted by Store.CountDistinct.
type Field string

const (
	FieldAction       Field = "action"
	FieldResourceType Field = "resource_type"
	FieldActorID      Field = "actor_id"
)

func (f Field) valid() bool {
	return f == FieldAction || f == FieldResourceType || f == FieldActorID
}

func (f Field) of(e Event) string {
	switch f {
	case FieldAction:
		return string(e.Action)
	case FieldResourceType:
		return e.ResourceType
	case FieldActorID:
		return e.ActorID
	}
	return ""
}
