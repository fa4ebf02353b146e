package auth

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/platform/apperr"
)

type Action string

const (
	ActionCreate         Action = "create"
	ActionRead           Action = "read"
	ActionUpdate         Action = "update"
	ActionDelete         Action = "delete"
	ActionList           Action = "list"
	ActionSign           Action = "sign"
	ActionStartTelevisit Action = "start_televisit"
)

type ResourceKind string

const (
	KindPatient      ResourceKind = "patient"
	KindAppointment  ResourceKind = "appointment"
	KindClinicalNote ResourceKind = "clinical_note"
	KindUser         ResourceKind = "user"
	KindAuditLog     ResourceKind = "audit_log"
)

type DenyReason string

const (
	ReasonUnauthenticated  DenyReason = "unauthenticated"
	ReasonWrongTenant      DenyReason = "wrong_tenant"
	ReasonInsufficientRole DenyReason = "insufficient_role"
	ReasonNotOwner         DenyReason = "not_owner"
)

// Target describes the record an action applies to. For list actions it
// describes the collection, so only Kind and TenantID are meaningful.
type Target struct {
	Kind     ResourceKind
	TenantID uuid.UUID
	// OwnerUserID is the client user linked to the record: Patient.user_id
	// for patients and their appointments and notes, the user's own id for
	// user records. Nil when no client is linked.
	OwnerUserID *uuid.UUID
	// TherapistID is the therapist named on an appointment or note.
	TherapistID uuid.UUID
	// Signed reports whether a clinical note is signed.
	Signed bool
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	// OwnOnly is set on allowed list decisions that must be narrowed to the
	// caller's own records.
	OwnOnly bool
}

// Err maps a deny onto the error taxonomy: unauthenticated callers get
// ErrInvalidToken, every other deny ErrForbidden.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonUnauthenticated:
		return fmt.Errorf("%w: %s", apperr.ErrInvalidToken, d.Reason)
	default:
		return fmt.Errorf("%w: %s", apperr.ErrForbidden, d.Reason)
	}
}

func allow() Decision { return Decision{Allowed: true} }
func deny(reason DenyReason) Decision { return Decision{Reason: reason} }

type rule func(id *Identity, t Target) Decision

type ruleKey struct {
	role   Role
	kind   ResourceKind
	action Action
}

func always(*Identity, Target) Decision { return allow() }

// namedTherapist allows the therapist named on the record.
func namedTherapist(id *Identity, t Target) Decision {
	if t.TherapistID == id.UserID {
		return allow()
	}
	return deny(ReasonNotOwner)
}

// linkedClient allows a client whose user is linked to the record.
func linkedClient(id *Identity, t Target) Decision {
	if t.OwnerUserID != nil && *t.OwnerUserID == id.UserID {
		return allow()
	}
	return deny(ReasonNotOwner)
}

func linkedClientSigned(id *Identity, t Target) Decision {
	if !t.Signed {
		return deny(ReasonNotOwner)
	}
	return linkedClient(id, t)
}

func ownOnly(*Identity, Target) Decision { return Decision{Allowed: true, OwnOnly: true} }

// defaultRules lists every allowed (role, kind, action). Anything absent is
// denied with insufficient_role. ADMIN is handled before the table.
func defaultRules() map[ruleKey]rule {
	return map[ruleKey]rule{
		{RoleTherapist, KindPatient, ActionCreate}: always,
		{RoleTherapist, KindPatient, ActionRead}:   always,
		{RoleTherapist, KindPatient, ActionUpdate}: always,
		{RoleTherapist, KindPatient, ActionList}:   always,

		{RoleTherapist, KindAppointment, ActionCreate}:         namedTherapist,
		{RoleTherapist, KindAppointment, ActionRead}:           always,
		{RoleTherapist, KindAppointment, ActionUpdate}:         always,
		{RoleTherapist, KindAppointment, ActionList}:           always,
		{RoleTherapist, KindAppointment, ActionStartTelevisit}: always,

		{RoleTherapist, KindClinicalNote, ActionCreate}: namedTherapist,
		{RoleTherapist, KindClinicalNote, ActionRead}:   always,
		{RoleTherapist, KindClinicalNote, ActionUpdate}: always,
		{RoleTherapist, KindClinicalNote, ActionList}:   always,
		{RoleTherapist, KindClinicalNote, ActionSign}:   namedTherapist,

		{RoleTherapist, KindUser, ActionRead}: always,
		{RoleTherapist, KindUser, ActionList}: always,

		{RoleClient, KindPatient, ActionRead}:      linkedClient,
		{RoleClient, KindPatient, ActionList}:      ownOnly,
		{RoleClient, KindAppointment, ActionRead}:  linkedClient,
		{RoleClient, KindAppointment, ActionList}:  ownOnly,
		{RoleClient, KindClinicalNote, ActionRead}: linkedClientSigned,
		{RoleClient, KindClinicalNote, ActionList}: ownOnly,
		{RoleClient, KindUser, ActionRead}:         linkedClient,
	}
}

// Engine evaluates authorization rules.
type Engine struct {
	rules  map[ruleKey]rule
	logger zerolog.Logger
}

func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		rules:  defaultRules(),
		logger: logger.With().Str("component", "policy").Logger(),
	}
}

// Authorize decides whether id may perform action on t. Tenant isolation
// is checked before any role logic.
func (e *Engine) Authorize(id *Identity, action Action, t Target) Decision {
	d := e.decide(id, action, t)
	if !d.Allowed {
		ev := e.logger.Debug().
			Str("action", string(action)).
			Str("kind", string(t.Kind)).
			Str("reason", string(d.Reason))
		if id != nil {
			ev = ev.Str("user_id", id.UserID.String()).Str("role", string(id.Role))
		}
		ev.Msg("access denied")
	}
	return d
}

func (e *Engine) decide(id *Identity, action Action, t Target) Decision {
	if id == nil {
		return deny(ReasonUnauthenticated)
	}
	if id.TenantID != t.TenantID {
		return deny(ReasonWrongTenant)
	}
	if id.Role == RoleAdmin {
		return allow()
	}
	r, ok := e.rules[ruleKey{id.Role, t.Kind, action}]
	if !ok {
		return deny(ReasonInsufficientRole)
	}
	return r(id, t)
}

// Check is Authorize followed by Decision.Err.
func (e *Engine) Check(id *Identity, action Action, t Target) error {
	return e.Authorize(id, action, t).Err()
}
