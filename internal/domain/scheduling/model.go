package scheduling

import (
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/mentalspace/ehr/internal/platform/apperr"
)

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// updateEdges are the transitions reachable through a plain update.
// SCHEDULED -> IN_PROGRESS is only taken by StartTelevisit.
var updateEdges = map[Status]Status{
	StatusScheduled:  StatusCancelled,
	StatusInProgress: StatusCompleted,
}

func canUpdateTo(from, to Status) bool {
	next, ok := updateEdges[from]
	return ok && next == to
}

const (
	DefaultDuration = 60
	maxDuration     = 24 * 60
)

type Appointment struct {
	ID              uuid.UUID `json:"id"`
	TenantID        uuid.UUID `json:"tenant_id"`
	PatientID       uuid.UUID `json:"patient_id"`
	TherapistID     uuid.UUID `json:"therapist_id"`
	AppointmentDate time.Time `json:"appointment_date"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          Status    `json:"status"`
	Notes           *string   `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// PatientUserID is the client user linked to the patient, read from
	// patients.user_id. It is not a column of appointments.
	PatientUserID *uuid.UUID `json:"-"`
}

func (a *Appointment) clone() *Appointment {
	cp := *a
	if a.Notes != nil {
		n := *a.Notes
		cp.Notes = &n
	}
	if a.PatientUserID != nil {
		u := *a.PatientUserID
		cp.PatientUserID = &u
	}
	return &cp
}

func (a *Appointment) validate() error {
	errs := make(errsx.Map)
	if a.PatientID == uuid.Nil {
		errs.Set("patient_id", "is required")
	}
	if a.TherapistID == uuid.Nil {
		errs.Set("therapist_id", "is required")
	}
	if a.AppointmentDate.IsZero() {
		errs.Set("appointment_date", "is required")
	}
	if a.DurationMinutes <= 0 || a.DurationMinutes > maxDuration {
		errs.Set("duration_minutes", "must be between 1 and 1440")
	}
	return apperr.Validation(errs)
}

type CreateInput struct {
	PatientID uuid.UUID `json:"patient_id"`
	// TherapistID is only honoured for ADMIN callers; a therapist always
	// books for themself.
	TherapistID     uuid.UUID `json:"therapist_id"`
	AppointmentDate time.Time `json:"appointment_date"`
	DurationMinutes int       `json:"duration_minutes"`
	Notes           *string   `json:"notes,omitempty"`
}

type UpdateInput struct {
	AppointmentDate *time.Time `json:"appointment_date,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	Status          *Status    `json:"status,omitempty"`
}

func (in UpdateInput) changesFields() bool {
	return in.AppointmentDate != nil || in.DurationMinutes != nil || in.Notes != nil
}

func (in UpdateInput) empty() bool {
	return !in.changesFields() && in.Status == nil
}

type Filter struct {
	PatientID   *uuid.UUID
	TherapistID *uuid.UUID
	Status      Status
	From        *time.Time
	To          *time.Time
	// OwnerUserID restricts results to appointments of the patient linked
	// to that user.
	OwnerUserID *uuid.UUID
	Limit       int
	Offset      int
}

func (f Filter) validate() error {
	errs := make(errsx.Map)
	if f.Status != "" && !f.Status.Valid() {
		errs.Set("status", "must be SCHEDULED, IN_PROGRESS, COMPLETED or CANCELLED")
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		errs.Set("to", "must not be before from")
	}
	return apperr.Validation(errs)
}

// TelevisitSession is returned when a televisit is started.
type TelevisitSession struct {
	Appointment  *Appointment `json:"appointment"`
	TelevisitURL string       `json:"televisit_url"`
	RoomID       string       `json:"room_id"`
}
