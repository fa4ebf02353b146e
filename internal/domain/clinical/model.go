package clinical

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/mentalspace/ehr/internal/platform/apperr"
)

type NoteType string

const (
	NoteTypeSOAP     NoteType = "SOAP"
	NoteTypeDAP      NoteType = "DAP"
	NoteTypeBIRP     NoteType = "BIRP"
	NoteTypeProgress NoteType = "PROGRESS"
	NoteTypeIntake   NoteType = "INTAKE"
)

func (t NoteType) Valid() bool {
	switch t {
	case NoteTypeSOAP, NoteTypeDAP, NoteTypeBIRP, NoteTypeProgress, NoteTypeIntake:
		return true
	}
	return false
}

// Note is a clinical note. Once signed it can no longer be changed, only
// deleted by an admin.
type Note struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	TherapistID   uuid.UUID  `json:"therapist_id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	NoteType      NoteType   `json:"note_type"`
	Subjective    *string    `json:"subjective,omitempty"`
	Objective     *string    `json:"objective,omitempty"`
	Assessment    *string    `json:"assessment,omitempty"`
	Plan          *string    `json:"plan,omitempty"`
	IsSigned      bool       `json:"is_signed"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// PatientUserID is patients.user_id of the note's patient.
	PatientUserID *uuid.UUID `json:"-"`
}

func (n *Note) clone() *Note {
	cp := *n
	for _, f := range []**string{&cp.Subjective, &cp.Objective, &cp.Assessment, &cp.Plan} {
		if *f != nil {
			v := **f
			*f = &v
		}
	}
	if n.AppointmentID != nil {
		v := *n.AppointmentID
		cp.AppointmentID = &v
	}
	if n.SignedAt != nil {
		v := *n.SignedAt
		cp.SignedAt = &v
	}
	if n.PatientUserID != nil {
		v := *n.PatientUserID
		cp.PatientUserID = &v
	}
	return &cp
}

func (n *Note) validate() error {
	errs := make(errsx.Map)
	if n.PatientID == uuid.Nil {
		errs.Set("patient_id", "is required")
	}
	if n.TherapistID == uuid.Nil {
		errs.Set("therapist_id", "is required")
	}
	if !n.NoteType.Valid() {
		errs.Set("note_type", "must be SOAP, DAP, BIRP, PROGRESS or INTAKE")
	}
	return apperr.Validation(errs)
}

func text(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

type CreateInput struct {
	PatientID uuid.UUID `json:"patient_id"`
	// TherapistID is only honoured for ADMIN callers.
	TherapistID   uuid.UUID  `json:"therapist_id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	NoteType      NoteType   `json:"note_type"`
	Subjective    *string    `json:"subjective,omitempty"`
	Objective     *string    `json:"objective,omitempty"`
	Assessment    *string    `json:"assessment,omitempty"`
	Plan          *string    `json:"plan,omitempty"`
}

// UpdateInput changes the body of a draft note. A nil field is left alone;
// an empty string clears it.
type UpdateInput struct {
	NoteType   *NoteType `json:"note_type,omitempty"`
	Subjective *string   `json:"subjective,omitempty"`
	Objective  *string   `json:"objective,omitempty"`
	Assessment *string   `json:"assessment,omitempty"`
	Plan       *string   `json:"plan,omitempty"`
}

func (in UpdateInput) empty() bool {
	return in.NoteType == nil && in.Subjective == nil && in.Objective == nil &&
		in.Assessment == nil && in.Plan == nil
}

func (in UpdateInput) apply(n *Note) {
	if in.NoteType != nil {
		n.NoteType = NoteType(strings.ToUpper(string(*in.NoteType)))
	}
	set := func(dst **string, v *string) {
		if v != nil {
			*dst = text(v)
		}
	}
	set(&n.Subjective, in.Subjective)
	set(&n.Objective, in.Objective)
	set(&n.Assessment, in.Assessment)
	set(&n.Plan, in.Plan)
}

type Filter struct {
	PatientID   *uuid.UUID
	TherapistID *uuid.UUID
	NoteType    NoteType
	IsSigned    *bool
	// OwnerUserID restricts results to notes of the patient linked to that
	// user.
	OwnerUserID *uuid.UUID
	Limit       int
	Offset      int
}
