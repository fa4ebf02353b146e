package clinical

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/domain/auditlog"
	"github.com/mentalspace/ehr/internal/domain/identity"
	"github.com/mentalspace/ehr/internal/domain/patient"
	"github.com/mentalspace/ehr/internal/domain/scheduling"
	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/db"
	"github.com/mentalspace/ehr/internal/platform/hipaa"
	"github.com/mentalspace/ehr/pkg/pagination"
)

type PatientDirectory interface {
	Lookup(ctx context.Context, tenantID, patientID uuid.UUID) (*patient.Patient, error)
}

type UserDirectory interface {
	Lookup(ctx context.Context, tenantID, userID uuid.UUID) (*identity.User, error)
}

type AppointmentDirectory interface {
	Lookup(ctx context.Context, tenantID, appointmentID uuid.UUID) (*scheduling.Appointment, error)
}

type Service struct {
	notes        NoteRepository
	patients     PatientDirectory
	users        UserDirectory
	appointments AppointmentDirectory
	policy       *auth.Engine
	tx           db.Transactor
	audit        *auditlog.Recorder
	logger       zerolog.Logger
	now          func() time.Time
}

type Deps struct {
	Notes        NoteRepository
	Patients     PatientDirectory
	Users        UserDirectory
	Appointments AppointmentDirectory
	Policy       *auth.Engine
	Tx           db.Transactor
	Audit        *auditlog.Recorder
	Logger       zerolog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		notes:        d.Notes,
		patients:     d.Patients,
		users:        d.Users,
		appointments: d.Appointments,
		policy:       d.Policy,
		tx:           d.Tx,
		audit:        d.Audit,
		logger:       d.Logger,
		now:          time.Now,
	}
}

func target(n *Note) auth.Target {
	return auth.Target{
		Kind:        auth.KindClinicalNote,
		TenantID:    n.TenantID,
		OwnerUserID: n.PatientUserID,
		TherapistID: n.TherapistID,
		Signed:      n.IsSigned,
	}
}

func collection(id *auth.Identity) auth.Target {
	t := auth.Target{Kind: auth.KindClinicalNote}
	if id != nil {
		t.TenantID = id.TenantID
	}
	return t
}

var errSigned = fmt.Errorf("%w: clinical note is signed and can no longer be changed", apperr.ErrInvalidState)

func (s *Service) record(ctx context.Context, id *auth.Identity, action auditlog.Action, n *Note, old, cur any) error {
	_, err := s.audit.Record(ctx, auditlog.Change{
		TenantID: n.TenantID, UserID: &id.UserID, Action: action,
		Table: hipaa.TableClinicalNotes, RecordID: &n.ID, Old: old, New: cur,
	})
	return err
}

// checkReferences verifies that patient, therapist and appointment exist in
// the note's tenant and that the appointment belongs to the patient.
func (s *Service) checkReferences(ctx context.Context, n *Note) error {
	p, err := s.patients.Lookup(ctx, n.TenantID, n.PatientID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Conflict("patient %s does not exist in this tenant", n.PatientID)
	}
	if err != nil {
		return err
	}
	n.PatientUserID = p.UserID

	t, err := s.users.Lookup(ctx, n.TenantID, n.TherapistID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Conflict("therapist %s does not exist in this tenant", n.TherapistID)
	}
	if err != nil {
		return err
	}
	if t.Role != auth.RoleTherapist {
		return apperr.Conflict("user %s is not a therapist", n.TherapistID)
	}

	if n.AppointmentID == nil {
		return nil
	}
	a, err := s.appointments.Lookup(ctx, n.TenantID, *n.AppointmentID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Conflict("appointment %s does not exist in this tenant", *n.AppointmentID)
	}
	if err != nil {
		return err
	}
	if a.PatientID != n.PatientID {
		return apperr.Conflict("appointment %s belongs to another patient", a.ID)
	}
	return nil
}

// Create writes a draft note. A therapist always writes as themself; an
// admin names the therapist.
func (s *Service) Create(ctx context.Context, id *auth.Identity, in CreateInput) (*Note, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	n := &Note{
		ID:            uuid.New(),
		TenantID:      id.TenantID,
		PatientID:     in.PatientID,
		TherapistID:   in.TherapistID,
		AppointmentID: in.AppointmentID,
		NoteType:      NoteType(strings.ToUpper(strings.TrimSpace(string(in.NoteType)))),
		Subjective:    text(in.Subjective),
		Objective:     text(in.Objective),
		Assessment:    text(in.Assessment),
		Plan:          text(in.Plan),
	}
	if id.Role == auth.RoleTherapist {
		n.TherapistID = id.UserID
	}
	if n.NoteType == "" {
		n.NoteType = NoteTypeSOAP
	}
	if err := s.policy.Check(id, auth.ActionCreate, target(n)); err != nil {
		return nil, err
	}
	if err := n.validate(); err != nil {
		return nil, err
	}

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.checkReferences(ctx, n); err != nil {
			return err
		}
		if err := s.notes.Create(ctx, n); err != nil {
			return err
		}
		return s.record(ctx, id, auditlog.ActionCreate, n, nil, n)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Get returns a note. Clients may only read signed notes on their own
// record.
func (s *Service) Get(ctx context.Context, id *auth.Identity, noteID uuid.UUID) (*Note, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	n, err := s.notes.Get(ctx, id.TenantID, noteID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Check(id, auth.ActionRead, target(n)); err != nil {
		return nil, err
	}
	return n, nil
}

// List returns notes of the caller's tenant. Clients only see signed notes
// of the patient linked to their user.
func (s *Service) List(ctx context.Context, id *auth.Identity, f Filter) ([]*Note, int, error) {
	d := s.policy.Authorize(id, auth.ActionList, collection(id))
	if err := d.Err(); err != nil {
		return nil, 0, err
	}
	if f.NoteType != "" && !f.NoteType.Valid() {
		errs := make(errsx.Map)
		errs.Set("note_type", "must be SOAP, DAP, BIRP, PROGRESS or INTAKE")
		return nil, 0, apperr.Validation(errs)
	}
	if d.OwnOnly {
		own := id.UserID
		signed := true
		f.OwnerUserID = &own
		f.IsSigned = &signed
	}
	pg := pagination.Normalize(f.Limit, f.Offset, pagination.DefaultLimit, pagination.MaxLimit)
	f.Limit, f.Offset = pg.Limit, pg.Offset
	return s.notes.List(ctx, id.TenantID, f)
}

// Update edits a draft note. Signed notes are immutable for every role.
func (s *Service) Update(ctx context.Context, id *auth.Identity, noteID uuid.UUID, in UpdateInput) (*Note, error) {
	if err := s.policy.Check(id, auth.ActionUpdate, collection(id)); err != nil {
		return nil, err
	}
	if in.empty() {
		errs := make(errsx.Map)
		errs.Set("body", "no fields to update")
		return nil, apperr.Validation(errs)
	}
	var updated *Note
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.notes.GetForUpdate(ctx, id.TenantID, noteID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionUpdate, target(n)); err != nil {
			return err
		}
		if n.IsSigned {
			return errSigned
		}
		old := n.clone()
		in.apply(n)
		if err := n.validate(); err != nil {
			return err
		}
		if err := s.notes.Update(ctx, n); err != nil {
			return err
		}
		updated = n
		return s.record(ctx, id, auditlog.ActionUpdate, n, old, n)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Sign finalises a draft note. Only its author or an admin may sign.
func (s *Service) Sign(ctx context.Context, id *auth.Identity, noteID uuid.UUID) (*Note, error) {
	pre := collection(id)
	if id != nil {
		// Role-level check only; authorship is checked on the locked row.
		pre.TherapistID = id.UserID
	}
	if err := s.policy.Check(id, auth.ActionSign, pre); err != nil {
		return nil, err
	}
	var signed *Note
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.notes.GetForUpdate(ctx, id.TenantID, noteID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionSign, target(n)); err != nil {
			return err
		}
		if n.IsSigned {
			return fmt.Errorf("%w: clinical note is already signed", apperr.ErrInvalidState)
		}
		old := n.clone()
		now := s.now().UTC()
		n.IsSigned = true
		n.SignedAt = &now
		if err := s.notes.Update(ctx, n); err != nil {
			return err
		}
		signed = n
		return s.record(ctx, id, auditlog.ActionSign, n, old, n)
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// Delete removes a note in any state.
func (s *Service) Delete(ctx context.Context, id *auth.Identity, noteID uuid.UUID) error {
	if err := s.policy.Check(id, auth.ActionDelete, collection(id)); err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.notes.GetForUpdate(ctx, id.TenantID, noteID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionDelete, target(n)); err != nil {
			return err
		}
		if err := s.notes.Delete(ctx, n.TenantID, n.ID); err != nil {
			return err
		}
		return s.record(ctx, id, auditlog.ActionDelete, n, n, nil)
	})
}
