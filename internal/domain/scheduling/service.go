package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/domain/auditlog"
	"github.com/mentalspace/ehr/internal/domain/identity"
	"github.com/mentalspace/ehr/internal/domain/patient"
	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/db"
	"github.com/mentalspace/ehr/internal/platform/hipaa"
	"github.com/mentalspace/ehr/pkg/pagination"
)

const DefaultTelevisitBaseURL = "https://televisit.mentalspace.com"

// PatientDirectory resolves patients of a tenant without authorization.
type PatientDirectory interface {
	Lookup(ctx context.Context, tenantID, patientID uuid.UUID) (*patient.Patient, error)
}

// UserDirectory resolves active users of a tenant.
type UserDirectory interface {
	Lookup(ctx context.Context, tenantID, userID uuid.UUID) (*identity.User, error)
}

type Service struct {
	appointments AppointmentRepository
	patients     PatientDirectory
	users        UserDirectory
	policy       *auth.Engine
	tx           db.Transactor
	audit        *auditlog.Recorder
	televisitURL string
	logger       zerolog.Logger
}

type Deps struct {
	Appointments AppointmentRepository
	Patients     PatientDirectory
	Users        UserDirectory
	Policy       *auth.Engine
	Tx           db.Transactor
	Audit        *auditlog.Recorder
	// TelevisitBaseURL prefixes televisit room links. Empty uses
	// DefaultTelevisitBaseURL.
	TelevisitBaseURL string
	Logger           zerolog.Logger
}

func NewService(d Deps) *Service {
	base := strings.TrimRight(d.TelevisitBaseURL, "/")
	if base == "" {
		base = DefaultTelevisitBaseURL
	}
	return &Service{
		appointments: d.Appointments,
		patients:     d.Patients,
		users:        d.Users,
		policy:       d.Policy,
		tx:           d.Tx,
		audit:        d.Audit,
		televisitURL: base,
		logger:       d.Logger,
	}
}

func target(a *Appointment) auth.Target {
	return auth.Target{
		Kind:        auth.KindAppointment,
		TenantID:    a.TenantID,
		OwnerUserID: a.PatientUserID,
		TherapistID: a.TherapistID,
	}
}

func collection(id *auth.Identity) auth.Target {
	t := auth.Target{Kind: auth.KindAppointment}
	if id != nil {
		t.TenantID = id.TenantID
	}
	return t
}

func (s *Service) record(ctx context.Context, id *auth.Identity, action auditlog.Action, a *Appointment, old, cur any) error {
	_, err := s.audit.Record(ctx, auditlog.Change{
		TenantID: a.TenantID, UserID: &id.UserID, Action: action,
		Table: hipaa.TableAppointments, RecordID: &a.ID, Old: old, New: cur,
	})
	return err
}

// Create books an appointment. A therapist always books for themself; an
// admin names the therapist. Patient and therapist must exist in the tenant.
func (s *Service) Create(ctx context.Context, id *auth.Identity, in CreateInput) (*Appointment, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	a := &Appointment{
		ID:              uuid.New(),
		TenantID:        id.TenantID,
		PatientID:       in.PatientID,
		TherapistID:     in.TherapistID,
		AppointmentDate: in.AppointmentDate,
		DurationMinutes: in.DurationMinutes,
		Status:          StatusScheduled,
		Notes:           in.Notes,
	}
	if id.Role == auth.RoleTherapist {
		a.TherapistID = id.UserID
	}
	if a.DurationMinutes == 0 {
		a.DurationMinutes = DefaultDuration
	}
	if err := s.policy.Check(id, auth.ActionCreate, target(a)); err != nil {
		return nil, err
	}
	if err := a.validate(); err != nil {
		return nil, err
	}

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.Lookup(ctx, a.TenantID, a.PatientID)
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Conflict("patient %s does not exist in this tenant", a.PatientID)
		}
		if err != nil {
			return err
		}
		a.PatientUserID = p.UserID

		t, err := s.users.Lookup(ctx, a.TenantID, a.TherapistID)
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Conflict("therapist %s does not exist in this tenant", a.TherapistID)
		}
		if err != nil {
			return err
		}
		if t.Role != auth.RoleTherapist {
			return apperr.Conflict("user %s is not a therapist", a.TherapistID)
		}

		if err := s.appointments.Create(ctx, a); err != nil {
			return err
		}
		return s.record(ctx, id, auditlog.ActionCreate, a, nil, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, id *auth.Identity, appointmentID uuid.UUID) (*Appointment, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	a, err := s.appointments.Get(ctx, id.TenantID, appointmentID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Check(id, auth.ActionRead, target(a)); err != nil {
		return nil, err
	}
	return a, nil
}

// List returns appointments of the caller's tenant. Clients only see
// appointments of the patient linked to their user.
func (s *Service) List(ctx context.Context, id *auth.Identity, f Filter) ([]*Appointment, int, error) {
	d := s.policy.Authorize(id, auth.ActionList, collection(id))
	if err := d.Err(); err != nil {
		return nil, 0, err
	}
	if err := f.validate(); err != nil {
		return nil, 0, err
	}
	if d.OwnOnly {
		own := id.UserID
		f.OwnerUserID = &own
	}
	pg := pagination.Normalize(f.Limit, f.Offset, pagination.DefaultLimit, pagination.MaxLimit)
	f.Limit, f.Offset = pg.Limit, pg.Offset
	return s.appointments.List(ctx, id.TenantID, f)
}

// Update changes appointment fields and moves the status along the plain
// update edges. Completed and cancelled appointments are read-only.
func (s *Service) Update(ctx context.Context, id *auth.Identity, appointmentID uuid.UUID, in UpdateInput) (*Appointment, error) {
	if err := s.policy.Check(id, auth.ActionUpdate, collection(id)); err != nil {
		return nil, err
	}
	if in.empty() {
		errs := make(errsx.Map)
		errs.Set("body", "no fields to update")
		return nil, apperr.Validation(errs)
	}
	var updated *Appointment
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id.TenantID, appointmentID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionUpdate, target(a)); err != nil {
			return err
		}
		old := a.clone()

		if in.Status != nil && *in.Status != a.Status {
			if !in.Status.Valid() {
				errs := make(errsx.Map)
				errs.Set("status", "must be SCHEDULED, IN_PROGRESS, COMPLETED or CANCELLED")
				return apperr.Validation(errs)
			}
			if !canUpdateTo(a.Status, *in.Status) {
				return apperr.InvalidTransition("appointment", string(a.Status), string(*in.Status))
			}
		}
		if in.changesFields() && a.Status.Terminal() {
			return fmt.Errorf("%w: appointment is %s and can no longer be changed", apperr.ErrInvalidState, a.Status)
		}

		if in.AppointmentDate != nil {
			a.AppointmentDate = *in.AppointmentDate
		}
		if in.DurationMinutes != nil {
			a.DurationMinutes = *in.DurationMinutes
		}
		if in.Notes != nil {
			notes := strings.TrimSpace(*in.Notes)
			if notes == "" {
				a.Notes = nil
			} else {
				a.Notes = &notes
			}
		}
		if in.Status != nil {
			a.Status = *in.Status
		}
		if err := a.validate(); err != nil {
			return err
		}
		if !in.changesFields() && a.Status == old.Status {
			updated = a
			return nil
		}

		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		updated = a
		return s.record(ctx, id, auditlog.ActionUpdate, a, old, a)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// StartTelevisit moves a scheduled appointment to IN_PROGRESS and returns
// the room link.
func (s *Service) StartTelevisit(ctx context.Context, id *auth.Identity, appointmentID uuid.UUID) (*TelevisitSession, error) {
	if err := s.policy.Check(id, auth.ActionStartTelevisit, collection(id)); err != nil {
		return nil, err
	}
	var session *TelevisitSession
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id.TenantID, appointmentID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionStartTelevisit, target(a)); err != nil {
			return err
		}
		if a.Status != StatusScheduled {
			return apperr.InvalidTransition("appointment", string(a.Status), string(StatusInProgress))
		}
		old := a.clone()
		a.Status = StatusInProgress
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		if err := s.record(ctx, id, auditlog.ActionStartTelevisit, a, old, a); err != nil {
			return err
		}
		session = &TelevisitSession{
			Appointment:  a,
			TelevisitURL: s.televisitURL + "/" + a.ID.String(),
			RoomID:       a.ID.String(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("tenant_id", id.TenantID.String()).
		Str("appointment_id", appointmentID.String()).
		Msg("televisit started")
	return session, nil
}

// Delete removes an appointment in any state.
func (s *Service) Delete(ctx context.Context, id *auth.Identity, appointmentID uuid.UUID) error {
	if err := s.policy.Check(id, auth.ActionDelete, collection(id)); err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id.TenantID, appointmentID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionDelete, target(a)); err != nil {
			return err
		}
		if err := s.appointments.Delete(ctx, a.TenantID, a.ID); err != nil {
			return err
		}
		return s.record(ctx, id, auditlog.ActionDelete, a, a, nil)
	})
}

// Lookup returns an appointment of the tenant without an authorization
// check. The clinical note service uses it to validate references.
func (s *Service) Lookup(ctx context.Context, tenantID, appointmentID uuid.UUID) (*Appointment, error) {
	return s.appointments.Get(ctx, tenantID, appointmentID)
}
