package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/domain/auditlog"
	"github.com/mentalspace/ehr/internal/domain/identity"
	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/db"
	"github.com/mentalspace/ehr/internal/platform/hipaa"
	"github.com/mentalspace/ehr/pkg/pagination"
)

var patientPHI = hipaa.PHIFieldsFor(hipaa.TablePatients)

// UserDirectory resolves active users of a tenant. identity.Service
// satisfies it.
type UserDirectory interface {
	Lookup(ctx context.Context, tenantID, userID uuid.UUID) (*identity.User, error)
}

type Service struct {
	repo   Repository
	users  UserDirectory
	policy *auth.Engine
	tx     db.Transactor
	codec  *hipaa.Codec
	audit  *auditlog.Recorder
	logger zerolog.Logger
	now    func() time.Time
}

type Deps struct {
	Repo   Repository
	Users  UserDirectory
	Policy *auth.Engine
	Tx     db.Transactor
	Codec  *hipaa.Codec
	Audit  *auditlog.Recorder
	Logger zerolog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		repo:   d.Repo,
		users:  d.Users,
		policy: d.Policy,
		tx:     d.Tx,
		codec:  d.Codec,
		audit:  d.Audit,
		logger: d.Logger,
		now:    time.Now,
	}
}

func target(p *Patient) auth.Target {
	return auth.Target{Kind: auth.KindPatient, TenantID: p.TenantID, OwnerUserID: p.UserID}
}

func collection(id *auth.Identity) auth.Target {
	t := auth.Target{Kind: auth.KindPatient}
	if id != nil {
		t.TenantID = id.TenantID
	}
	return t
}

func (s *Service) seal(ctx context.Context, p *Patient) (*Patient, error) {
	stored := p.clone()
	if err := s.codec.EncryptFields(ctx, p.TenantID, stored, patientPHI...); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Service) open(ctx context.Context, p *Patient) error {
	failed, err := s.codec.DecryptFields(ctx, p.TenantID, p, patientPHI...)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		s.logger.Warn().Str("patient_id", p.ID.String()).Strs("fields", failed).Msg("patient fields not decrypted")
		p.DecryptFailed = failed
	}
	return nil
}

// checkLink verifies that userID names an active CLIENT of the tenant that
// is not already linked to a different patient.
func (s *Service) checkLink(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID, self uuid.UUID) error {
	if userID == nil {
		return nil
	}
	u, err := s.users.Lookup(ctx, tenantID, *userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Conflict("user %s does not exist in this tenant", *userID)
	}
	if err != nil {
		return err
	}
	if u.Role != auth.RoleClient {
		return apperr.Conflict("only CLIENT users can be linked to a patient")
	}
	existing, err := s.repo.GetByUser(ctx, tenantID, *userID)
	if err == nil && existing.ID != self {
		return apperr.Conflict("user is already linked to another patient")
	}
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) Create(ctx context.Context, id *auth.Identity, in CreateInput) (*Patient, error) {
	if err := s.policy.Check(id, auth.ActionCreate, collection(id)); err != nil {
		return nil, err
	}
	p := in.toPatient()
	p.ID = uuid.New()
	p.TenantID = id.TenantID
	if err := p.Validate(s.now()); err != nil {
		return nil, err
	}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.checkLink(ctx, p.TenantID, p.UserID, p.ID); err != nil {
			return err
		}
		stored, err := s.seal(ctx, p)
		if err != nil {
			return err
		}
		if err := s.repo.Create(ctx, stored); err != nil {
			return err
		}
		p.CreatedAt, p.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
		_, err = s.audit.Record(ctx, auditlog.Change{
			TenantID: p.TenantID, UserID: &id.UserID, Action: auditlog.ActionCreate,
			Table: hipaa.TablePatients, RecordID: &p.ID, New: p,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id *auth.Identity, patientID uuid.UUID) (*Patient, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	p, err := s.repo.Get(ctx, id.TenantID, patientID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Check(id, auth.ActionRead, target(p)); err != nil {
		return nil, err
	}
	if err := s.open(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetByUser returns the patient linked to userID. Clients may only ask for
// their own record.
func (s *Service) GetByUser(ctx context.Context, id *auth.Identity, userID uuid.UUID) (*Patient, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	if id.Role == auth.RoleClient && userID != id.UserID {
		return nil, auth.Decision{Reason: auth.ReasonNotOwner}.Err()
	}
	p, err := s.repo.GetByUser(ctx, id.TenantID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Check(id, auth.ActionRead, target(p)); err != nil {
		return nil, err
	}
	if err := s.open(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns patients of the caller's tenant. Clients only ever see the
// record linked to their own user.
func (s *Service) List(ctx context.Context, id *auth.Identity, f Filter) ([]*Patient, int, error) {
	d := s.policy.Authorize(id, auth.ActionList, collection(id))
	if err := d.Err(); err != nil {
		return nil, 0, err
	}
	if d.OwnOnly {
		own := id.UserID
		f.OwnerUserID = &own
	}
	pg := pagination.Normalize(f.Limit, f.Offset, pagination.DefaultLimit, pagination.MaxLimit)
	f.Limit, f.Offset = pg.Limit, pg.Offset
	items, total, err := s.repo.List(ctx, id.TenantID, f)
	if err != nil {
		return nil, 0, err
	}
	for _, p := range items {
		if err := s.open(ctx, p); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

func (s *Service) Update(ctx context.Context, id *auth.Identity, patientID uuid.UUID, in UpdateInput) (*Patient, error) {
	if err := s.policy.Check(id, auth.ActionUpdate, collection(id)); err != nil {
		return nil, err
	}
	var updated *Patient
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id.TenantID, patientID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionUpdate, target(p)); err != nil {
			return err
		}
		if err := s.open(ctx, p); err != nil {
			return err
		}
		if len(p.DecryptFailed) > 0 {
			return fmt.Errorf("%w: patient has unreadable fields %v", apperr.ErrInvalidState, p.DecryptFailed)
		}
		old := p.clone()
		in.apply(p)
		if err := p.Validate(s.now()); err != nil {
			return err
		}
		if in.UserID != nil {
			if err := s.checkLink(ctx, p.TenantID, p.UserID, p.ID); err != nil {
				return err
			}
		}
		stored, err := s.seal(ctx, p)
		if err != nil {
			return err
		}
		if err := s.repo.Update(ctx, stored); err != nil {
			return err
		}
		p.UpdatedAt = stored.UpdatedAt
		_, err = s.audit.Record(ctx, auditlog.Change{
			TenantID: p.TenantID, UserID: &id.UserID, Action: auditlog.ActionUpdate,
			Table: hipaa.TablePatients, RecordID: &p.ID, Old: old, New: p,
		})
		updated = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a patient. A patient that still has appointments or notes
// cannot be deleted.
func (s *Service) Delete(ctx context.Context, id *auth.Identity, patientID uuid.UUID) error {
	if err := s.policy.Check(id, auth.ActionDelete, collection(id)); err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id.TenantID, patientID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionDelete, target(p)); err != nil {
			return err
		}
		if err := s.open(ctx, p); err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, p.TenantID, p.ID); err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, auditlog.Change{
			TenantID: p.TenantID, UserID: &id.UserID, Action: auditlog.ActionDelete,
			Table: hipaa.TablePatients, RecordID: &p.ID, Old: p,
		})
		return err
	})
}

// Stats summarises the tenant's patients. Not available to clients.
func (s *Service) Stats(ctx context.Context, id *auth.Identity) (*Stats, error) {
	d := s.policy.Authorize(id, auth.ActionList, collection(id))
	if err := d.Err(); err != nil {
		return nil, err
	}
	if d.OwnOnly {
		return nil, auth.Decision{Reason: auth.ReasonInsufficientRole}.Err()
	}
	return s.repo.Stats(ctx, id.TenantID)
}

// Lookup returns a patient of the tenant as stored, without an
// authorization check. Appointment and note services use it to validate
// references and to find the linked client user.
func (s *Service) Lookup(ctx context.Context, tenantID, patientID uuid.UUID) (*Patient, error) {
	return s.repo.Get(ctx, tenantID, patientID)
}
