package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/domain/auditlog"
	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/db"
	"github.com/mentalspace/ehr/internal/platform/hipaa"
	"github.com/mentalspace/ehr/pkg/pagination"
)

var userPHI = hipaa.PHIFieldsFor(hipaa.TableUsers)

type Service struct {
	users       UserRepository
	tenants     db.TenantResolver
	hasher      Hasher
	tokens      *auth.TokenIssuer
	revocations auth.RevocationStore
	policy      *auth.Engine
	tx          db.Transactor
	codec       *hipaa.Codec
	audit       *auditlog.Recorder
	logger      zerolog.Logger
	now         func() time.Time
}

// Deps groups the collaborators of Service.
type Deps struct {
	Users       UserRepository
	Tenants     db.TenantResolver
	Hasher      Hasher
	Tokens      *auth.TokenIssuer
	Revocations auth.RevocationStore
	Policy      *auth.Engine
	Tx          db.Transactor
	Codec       *hipaa.Codec
	Audit       *auditlog.Recorder
	Logger      zerolog.Logger
}

func NewService(d Deps) *Service {
	if d.Hasher == nil {
		d.Hasher = NewBcryptHasher(BcryptCost)
	}
	return &Service{
		users:       d.Users,
		tenants:     d.Tenants,
		hasher:      d.Hasher,
		tokens:      d.Tokens,
		revocations: d.Revocations,
		policy:      d.Policy,
		tx:          d.Tx,
		codec:       d.Codec,
		audit:       d.Audit,
		logger:      d.Logger,
		now:         time.Now,
	}
}

// seal returns a copy of u with the email encrypted for storage. Fields
// that failed to decrypt are written back as stored.
func (s *Service) seal(ctx context.Context, u *User) (*User, error) {
	stored := *u
	stored.DecryptFailed = nil
	if err := s.codec.EncryptFields(ctx, u.TenantID, &stored, sealable(u.DecryptFailed)...); err != nil {
		return nil, err
	}
	return &stored, nil
}

func sealable(failed []string) []string {
	if len(failed) == 0 {
		return userPHI
	}
	var out []string
	for _, name := range userPHI {
		if !slices.Contains(failed, name) {
			out = append(out, name)
		}
	}
	return out
}

// open decrypts u in place. A value that cannot be decrypted is returned
// as stored and listed in u.DecryptFailed.
func (s *Service) open(ctx context.Context, u *User) error {
	failed, err := s.codec.DecryptFields(ctx, u.TenantID, u, userPHI...)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		s.logger.Warn().Str("user_id", u.ID.String()).Strs("fields", failed).Msg("user fields not decrypted")
		u.DecryptFailed = failed
	}
	return nil
}

func (s *Service) burn(password string) {
	if b, ok := s.hasher.(interface{ burn(string) }); ok {
		b.burn(password)
	}
}

// Login authenticates email and password against the tenant registered
// for tenantDomain and issues a bearer token.
func (s *Service) Login(ctx context.Context, email, password, tenantDomain string) (*LoginResult, error) {
	tenantID, err := s.tenants.ResolveDomain(ctx, tenantDomain)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("tenant")
		}
		return nil, err
	}

	lookup, err := s.codec.Encrypt(ctx, tenantID, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetByEmail(ctx, tenantID, lookup)
	if errors.Is(err, apperr.ErrNotFound) {
		s.burn(password)
		return nil, apperr.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := s.hasher.Compare(u.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok || !u.IsActive {
		s.logger.Info().Str("tenant_id", tenantID.String()).Str("user_id", u.ID.String()).Msg("login rejected")
		return nil, apperr.ErrInvalidCredentials
	}

	token, id, err := s.tokens.Issue(u.ID, u.TenantID, u.Role)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	if err := s.open(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("tenant_id", tenantID.String()).Str("user_id", u.ID.String()).Msg("login succeeded")
	return &LoginResult{Token: token, ExpiresAt: id.ExpiresAt, User: u}, nil
}

// Logout revokes the caller's token until it would have expired anyway.
func (s *Service) Logout(ctx context.Context, id *auth.Identity) error {
	if id == nil {
		return apperr.ErrInvalidToken
	}
	return s.revocations.Revoke(ctx, id.TokenID, id.ExpiresAt)
}

// Me returns the caller's own user record.
func (s *Service) Me(ctx context.Context, id *auth.Identity) (*User, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	u, err := s.users.GetByID(ctx, id.TenantID, id.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.open(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func userTarget(u *User) auth.Target {
	owner := u.ID
	return auth.Target{Kind: auth.KindUser, TenantID: u.TenantID, OwnerUserID: &owner}
}

func collection(id *auth.Identity) auth.Target {
	t := auth.Target{Kind: auth.KindUser}
	if id != nil {
		t.TenantID = id.TenantID
	}
	return t
}

func (s *Service) CreateUser(ctx context.Context, id *auth.Identity, in CreateUserInput) (*User, error) {
	if err := s.policy.Check(id, auth.ActionCreate, collection(id)); err != nil {
		return nil, err
	}
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		ID:           uuid.New(),
		TenantID:     id.TenantID,
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         in.Role,
		IsActive:     true,
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		stored, err := s.seal(ctx, u)
		if err != nil {
			return err
		}
		if existing, err := s.users.GetByEmail(ctx, u.TenantID, stored.Email); err == nil && existing != nil {
			return apperr.Conflict("email is already registered in this tenant")
		} else if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if err := s.users.Create(ctx, stored); err != nil {
			return err
		}
		u.CreatedAt, u.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
		_, err = s.audit.Record(ctx, auditlog.Change{
			TenantID: u.TenantID, UserID: &id.UserID, Action: auditlog.ActionCreate,
			Table: hipaa.TableUsers, RecordID: &u.ID, New: u,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id *auth.Identity, userID uuid.UUID) (*User, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	u, err := s.users.GetByID(ctx, id.TenantID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Check(id, auth.ActionRead, userTarget(u)); err != nil {
		return nil, err
	}
	if err := s.open(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context, id *auth.Identity, f UserFilter) ([]*User, int, error) {
	if err := s.policy.Check(id, auth.ActionList, collection(id)); err != nil {
		return nil, 0, err
	}
	if f.Role != "" && !f.Role.Valid() {
		errs := make(errsx.Map)
		errs.Set("role", "must be ADMIN, THERAPIST or CLIENT")
		return nil, 0, apperr.Validation(errs)
	}
	pg := pagination.Normalize(f.Limit, f.Offset, pagination.DefaultLimit, pagination.MaxLimit)
	f.Limit, f.Offset = pg.Limit, pg.Offset
	items, total, err := s.users.List(ctx, id.TenantID, f)
	if err != nil {
		return nil, 0, err
	}
	for _, u := range items {
		if err := s.open(ctx, u); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// UpdateUser applies a partial update. Changing a user's role or
// deactivating them revokes every token issued to them so far.
func (s *Service) UpdateUser(ctx context.Context, id *auth.Identity, userID uuid.UUID, in UpdateUserInput) (*User, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	var updated *User
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		u, err := s.users.GetByIDForUpdate(ctx, id.TenantID, userID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionUpdate, userTarget(u)); err != nil {
			return err
		}
		if err := s.open(ctx, u); err != nil {
			return err
		}
		if len(u.DecryptFailed) > 0 {
			return fmt.Errorf("%w: user has unreadable fields %v", apperr.ErrInvalidState, u.DecryptFailed)
		}
		old := *u
		if err := in.apply(u); err != nil {
			return err
		}
		if u.ID == id.UserID && (!u.IsActive || u.Role != old.Role) {
			return fmt.Errorf("%w: cannot deactivate or change the role of your own account", apperr.ErrInvalidState)
		}
		if err := s.save(ctx, id, &old, u, auditlog.ActionUpdate); err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeactivateUser soft-deletes a user. Users are never removed so their
// audit history stays attributable.
func (s *Service) DeactivateUser(ctx context.Context, id *auth.Identity, userID uuid.UUID) error {
	if id == nil {
		return apperr.ErrInvalidToken
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		u, err := s.users.GetByIDForUpdate(ctx, id.TenantID, userID)
		if err != nil {
			return err
		}
		if err := s.policy.Check(id, auth.ActionDelete, userTarget(u)); err != nil {
			return err
		}
		if u.ID == id.UserID {
			return fmt.Errorf("%w: cannot deactivate your own account", apperr.ErrInvalidState)
		}
		if !u.IsActive {
			return nil
		}
		if err := s.open(ctx, u); err != nil {
			return err
		}
		old := *u
		u.IsActive = false
		return s.save(ctx, id, &old, u, auditlog.ActionDelete)
	})
}

// save persists u, records the change and revokes outstanding tokens when
// the user lost access or changed role. Runs inside a transaction.
func (s *Service) save(ctx context.Context, id *auth.Identity, old, u *User, action auditlog.Action) error {
	stored, err := s.seal(ctx, u)
	if err != nil {
		return err
	}
	if u.Email != old.Email {
		if existing, err := s.users.GetByEmail(ctx, u.TenantID, stored.Email); err == nil && existing.ID != u.ID {
			return apperr.Conflict("email is already registered in this tenant")
		} else if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
	}
	if err := s.users.Update(ctx, stored); err != nil {
		return err
	}
	u.UpdatedAt = stored.UpdatedAt

	if (old.IsActive && !u.IsActive) || old.Role != u.Role {
		if err := s.revocations.RevokeUser(ctx, u.ID, s.now(), s.tokens.TTL()); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
	}
	_, err = s.audit.Record(ctx, auditlog.Change{
		TenantID: u.TenantID, UserID: &id.UserID, Action: action,
		Table: hipaa.TableUsers, RecordID: &u.ID, Old: old, New: u,
	})
	return err
}

// ChangePassword replaces the caller's own password after verifying the
// current one.
func (s *Service) ChangePassword(ctx context.Context, id *auth.Identity, in ChangePasswordInput) error {
	if id == nil {
		return apperr.ErrInvalidToken
	}
	if len(in.NewPassword) < minPasswordLength {
		errs := make(errsx.Map)
		errs.Set("new_password", "must be at least 8 characters")
		return apperr.Validation(errs)
	}
	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		u, err := s.users.GetByIDForUpdate(ctx, id.TenantID, id.UserID)
		if err != nil {
			return err
		}
		ok, err := s.hasher.Compare(u.PasswordHash, in.CurrentPassword)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrInvalidCredentials
		}
		if err := s.users.UpdatePassword(ctx, u.TenantID, u.ID, hash); err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, auditlog.Change{
			TenantID: u.TenantID, UserID: &id.UserID, Action: auditlog.ActionUpdate,
			Table: hipaa.TableUsers, RecordID: &u.ID,
			New: map[string]any{"password_changed": true},
		})
		return err
	})
}

// Lookup returns an active user of the tenant without an authorization
// check. Other services use it to validate references.
func (s *Service) Lookup(ctx context.Context, tenantID, userID uuid.UUID) (*User, error) {
	u, err := s.users.GetByID(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, apperr.NotFound("user")
	}
	return u, nil
}

// Provision creates a user outside any request, for the CLI and seeding.
// An existing user with the same email is returned unchanged.
func (s *Service) Provision(ctx context.Context, tenantID uuid.UUID, in CreateUserInput) (*User, bool, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, false, err
	}
	lookup, err := s.codec.Encrypt(ctx, tenantID, in.Email)
	if err != nil {
		return nil, false, err
	}
	if existing, err := s.users.GetByEmail(ctx, tenantID, lookup); err == nil {
		existing.Email = in.Email
		return existing, false, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, false, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		ID: uuid.New(), TenantID: tenantID, Email: in.Email, PasswordHash: hash,
		FirstName: in.FirstName, LastName: in.LastName, Role: in.Role, IsActive: true,
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		stored, err := s.seal(ctx, u)
		if err != nil {
			return err
		}
		if err := s.users.Create(ctx, stored); err != nil {
			return err
		}
		u.CreatedAt, u.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
		_, err = s.audit.Record(ctx, auditlog.Change{
			TenantID: tenantID, Action: auditlog.ActionCreate,
			Table: hipaa.TableUsers, RecordID: &u.ID, New: u,
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}
