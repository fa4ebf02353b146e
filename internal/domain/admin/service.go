package admin

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/auth"
)

type Service struct {
	tenants TenantRepository
	cache   DomainCache
	logger  zerolog.Logger
}

// NewService returns a tenant service. cache may be nil.
func NewService(tenants TenantRepository, cache DomainCache, logger zerolog.Logger) *Service {
	return &Service{tenants: tenants, cache: cache, logger: logger}
}

// CreateTenant registers a practice. Tenants are provisioned by operators
// through the CLI, so there is no caller identity to authorize.
func (s *Service) CreateTenant(ctx context.Context, t *Tenant) error {
	t.Normalize()
	if err := t.Validate(); err != nil {
		return err
	}
	if err := s.tenants.Create(ctx, t); err != nil {
		return err
	}
	s.logger.Info().Str("tenant_id", t.ID.String()).Str("domain", t.Domain).Msg("tenant created")
	return nil
}

func (s *Service) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return s.tenants.GetByID(ctx, id)
}

func (s *Service) GetTenantByDomain(ctx context.Context, domain string) (*Tenant, error) {
	return s.tenants.GetByDomain(ctx, strings.ToLower(strings.TrimSpace(domain)))
}

func (s *Service) ListTenants(ctx context.Context, limit, offset int) ([]*Tenant, int, error) {
	return s.tenants.List(ctx, limit, offset)
}

// CurrentTenant returns the caller's own tenant.
func (s *Service) CurrentTenant(ctx context.Context, id *auth.Identity) (*Tenant, error) {
	if id == nil {
		return nil, apperr.ErrInvalidToken
	}
	return s.tenants.GetByID(ctx, id.TenantID)
}

// ResolveDomain implements db.TenantResolver. Cache failures fall through
// to the database.
func (s *Service) ResolveDomain(ctx context.Context, domain string) (uuid.UUID, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if s.cache != nil {
		id, ok, err := s.cache.Get(ctx, domain)
		if err != nil {
			s.logger.Warn().Err(err).Msg("tenant domain cache read failed")
		} else if ok {
			return id, nil
		}
	}
	t, err := s.tenants.GetByDomain(ctx, domain)
	if err != nil {
		return uuid.Nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, domain, t.ID); err != nil {
			s.logger.Warn().Err(err).Msg("tenant domain cache write failed")
		}
	}
	return t.ID, nil
}
