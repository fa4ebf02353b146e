package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores patients with contact fields already encrypted. Every
// method is scoped to one tenant.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*Patient, error)
	GetForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*Patient, error)
	GetByUser(ctx context.Context, tenantID, userID uuid.UUID) (*Patient, error)
	List(ctx context.Context, tenantID uuid.UUID, f Filter) ([]*Patient, int, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	Stats(ctx context.Context, tenantID uuid.UUID) (*Stats, error)
}
