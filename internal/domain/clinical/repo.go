package clinical

import (
	"context"

	"github.com/google/uuid"
)

type NoteRepository interface {
	Create(ctx context.Context, n *Note) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*Note, error)
	GetForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*Note, error)
	List(ctx context.Context, tenantID uuid.UUID, f Filter) ([]*Note, int, error)
	Update(ctx context.Context, n *Note) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}
