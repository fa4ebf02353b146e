package auditlog

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists audit entries. Entries are append-only: there is no
// update or delete.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*Entry, error)
	// List returns matching entries newest first and the total match count.
	List(ctx context.Context, tenantID uuid.UUID, f Filter) ([]*Entry, int, error)
}
