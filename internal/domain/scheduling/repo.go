package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*Appointment, error)
	GetForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, tenantID uuid.UUID, f Filter) ([]*Appointment, int, error)
	Update(ctx context.Context, a *Appointment) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}
