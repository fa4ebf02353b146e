package identity

import (
	"context"

	"github.com/google/uuid"
)

// UserRepository stores users with the email column already encrypted.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*User, error)
	// GetByIDForUpdate locks the row for the surrounding transaction.
	GetByIDForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, tenantID uuid.UUID, encryptedEmail string) (*User, error)
	List(ctx context.Context, tenantID uuid.UUID, f UserFilter) ([]*User, int, error)
	Update(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, tenantID, id uuid.UUID, hash string) error
}
