package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role is the closed set of user roles.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleTherapist Role = "THERAPIST"
	RoleClient    Role = "CLIENT"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTherapist, RoleClient:
		return true
	}
	return false
}

// Identity is the authenticated caller as decoded from a verified token.
type Identity struct {
	UserID    uuid.UUID
	TenantID  uuid.UUID
	Role      Role
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Provenance is request metadata captured for the audit trail.
type Provenance struct {
	IPAddress string
	UserAgent string
}

type contextKey string

const (
	IdentityKey   contextKey = "identity"
	ProvenanceKey contextKey = "provenance"
)

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// IdentityFromContext returns the caller, or nil for anonymous requests.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(IdentityKey).(*Identity)
	return id
}

func WithProvenance(ctx context.Context, p Provenance) context.Context {
	return context.WithValue(ctx, ProvenanceKey, p)
}

func ProvenanceFromContext(ctx context.Context) Provenance {
	p, _ := ctx.Value(ProvenanceKey).(Provenance)
	return p
}
