package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/mentalspace/ehr/internal/domain/admin"
	"github.com/mentalspace/ehr/internal/domain/identity"
	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/auth"
)

const (
	demoTenantName   = "MentalSpace Demo"
	demoTenantDomain = "demo.mentalspace.com"
)

var demoUsers = []identity.CreateUserInput{
	{Email: "admin@mentalspace.com", Password: "admin123", FirstName: "Admin", LastName: "User", Role: auth.RoleAdmin},
	{Email: "dr.smith@mentalspace.com", Password: "therapist123", FirstName: "John", LastName: "Smith", Role: auth.RoleTherapist},
	{Email: "dr.johnson@mentalspace.com", Password: "therapist123", FirstName: "Sarah", LastName: "Johnson", Role: auth.RoleTherapist},
}

type tenantProvisioner interface {
	GetTenantByDomain(ctx context.Context, domain string) (*admin.Tenant, error)
	CreateTenant(ctx context.Context, t *admin.Tenant) error
}

type userProvisioner interface {
	Provision(ctx context.Context, tenantID uuid.UUID, in identity.CreateUserInput) (*identity.User, bool, error)
}

// seed creates the demo tenant and its staff. Running it again leaves
// existing records untouched.
func seed(ctx context.Context, tenants tenantProvisioner, users userProvisioner, out io.Writer) error {
	t, err := tenants.GetTenantByDomain(ctx, demoTenantDomain)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		t = &admin.Tenant{Name: demoTenantName, Domain: demoTenantDomain}
		if err := tenants.CreateTenant(ctx, t); err != nil {
			return fmt.Errorf("create demo tenant: %w", err)
		}
		fmt.Fprintf(out, "created tenant %s (%s)\n", t.Domain, t.ID)
	case err != nil:
		return fmt.Errorf("look up demo tenant: %w", err)
	default:
		fmt.Fprintf(out, "tenant %s exists (%s)\n", t.Domain, t.ID)
	}

	for _, in := range demoUsers {
		u, created, err := users.Provision(ctx, t.ID, in)
		if err != nil {
			return fmt.Errorf("provision %s: %w", in.Email, err)
		}
		state := "exists"
		if created {
			state = "created"
		}
		fmt.Fprintf(out, "%-8s %-10s %s\n", state, u.Role, in.Email)
	}
	return nil
}
