package admin

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/db"
)

// Tenant is one practice. Every other record belongs to exactly one tenant.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize trims the name and lower-cases the domain.
func (t *Tenant) Normalize() {
	t.Name = strings.TrimSpace(t.Name)
	t.Domain = strings.ToLower(strings.TrimSpace(t.Domain))
}

func (t *Tenant) Validate() error {
	errs := make(errsx.Map)
	if t.Name == "" {
		errs.Set("name", "is required")
	}
	if t.Domain == "" {
		errs.Set("domain", "is required")
	} else if !db.ValidDomain(t.Domain) {
		errs.Set("domain", "must be a valid host name")
	}
	return apperr.Validation(errs)
}
