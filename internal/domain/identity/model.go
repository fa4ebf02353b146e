package identity

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/auth"
)

// User is a tenant member. Email is ciphertext at rest and plaintext
// everywhere above the repository.
type User struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Role         auth.Role `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// DecryptFailed lists encrypted fields that could not be read and
	// still hold their stored value.
	DecryptFailed []string `json:"decrypt_failed,omitempty"`
}

func (u *User) PHIFields() map[string]*string {
	return map[string]*string{"email": &u.Email}
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

type CreateUserInput struct {
	Email     string    `json:"email"`
	Password  string    `json:"password"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      auth.Role `json:"role"`
}

// UpdateUserInput carries a partial update; nil fields are left alone.
type UpdateUserInput struct {
	Email     *string    `json:"email,omitempty"`
	FirstName *string    `json:"first_name,omitempty"`
	LastName  *string    `json:"last_name,omitempty"`
	Role      *auth.Role `json:"role,omitempty"`
	IsActive  *bool      `json:"is_active,omitempty"`
}

type ChangePasswordInput struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type UserFilter struct {
	Role            auth.Role
	IncludeInactive bool
	Limit           int
	Offset          int
}

const minPasswordLength = 8

// NormalizeEmail returns the canonical form used for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func (in *CreateUserInput) normalize() {
	in.Email = NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
}

func (in *CreateUserInput) Validate() error {
	errs := make(errsx.Map)
	if !validEmail(in.Email) {
		errs.Set("email", "must be a valid address")
	}
	if len(in.Password) < minPasswordLength {
		errs.Set("password", "must be at least 8 characters")
	}
	if in.FirstName == "" {
		errs.Set("first_name", "is required")
	}
	if in.LastName == "" {
		errs.Set("last_name", "is required")
	}
	if !in.Role.Valid() {
		errs.Set("role", "must be ADMIN, THERAPIST or CLIENT")
	}
	return apperr.Validation(errs)
}

// apply merges in into u and validates the result.
func (in *UpdateUserInput) apply(u *User) error {
	errs := make(errsx.Map)
	if in.Email != nil {
		u.Email = NormalizeEmail(*in.Email)
		if !validEmail(u.Email) {
			errs.Set("email", "must be a valid address")
		}
	}
	if in.FirstName != nil {
		u.FirstName = strings.TrimSpace(*in.FirstName)
		if u.FirstName == "" {
			errs.Set("first_name", "must not be empty")
		}
	}
	if in.LastName != nil {
		u.LastName = strings.TrimSpace(*in.LastName)
		if u.LastName == "" {
			errs.Set("last_name", "must not be empty")
		}
	}
	if in.Role != nil {
		u.Role = *in.Role
		if !u.Role.Valid() {
			errs.Set("role", "must be ADMIN, THERAPIST or CLIENT")
		}
	}
	if in.IsActive != nil {
		u.IsActive = *in.IsActive
	}
	return apperr.Validation(errs)
}
