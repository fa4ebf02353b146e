package patient

import (
	"encoding/json"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/mentalspace/ehr/internal/platform/apperr"
)

const dateLayout = "2006-01-02"

// Date is a calendar date serialised as YYYY-MM-DD.
type Date struct{ time.Time }

func NewDate(y int, m time.Month, d int) Date {
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		// Accept full timestamps and keep only the date.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
	}
	d.Time = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return nil
}

// Patient is a client record. Contact fields are ciphertext at rest;
// UserID links the record to the CLIENT user who may read it.
type Patient struct {
	ID                    uuid.UUID  `json:"id"`
	TenantID              uuid.UUID  `json:"tenant_id"`
	UserID                *uuid.UUID `json:"user_id,omitempty"`
	FirstName             string     `json:"first_name"`
	LastName              string     `json:"last_name"`
	DateOfBirth           Date       `json:"date_of_birth"`
	Phone                 *string    `json:"phone,omitempty"`
	Email                 *string    `json:"email,omitempty"`
	Address               *string    `json:"address,omitempty"`
	EmergencyContactName  *string    `json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone *string    `json:"emergency_contact_phone,omitempty"`
	InsuranceInfo         *string    `json:"insurance_info,omitempty"`
	MedicalHistory        *string    `json:"medical_history,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`

	DecryptFailed []string `json:"decrypt_failed,omitempty"`
}

func (p *Patient) PHIFields() map[string]*string {
	return map[string]*string{
		"phone":                   p.Phone,
		"email":                   p.Email,
		"address":                 p.Address,
		"emergency_contact_name":  p.EmergencyContactName,
		"emergency_contact_phone": p.EmergencyContactPhone,
		"insurance_info":          p.InsuranceInfo,
	}
}

// clone copies p including the string fields behind its pointers.
func (p *Patient) clone() *Patient {
	cp := *p
	for _, f := range []**string{&cp.Phone, &cp.Email, &cp.Address, &cp.EmergencyContactName,
		&cp.EmergencyContactPhone, &cp.InsuranceInfo, &cp.MedicalHistory} {
		if *f != nil {
			v := **f
			*f = &v
		}
	}
	if p.UserID != nil {
		uid := *p.UserID
		cp.UserID = &uid
	}
	cp.DecryptFailed = nil
	return &cp
}

type CreateInput struct {
	UserID                *uuid.UUID `json:"user_id,omitempty"`
	FirstName             string     `json:"first_name"`
	LastName              string     `json:"last_name"`
	DateOfBirth           Date       `json:"date_of_birth"`
	Phone                 *string    `json:"phone,omitempty"`
	Email                 *string    `json:"email,omitempty"`
	Address               *string    `json:"address,omitempty"`
	EmergencyContactName  *string    `json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone *string    `json:"emergency_contact_phone,omitempty"`
	InsuranceInfo         *string    `json:"insurance_info,omitempty"`
	MedicalHistory        *string    `json:"medical_history,omitempty"`
}

// UpdateInput is a partial update. A nil field is left alone; an empty
// string clears an optional field.
type UpdateInput struct {
	UserID                *uuid.UUID `json:"user_id,omitempty"`
	FirstName             *string    `json:"first_name,omitempty"`
	LastName              *string    `json:"last_name,omitempty"`
	DateOfBirth           *Date      `json:"date_of_birth,omitempty"`
	Phone                 *string    `json:"phone,omitempty"`
	Email                 *string    `json:"email,omitempty"`
	Address               *string    `json:"address,omitempty"`
	EmergencyContactName  *string    `json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone *string    `json:"emergency_contact_phone,omitempty"`
	InsuranceInfo         *string    `json:"insurance_info,omitempty"`
	MedicalHistory        *string    `json:"medical_history,omitempty"`
}

type Filter struct {
	// Search matches a prefix of the first or last name.
	Search string
	// OwnerUserID restricts results to the patient linked to that user.
	OwnerUserID *uuid.UUID
	Limit       int
	Offset      int
}

type Stats struct {
	Total              int `json:"total"`
	WithUserAccount    int `json:"with_user_account"`
	WithoutUserAccount int `json:"without_user_account"`
}

func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func (in CreateInput) toPatient() *Patient {
	return &Patient{
		UserID:                in.UserID,
		FirstName:             strings.TrimSpace(in.FirstName),
		LastName:              strings.TrimSpace(in.LastName),
		DateOfBirth:           in.DateOfBirth,
		Phone:                 optional(in.Phone),
		Email:                 optional(in.Email),
		Address:               optional(in.Address),
		EmergencyContactName:  optional(in.EmergencyContactName),
		EmergencyContactPhone: optional(in.EmergencyContactPhone),
		InsuranceInfo:         optional(in.InsuranceInfo),
		MedicalHistory:        optional(in.MedicalHistory),
	}
}

func (in UpdateInput) apply(p *Patient) {
	if in.UserID != nil {
		uid := *in.UserID
		p.UserID = &uid
	}
	if in.FirstName != nil {
		p.FirstName = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil {
		p.LastName = strings.TrimSpace(*in.LastName)
	}
	if in.DateOfBirth != nil {
		p.DateOfBirth = *in.DateOfBirth
	}
	set := func(dst **string, v *string) {
		if v != nil {
			*dst = optional(v)
		}
	}
	set(&p.Phone, in.Phone)
	set(&p.Email, in.Email)
	set(&p.Address, in.Address)
	set(&p.EmergencyContactName, in.EmergencyContactName)
	set(&p.EmergencyContactPhone, in.EmergencyContactPhone)
	set(&p.InsuranceInfo, in.InsuranceInfo)
	set(&p.MedicalHistory, in.MedicalHistory)
}

// Validate checks a plaintext patient.
func (p *Patient) Validate(now time.Time) error {
	errs := make(errsx.Map)
	if p.FirstName == "" {
		errs.Set("first_name", "is required")
	}
	if p.LastName == "" {
		errs.Set("last_name", "is required")
	}
	if p.DateOfBirth.IsZero() {
		errs.Set("date_of_birth", "is required")
	} else if p.DateOfBirth.After(now) {
		errs.Set("date_of_birth", "must not be in the future")
	}
	if p.Email != nil {
		if addr, err := mail.ParseAddress(*p.Email); err != nil || addr.Address != *p.Email {
			errs.Set("email", "must be a valid address")
		}
	}
	return apperr.Validation(errs)
}
