package auditlog

import (
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/hipaa"
)

type Action string

const (
	ActionCreate         Action = "CREATE"
	ActionUpdate         Action = "UPDATE"
	ActionDelete         Action = "DELETE"
	ActionSign           Action = "SIGN"
	ActionStartTelevisit Action = "START_TELEVISIT"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionSign, ActionStartTelevisit:
		return true
	}
	return false
}

var auditedTables = map[string]bool{
	hipaa.TableUsers:         true,
	hipaa.TablePatients:      true,
	hipaa.TableAppointments:  true,
	hipaa.TableClinicalNotes: true,
}

// Entry is one row of the append-only audit trail. Snapshots hold the
// record's JSON representation before and after the mutation; contact PII
// inside them is stored encrypted.
type Entry struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	Action    Action         `json:"action"`
	TableName string         `json:"table_name"`
	RecordID  *uuid.UUID     `json:"record_id,omitempty"`
	OldValues map[string]any `json:"old_values,omitempty"`
	NewValues map[string]any `json:"new_values,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// DecryptFailed lists snapshot fields that could not be decrypted on
	// read and are returned as stored.
	DecryptFailed []string `json:"decrypt_failed,omitempty"`
}

// Change describes a mutation to record. Old and New are the plaintext
// record representations (structs or maps); nil means absent.
type Change struct {
	TenantID uuid.UUID
	UserID   *uuid.UUID
	Action   Action
	Table    string
	RecordID *uuid.UUID
	Old      any
	New      any
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter narrows a tenant's audit trail. Zero values match everything.
type Filter struct {
	TableName string
	Action    Action
	UserID    *uuid.UUID
	RecordID  *uuid.UUID
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Validate checks the filter and applies pagination defaults.
func (f *Filter) Validate() error {
	errs := make(errsx.Map)
	if f.TableName != "" && !auditedTables[f.TableName] {
		errs.Set("table_name", "unknown table")
	}
	if f.Action != "" && !f.Action.Valid() {
		errs.Set("action", "unknown action")
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		errs.Set("to", "must not be before from")
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return apperr.Validation(errs)
}
