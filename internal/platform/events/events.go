// Package events fans committed audit entries out to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is the PII-free projection of an audit entry that leaves the
// database. Snapshots are never published.
type AuditEvent struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Action    string     `json:"action"`
	TableName string     `json:"table_name"`
	RecordID  *uuid.UUID `json:"record_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Publisher delivers audit events. Publish must not block on the broker.
type Publisher interface {
	Publish(ctx context.Context, e AuditEvent) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, AuditEvent) error { return nil }
func (NopPublisher) Close() error { return nil }
