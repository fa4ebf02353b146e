package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/blobstore"
	"github.com/mentalspace/ehr/internal/platform/db"
	"github.com/mentalspace/ehr/internal/platform/events"
	"github.com/mentalspace/ehr/internal/platform/hipaa"
)

// Recorder appends entries to the audit trail and reads them back with
// snapshot PII decrypted.
type Recorder struct {
	repo      Repository
	codec     *hipaa.Codec
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRecorder(repo Repository, codec *hipaa.Codec, publisher events.Publisher, logger zerolog.Logger) *Recorder {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Recorder{
		repo:      repo,
		codec:     codec,
		publisher: publisher,
		logger:    logger.With().Str("component", "audit-recorder").Logger(),
		now:       time.Now,
	}
}

// Record appends one entry for ch using the transaction carried by ctx.
// Any error must abort the caller's transaction. The entry is published to
// the event stream only after that transaction commits.
func (r *Recorder) Record(ctx context.Context, ch Change) (*Entry, error) {
	if !ch.Action.Valid() {
		return nil, fmt.Errorf("audit: unknown action %q", ch.Action)
	}
	if !auditedTables[ch.Table] {
		return nil, fmt.Errorf("audit: unknown table %q", ch.Table)
	}

	oldValues, err := r.snapshot(ctx, ch.TenantID, ch.Table, ch.Old)
	if err != nil {
		return nil, fmt.Errorf("audit old_values: %w", err)
	}
	newValues, err := r.snapshot(ctx, ch.TenantID, ch.Table, ch.New)
	if err != nil {
		return nil, fmt.Errorf("audit new_values: %w", err)
	}

	prov := auth.ProvenanceFromContext(ctx)
	e := &Entry{
		ID:        uuid.New(),
		TenantID:  ch.TenantID,
		UserID:    ch.UserID,
		Action:    ch.Action,
		TableName: ch.Table,
		RecordID:  ch.RecordID,
		OldValues: oldValues,
		NewValues: newValues,
		IPAddress: prov.IPAddress,
		UserAgent: prov.UserAgent,
		CreatedAt: r.now().UTC(),
	}
	if err := r.repo.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("audit insert: %w", err)
	}

	ev := events.AuditEvent{
		ID:        e.ID,
		TenantID:  e.TenantID,
		UserID:    e.UserID,
		Action:    string(e.Action),
		TableName: e.TableName,
		RecordID:  e.RecordID,
		CreatedAt: e.CreatedAt,
	}
	db.AfterCommit(ctx, func(ctx context.Context) {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.logger.Warn().Err(err).
				Str("audit_id", ev.ID.String()).
				Str("tenant_id", ev.TenantID.String()).
				Msg("audit event not published")
		}
	})
	return e, nil
}

// snapshot converts v into a JSON object and encrypts the table's PII
// columns. Values that are already ciphertext are left as they are.
func (r *Recorder) snapshot(ctx context.Context, tenantID uuid.UUID, table string, v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(raw, []byte("null")) {
			return nil, nil
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	} else {
		cp := make(map[string]any, len(m))
		for k, val := range m {
			cp[k] = val
		}
		m = cp
	}

	var names []string
	for _, name := range hipaa.PHIFieldsFor(table) {
		if s, ok := m[name].(string); ok && !hipaa.IsCiphertext(s) {
			names = append(names, name)
		}
	}
	if err := r.codec.EncryptMap(ctx, tenantID, m, names...); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Recorder) decrypt(ctx context.Context, e *Entry) error {
	names := hipaa.PHIFieldsFor(e.TableName)
	for _, m := range []map[string]any{e.OldValues, e.NewValues} {
		if m == nil {
			continue
		}
		failed, err := r.codec.DecryptMap(ctx, e.TenantID, m, names...)
		if err != nil {
			return err
		}
		e.DecryptFailed = append(e.DecryptFailed, failed...)
	}
	return nil
}

// Query returns the tenant's entries matching f, newest first, and the
// total number of matches.
func (r *Recorder) Query(ctx context.Context, tenantID uuid.UUID, f Filter) ([]*Entry, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	items, total, err := r.repo.List(ctx, tenantID, f)
	if err != nil {
		return nil, 0, err
	}
	for _, e := range items {
		if err := r.decrypt(ctx, e); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// ByRecord returns the full history of one record, newest first.
func (r *Recorder) ByRecord(ctx context.Context, tenantID uuid.UUID, table string, recordID uuid.UUID) ([]*Entry, error) {
	if !auditedTables[table] {
		errs := make(errsx.Map)
		errs.Set("table_name", "unknown table")
		return nil, apperr.Validation(errs)
	}
	var all []*Entry
	f := Filter{TableName: table, RecordID: &recordID, Limit: MaxLimit}
	for {
		items, total, err := r.Query(ctx, tenantID, f)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		f.Offset += len(items)
		if len(items) == 0 || f.Offset >= total {
			return all, nil
		}
	}
}

// Get returns one entry of the tenant.
func (r *Recorder) Get(ctx context.Context, tenantID, id uuid.UUID) (*Entry, error) {
	e, err := r.repo.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := r.decrypt(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Export writes the tenant's entries matching f to store as newline
// delimited JSON under audit/{tenant}/{timestamp}.ndjson. Snapshots are
// exported as stored, with PII still encrypted. Pagination in f is ignored.
func (r *Recorder) Export(ctx context.Context, tenantID uuid.UUID, f Filter, store blobstore.ObjectStore) (*blobstore.Object, int, error) {
	f.Limit, f.Offset = MaxLimit, 0
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	count := 0
	for {
		items, total, err := r.repo.List(ctx, tenantID, f)
		if err != nil {
			return nil, 0, fmt.Errorf("audit export: %w", err)
		}
		for _, e := range items {
			if err := enc.Encode(e); err != nil {
				return nil, 0, fmt.Errorf("audit export: encode %s: %w", e.ID, err)
			}
		}
		count += len(items)
		f.Offset += len(items)
		if len(items) == 0 || f.Offset >= total {
			break
		}
	}

	key := fmt.Sprintf("audit/%s/%s.ndjson", tenantID, r.now().UTC().Format("20060102T150405Z"))
	obj, err := store.Put(ctx, key, "application/x-ndjson", &buf)
	if err != nil {
		return nil, 0, fmt.Errorf("audit export: store %s: %w", key, err)
	}
	r.logger.Info().
		Str("tenant_id", tenantID.String()).
		Str("key", key).
		Int("entries", count).
		Msg("audit log exported")
	return obj, count, nil
}
