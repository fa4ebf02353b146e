// Package auditlogtest provides an in-memory audit repository for tests of
// the packages that record audit entries.
package auditlogtest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mentalspace/ehr/internal/domain/auditlog"
	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/db/dbtest"
)

// Repository keeps entries in insertion order. Inserts made inside a
// dbtest.Transactor transaction disappear when it rolls back.
type Repository struct {
	mu      sync.Mutex
	entries []*auditlog.Entry
	// Err, when set, is returned by Insert.
	Err error
}

func NewRepository() *Repository { return &Repository{} }

func (r *Repository) Insert(ctx context.Context, e *auditlog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.entries = append(r.entries, e)
	dbtest.Undo(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, x := range r.entries {
			if x.ID == e.ID {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *Repository) Get(_ context.Context, tenantID, id uuid.UUID) (*auditlog.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ID == id && e.TenantID == tenantID {
			return clone(e), nil
		}
	}
	return nil, apperr.NotFound("audit log")
}

func (r *Repository) List(_ context.Context, tenantID uuid.UUID, f auditlog.Filter) ([]*auditlog.Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*auditlog.Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.TenantID != tenantID || !matches(e, f) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	out := make([]*auditlog.Entry, 0, end-f.Offset)
	for _, e := range matched[f.Offset:end] {
		out = append(out, clone(e))
	}
	return out, total, nil
}

// Entries returns a copy of every stored entry in insertion order.
func (r *Repository) Entries() []*auditlog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*auditlog.Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = clone(e)
	}
	return out
}

// Last returns the most recent entry, or nil.
func (r *Repository) Last() *auditlog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	return clone(r.entries[len(r.entries)-1])
}

func matches(e *auditlog.Entry, f auditlog.Filter) bool {
	if f.TableName != "" && e.TableName != f.TableName {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
		return false
	}
	if f.RecordID != nil && (e.RecordID == nil || *e.RecordID != *f.RecordID) {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// clone copies e so callers decrypting snapshots in place never touch the
// stored ciphertext.
func clone(e *auditlog.Entry) *auditlog.Entry {
	cp := *e
	cp.OldValues = cloneMap(e.OldValues)
	cp.NewValues = cloneMap(e.NewValues)
	cp.DecryptFailed = nil
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
