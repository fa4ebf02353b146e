package auditlog

import (
	"context"

	"github.com/google/uuid"

	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/blobstore"
)

// Service exposes the audit trail to authenticated callers. Only tenant
// administrators may read it.
type Service struct {
	recorder *Recorder
	policy   *auth.Engine
	store    blobstore.ObjectStore
}

func NewService(recorder *Recorder, policy *auth.Engine, store blobstore.ObjectStore) *Service {
	return &Service{recorder: recorder, policy: policy, store: store}
}

func (s *Service) authorize(id *auth.Identity, action auth.Action) error {
	var tenantID uuid.UUID
	if id != nil {
		tenantID = id.TenantID
	}
	return s.policy.Check(id, action, auth.Target{Kind: auth.KindAuditLog, TenantID: tenantID})
}

func (s *Service) List(ctx context.Context, id *auth.Identity, f Filter) ([]*Entry, int, error) {
	if err := s.authorize(id, auth.ActionList); err != nil {
		return nil, 0, err
	}
	return s.recorder.Query(ctx, id.TenantID, f)
}

func (s *Service) Get(ctx context.Context, id *auth.Identity, entryID uuid.UUID) (*Entry, error) {
	if err := s.authorize(id, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.recorder.Get(ctx, id.TenantID, entryID)
}

func (s *Service) History(ctx context.Context, id *auth.Identity, table string, recordID uuid.UUID) ([]*Entry, error) {
	if err := s.authorize(id, auth.ActionList); err != nil {
		return nil, err
	}
	return s.recorder.ByRecord(ctx, id.TenantID, table, recordID)
}

// Export writes the caller's tenant trail to the configured object store.
func (s *Service) Export(ctx context.Context, id *auth.Identity, f Filter) (*blobstore.Object, int, error) {
	if err := s.authorize(id, auth.ActionList); err != nil {
		return nil, 0, err
	}
	return s.recorder.Export(ctx, id.TenantID, f, s.store)
}
