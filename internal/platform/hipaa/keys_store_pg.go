package hipaa

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type wrappedKeyStorePG struct{ pool *pgxpool.Pool }

// NewWrappedKeyStorePG stores wrapped tenant data keys in the tenant_keys table.
func NewWrappedKeyStorePG(pool *pgxpool.Pool) WrappedKeyStore {
	return &wrappedKeyStorePG{pool: pool}
}

func (s *wrappedKeyStorePG) scan(row pgx.Row, tenantID uuid.UUID) (*WrappedKey, error) {
	k := &WrappedKey{TenantID: tenantID}
	if err := row.Scan(&k.Version, &k.Ciphertext); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: tenant %s", ErrKeyNotFound, tenantID)
		}
		return nil, err
	}
	return k, nil
}

func (s *wrappedKeyStorePG) Current(ctx context.Context, tenantID uuid.UUID) (*WrappedKey, error) {
	return s.scan(s.pool.QueryRow(ctx, `
		SELECT version, wrapped_key FROM tenant_keys
		WHERE tenant_id = $1 ORDER BY version DESC LIMIT 1`, tenantID), tenantID)
}

func (s *wrappedKeyStorePG) Version(ctx context.Context, tenantID uuid.UUID, version int) (*WrappedKey, error) {
	return s.scan(s.pool.QueryRow(ctx, `
		SELECT version, wrapped_key FROM tenant_keys
		WHERE tenant_id = $1 AND version = $2`, tenantID, version), tenantID)
}

func (s *wrappedKeyStorePG) Insert(ctx context.Context, k *WrappedKey) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_keys (tenant_id, version, wrapped_key, provider)
		VALUES ($1, $2, $3, 'kms')
		ON CONFLICT (tenant_id, version) DO NOTHING`,
		k.TenantID, k.Version, k.Ciphertext)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWrappedKeyExists
	}
	return nil
}
