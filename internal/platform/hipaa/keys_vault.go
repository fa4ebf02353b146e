package hipaa

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/api"
)

// vaultLogical is the subset of *api.Logical used here (allows mocking).
type vaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
}

// VaultConfig configures VaultKeyProvider.
type VaultConfig struct {
	// Address of the Vault server. Empty falls back to VAULT_ADDR.
	Address string
	// Token used for requests. Empty falls back to VAULT_TOKEN.
	Token string
	// Mount is the KV v2 mount, e.g. "secret".
	Mount string
	// Path under the mount holding one secret per tenant.
	Path string
}

// VaultKeyProvider keeps one random data key per tenant in a Vault KV v2
// secret. The secret stores every version as "v<n>" hex values and the
// current version under "current". Keys are created on first use with a
// check-and-set write so concurrent first requests agree on one key.
type VaultKeyProvider struct {
	logical vaultLogical
	mount   string
	path    string
}

func NewVaultKeyProvider(cfg VaultConfig) (*VaultKeyProvider, error) {
	vcfg := api.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	client, err := api.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return newVaultKeyProvider(client.Logical(), cfg.Mount, cfg.Path), nil
}

func newVaultKeyProvider(l vaultLogical, mount, path string) *VaultKeyProvider {
	if mount == "" {
		mount = "secret"
	}
	return &VaultKeyProvider{logical: l, mount: mount, path: path}
}

func (p *VaultKeyProvider) secretPath(tenantID uuid.UUID) string {
	return fmt.Sprintf("%s/data/%s/%s", p.mount, p.path, tenantID)
}

func (p *VaultKeyProvider) read(ctx context.Context, tenantID uuid.UUID) (map[string]interface{}, error) {
	secret, err := p.logical.ReadWithContext(ctx, p.secretPath(tenantID))
	if err != nil {
		return nil, fmt.Errorf("read tenant key from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid tenant key secret format for %s", tenantID)
	}
	return data, nil
}

func (p *VaultKeyProvider) TenantKey(ctx context.Context, tenantID uuid.UUID) (*TenantKey, error) {
	data, err := p.read(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		if err := p.create(ctx, tenantID); err != nil {
			return nil, err
		}
		if data, err = p.read(ctx, tenantID); err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("%w: tenant %s after create", ErrKeyNotFound, tenantID)
		}
	}
	cur, _ := data["current"].(string)
	version, err := strconv.Atoi(cur)
	if err != nil {
		return nil, fmt.Errorf("invalid current key version %q for tenant %s", cur, tenantID)
	}
	return decodeVaultKey(data, tenantID, version)
}

func (p *VaultKeyProvider) TenantKeyVersion(ctx context.Context, tenantID uuid.UUID, version int) (*TenantKey, error) {
	data, err := p.read(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: tenant %s", ErrKeyNotFound, tenantID)
	}
	return decodeVaultKey(data, tenantID, version)
}

func (p *VaultKeyProvider) create(ctx context.Context, tenantID uuid.UUID) error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate tenant key: %w", err)
	}
	_, err := p.logical.WriteWithContext(ctx, p.secretPath(tenantID), map[string]interface{}{
		"options": map[string]interface{}{"cas": 0},
		"data": map[string]interface{}{
			"current": "1",
			"v1":      hex.EncodeToString(key),
		},
	})
	if err != nil {
		// A concurrent creator won the check-and-set; the caller re-reads.
		if existing, rerr := p.read(ctx, tenantID); rerr == nil && existing != nil {
			return nil
		}
		return fmt.Errorf("write tenant key to vault: %w", err)
	}
	return nil
}

func decodeVaultKey(data map[string]interface{}, tenantID uuid.UUID, version int) (*TenantKey, error) {
	raw, ok := data["v"+strconv.Itoa(version)].(string)
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s v%d", ErrKeyNotFound, tenantID, version)
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("invalid key material for tenant %s v%d", tenantID, version)
	}
	return &TenantKey{TenantID: tenantID, Version: version, Material: key}, nil
}
