package hipaa

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var ErrKeyNotFound = errors.New("tenant key not found")

// TenantKey is the 32-byte data key used for one tenant's PII fields.
type TenantKey struct {
	TenantID uuid.UUID
	Version  int
	Material []byte
}

// KeyProvider resolves per-tenant field keys. TenantKey returns the key new
// ciphertexts are written with; TenantKeyVersion returns an older version so
// values written before a rotation still decrypt.
type KeyProvider interface {
	TenantKey(ctx context.Context, tenantID uuid.UUID) (*TenantKey, error)
	TenantKeyVersion(ctx context.Context, tenantID uuid.UUID, version int) (*TenantKey, error)
}

// DerivedKeyProvider derives each tenant's key from one deployment master
// secret with HKDF-SHA256, salted by the tenant id. A leaked derived key
// exposes only its own tenant.
type DerivedKeyProvider struct {
	master  []byte
	version int
}

// NewDerivedKeyProvider returns a provider writing with the given version.
func NewDerivedKeyProvider(master []byte, version int) (*DerivedKeyProvider, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("derived keys: master key must be 32 bytes, got %d", len(master))
	}
	if version < 1 {
		version = 1
	}
	return &DerivedKeyProvider{master: master, version: version}, nil
}

func (p *DerivedKeyProvider) TenantKey(ctx context.Context, tenantID uuid.UUID) (*TenantKey, error) {
	return p.TenantKeyVersion(ctx, tenantID, p.version)
}

func (p *DerivedKeyProvider) TenantKeyVersion(_ context.Context, tenantID uuid.UUID, version int) (*TenantKey, error) {
	if version < 1 || version > p.version {
		return nil, fmt.Errorf("%w: tenant %s v%d", ErrKeyNotFound, tenantID, version)
	}
	info := fmt.Sprintf("ehr tenant field key v%d", version)
	kdf := hkdf.New(sha256.New, p.master, tenantID[:], []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	return &TenantKey{TenantID: tenantID, Version: version, Material: key}, nil
}

type cachedKey struct {
	key     *TenantKey
	expires time.Time
}

type cacheKey struct {
	tenant  uuid.UUID
	version int
}

// CachedKeyProvider memoises another provider's keys for ttl. Remote
// providers (Vault, KMS) would otherwise be hit on every field.
type CachedKeyProvider struct {
	next KeyProvider
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	current map[uuid.UUID]cachedKey
	byVer   map[cacheKey]cachedKey
}

func NewCachedKeyProvider(next KeyProvider, ttl time.Duration) *CachedKeyProvider {
	return &CachedKeyProvider{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		current: make(map[uuid.UUID]cachedKey),
		byVer:   make(map[cacheKey]cachedKey),
	}
}

func (p *CachedKeyProvider) TenantKey(ctx context.Context, tenantID uuid.UUID) (*TenantKey, error) {
	now := p.now()
	p.mu.RLock()
	c, ok := p.current[tenantID]
	p.mu.RUnlock()
	if ok && now.Before(c.expires) {
		return c.key, nil
	}

	key, err := p.next.TenantKey(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	entry := cachedKey{key: key, expires: now.Add(p.ttl)}
	p.mu.Lock()
	p.current[tenantID] = entry
	p.byVer[cacheKey{tenantID, key.Version}] = entry
	p.mu.Unlock()
	return key, nil
}

func (p *CachedKeyProvider) TenantKeyVersion(ctx context.Context, tenantID uuid.UUID, version int) (*TenantKey, error) {
	now := p.now()
	ck := cacheKey{tenantID, version}
	p.mu.RLock()
	c, ok := p.byVer[ck]
	p.mu.RUnlock()
	if ok && now.Before(c.expires) {
		return c.key, nil
	}

	key, err := p.next.TenantKeyVersion(ctx, tenantID, version)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.byVer[ck] = cachedKey{key: key, expires: now.Add(p.ttl)}
	p.mu.Unlock()
	return key, nil
}

// Forget drops every cached key for a tenant.
func (p *CachedKeyProvider) Forget(tenantID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.current, tenantID)
	for k := range p.byVer {
		if k.tenant == tenantID {
			delete(p.byVer, k)
		}
	}
}
