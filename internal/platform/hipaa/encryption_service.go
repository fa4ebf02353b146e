package hipaa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DecryptFailure reports a stored value that could not be decrypted. The
// codec hands back the stored value unchanged alongside this error so a
// corrupt or half-migrated column never aborts a request, but callers must
// treat the value as unreadable rather than as plaintext.
type DecryptFailure struct {
	Field string
	Err   error
}

func (e *DecryptFailure) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decrypt %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decrypt: %v", e.Err)
}

func (e *DecryptFailure) Unwrap() error { return e.Err }

// IsDecryptFailure reports whether err is a soft decrypt failure.
func IsDecryptFailure(err error) bool {
	var df *DecryptFailure
	return errors.As(err, &df)
}

// PHIRecord exposes a record's encryptable string fields by column name.
// A nil pointer means the field is absent and is left alone.
type PHIRecord interface {
	PHIFields() map[string]*string
}

// Codec encrypts and decrypts PII fields with per-tenant keys.
type Codec struct {
	keys   KeyProvider
	logger zerolog.Logger

	mu         sync.Mutex
	encryptors map[cacheKey]*DeterministicEncryptor

	failures atomic.Int64
}

func NewCodec(keys KeyProvider, logger zerolog.Logger) *Codec {
	return &Codec{
		keys:       keys,
		logger:     logger.With().Str("component", "field-codec").Logger(),
		encryptors: make(map[cacheKey]*DeterministicEncryptor),
	}
}

func (c *Codec) encryptor(key *TenantKey) (*DeterministicEncryptor, error) {
	ck := cacheKey{key.TenantID, key.Version}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encryptors[ck]; ok {
		return enc, nil
	}
	enc, err := NewDeterministicEncryptor(key.Material, key.Version)
	if err != nil {
		return nil, err
	}
	c.encryptors[ck] = enc
	return enc, nil
}

// Encrypt encrypts plaintext under the tenant's current key.
func (c *Codec) Encrypt(ctx context.Context, tenantID uuid.UUID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := c.keys.TenantKey(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("resolve tenant key: %w", err)
	}
	enc, err := c.encryptor(key)
	if err != nil {
		return "", err
	}
	return enc.Encrypt(plaintext)
}

// Decrypt decrypts a stored value. Malformed ciphertext, an unknown key
// version or an authentication failure returns the input together with a
// *DecryptFailure. Provider outages are returned as hard errors.
func (c *Codec) Decrypt(ctx context.Context, tenantID uuid.UUID, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	version, _, err := ParseCiphertext(value)
	if err != nil {
		return c.softFail(tenantID, value, err)
	}
	key, err := c.keys.TenantKeyVersion(ctx, tenantID, version)
	if errors.Is(err, ErrKeyNotFound) {
		return c.softFail(tenantID, value, err)
	}
	if err != nil {
		return "", fmt.Errorf("resolve tenant key: %w", err)
	}
	enc, err := c.encryptor(key)
	if err != nil {
		return "", err
	}
	pt, err := enc.Decrypt(value)
	if err != nil {
		return c.softFail(tenantID, value, err)
	}
	return pt, nil
}

func (c *Codec) softFail(tenantID uuid.UUID, value string, err error) (string, error) {
	c.failures.Add(1)
	c.logger.Error().
		Err(err).
		Str("tenant_id", tenantID.String()).
		Int("value_len", len(value)).
		Msg("field decrypt failed, returning stored value")
	return value, &DecryptFailure{Err: err}
}

// DecryptFailures returns the number of soft decrypt failures since start.
func (c *Codec) DecryptFailures() int64 { return c.failures.Load() }

// EncryptFields encrypts the named fields of rec in place.
func (c *Codec) EncryptFields(ctx context.Context, tenantID uuid.UUID, rec PHIRecord, names ...string) error {
	fields := rec.PHIFields()
	for _, name := range names {
		p, ok := fields[name]
		if !ok || p == nil {
			continue
		}
		ct, err := c.Encrypt(ctx, tenantID, *p)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", name, err)
		}
		*p = ct
	}
	return nil
}

// DecryptFields decrypts the named fields of rec in place and returns the
// names that soft-failed. Only hard errors are returned as error.
func (c *Codec) DecryptFields(ctx context.Context, tenantID uuid.UUID, rec PHIRecord, names ...string) ([]string, error) {
	fields := rec.PHIFields()
	var failed []string
	for _, name := range names {
		p, ok := fields[name]
		if !ok || p == nil {
			continue
		}
		pt, err := c.Decrypt(ctx, tenantID, *p)
		if err != nil {
			if IsDecryptFailure(err) {
				failed = append(failed, name)
				continue
			}
			return failed, fmt.Errorf("decrypt %s: %w", name, err)
		}
		*p = pt
	}
	return failed, nil
}

// EncryptMap encrypts the named string values of m in place; values of any
// other type are left untouched.
func (c *Codec) EncryptMap(ctx context.Context, tenantID uuid.UUID, m map[string]any, names ...string) error {
	for _, name := range names {
		s, ok := m[name].(string)
		if !ok {
			continue
		}
		ct, err := c.Encrypt(ctx, tenantID, s)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", name, err)
		}
		m[name] = ct
	}
	return nil
}

// DecryptMap is the inverse of EncryptMap and reports soft failures like
// DecryptFields.
func (c *Codec) DecryptMap(ctx context.Context, tenantID uuid.UUID, m map[string]any, names ...string) ([]string, error) {
	var failed []string
	for _, name := range names {
		s, ok := m[name].(string)
		if !ok {
			continue
		}
		pt, err := c.Decrypt(ctx, tenantID, s)
		if err != nil {
			if IsDecryptFailure(err) {
				failed = append(failed, name)
				continue
			}
			return failed, fmt.Errorf("decrypt %s: %w", name, err)
		}
		m[name] = pt
	}
	return failed, nil
}
