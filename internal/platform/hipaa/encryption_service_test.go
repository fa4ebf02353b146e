package hipaa

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type contact struct {
	Name  string
	Phone *string
	Email *string
	Notes *string
}

func (c *contact) PHIFields() map[string]*string {
	return map[string]*string{"phone": c.Phone, "email": c.Email, "notes": c.Notes}
}

func strPtr(s string) *string { return &s }

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	keys, err := NewDerivedKeyProvider(generateTestKey(t), 1)
	require.NoError(t, err)
	return NewCodec(keys, zerolog.Nop())
}

func TestCodec_RoundTripPerTenant(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(t)
	tenantA, tenantB := uuid.New(), uuid.New()

	ctA, err := codec.Encrypt(ctx, tenantA, "client@example.com")
	require.NoError(t, err)
	ctA2, err := codec.Encrypt(ctx, tenantA, "client@example.com")
	require.NoError(t, err)
	ctB, err := codec.Encrypt(ctx, tenantB, "client@example.com")
	require.NoError(t, err)

	assert.Equal(t, ctA, ctA2)
	assert.NotEqual(t, ctA, ctB, "tenants must not share ciphertexts")

	pt, err := codec.Decrypt(ctx, tenantA, ctA)
	require.NoError(t, err)
	assert.Equal(t, "client@example.com", pt)
}

func TestCodec_DecryptSoftFail(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(t)
	tenantA, tenantB := uuid.New(), uuid.New()

	t.Run("plaintext legacy value", func(t *testing.T) {
		got, err := codec.Decrypt(ctx, tenantA, "555-0100")
		assert.Equal(t, "555-0100", got)
		assert.True(t, IsDecryptFailure(err))
	})

	t.Run("other tenant's ciphertext", func(t *testing.T) {
		ct, err := codec.Encrypt(ctx, tenantA, "secret")
		require.NoError(t, err)
		got, err := codec.Decrypt(ctx, tenantB, ct)
		assert.Equal(t, ct, got)
		assert.True(t, IsDecryptFailure(err))
	})

	t.Run("unknown version", func(t *testing.T) {
		got, err := codec.Decrypt(ctx, tenantA, "v9:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
		assert.Equal(t, "v9:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", got)
		assert.True(t, IsDecryptFailure(err))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	assert.Equal(t, int64(3), codec.DecryptFailures())
}

type failingKeys struct{}

func (failingKeys) TenantKey(context.Context, uuid.UUID) (*TenantKey, error) {
	return nil, errors.New("vault sealed")
}

func (failingKeys) TenantKeyVersion(context.Context, uuid.UUID, int) (*TenantKey, error) {
	return nil, errors.New("vault sealed")
}

func TestCodec_ProviderOutageIsHardError(t *testing.T) {
	codec := NewCodec(failingKeys{}, zerolog.Nop())
	_, err := codec.Encrypt(context.Background(), uuid.New(), "x")
	assert.Error(t, err)

	_, err = codec.Decrypt(context.Background(), uuid.New(), "v1:AAAA")
	require.Error(t, err)
	assert.False(t, IsDecryptFailure(err))
	assert.Zero(t, codec.DecryptFailures())
}

func TestCodec_EncryptFieldsSkipsAbsent(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(t)
	tenant := uuid.New()

	rec := &contact{Name: "Jane", Phone: strPtr("555-0100"), Notes: strPtr("keep")}
	require.NoError(t, codec.EncryptFields(ctx, tenant, rec, "phone", "email"))

	assert.Equal(t, "Jane", rec.Name)
	assert.Nil(t, rec.Email)
	assert.Equal(t, "keep", *rec.Notes, "fields not named must be left alone")
	assert.True(t, IsCiphertext(*rec.Phone))

	failed, err := codec.DecryptFields(ctx, tenant, rec, "phone", "email")
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, "555-0100", *rec.Phone)
}

func TestCodec_DecryptFieldsReportsFailures(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(t)
	tenant := uuid.New()

	rec := &contact{Phone: strPtr("not-encrypted"), Email: strPtr("")}
	failed, err := codec.DecryptFields(ctx, tenant, rec, "phone", "email")
	require.NoError(t, err)
	assert.Equal(t, []string{"phone"}, failed)
	assert.Equal(t, "not-encrypted", *rec.Phone)
}

func TestCodec_MapVariants(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(t)
	tenant := uuid.New()

	m := map[string]any{"email": "a@b.c", "phone": nil, "duration": 60, "first_name": "Ann"}
	require.NoError(t, codec.EncryptMap(ctx, tenant, m, "email", "phone", "duration"))

	assert.True(t, IsCiphertext(m["email"].(string)))
	assert.Nil(t, m["phone"])
	assert.Equal(t, 60, m["duration"])
	assert.Equal(t, "Ann", m["first_name"])

	failed, err := codec.DecryptMap(ctx, tenant, m, "email", "phone", "duration")
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, "a@b.c", m["email"])
}

func newCodecWith(keys KeyProvider) *Codec {
	return NewCodec(keys, zerolog.Nop())
}
