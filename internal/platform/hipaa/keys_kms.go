package hipaa

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
)

// kmsClient interface for AWS KMS operations (allows mocking)
type kmsClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// WrappedKey is a tenant data key encrypted under the KMS key.
type WrappedKey struct {
	TenantID   uuid.UUID
	Version    int
	Ciphertext []byte
}

var ErrWrappedKeyExists = errors.New("wrapped key already exists")

// WrappedKeyStore persists wrapped data keys.
type WrappedKeyStore interface {
	Current(ctx context.Context, tenantID uuid.UUID) (*WrappedKey, error)
	Version(ctx context.Context, tenantID uuid.UUID, version int) (*WrappedKey, error)
	Insert(ctx context.Context, k *WrappedKey) error
}

// KMSKeyProvider implements envelope encryption: each tenant gets a data key
// generated by AWS KMS, stored wrapped in the database, and unwrapped on
// demand. The tenant id is bound to the data key as KMS encryption context.
type KMSKeyProvider struct {
	client kmsClient
	keyID  string
	store  WrappedKeyStore
}

// KMSConfig configures NewKMSKeyProvider.
type KMSConfig struct {
	// KeyID is the KMS key id, ARN, or alias wrapping tenant data keys.
	KeyID string
	// Region is the AWS region; empty uses the default chain.
	Region string
}

func NewKMSKeyProvider(ctx context.Context, cfg KMSConfig, store WrappedKeyStore) (*KMSKeyProvider, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &KMSKeyProvider{client: kms.NewFromConfig(awsConfig), keyID: cfg.KeyID, store: store}, nil
}

func encryptionContext(tenantID uuid.UUID) map[string]string {
	return map[string]string{"tenant_id": tenantID.String()}
}

func (p *KMSKeyProvider) TenantKey(ctx context.Context, tenantID uuid.UUID) (*TenantKey, error) {
	wk, err := p.store.Current(ctx, tenantID)
	if errors.Is(err, ErrKeyNotFound) {
		wk, err = p.generate(ctx, tenantID)
	}
	if err != nil {
		return nil, err
	}
	return p.unwrap(ctx, wk)
}

func (p *KMSKeyProvider) TenantKeyVersion(ctx context.Context, tenantID uuid.UUID, version int) (*TenantKey, error) {
	wk, err := p.store.Version(ctx, tenantID, version)
	if err != nil {
		return nil, err
	}
	return p.unwrap(ctx, wk)
}

func (p *KMSKeyProvider) generate(ctx context.Context, tenantID uuid.UUID) (*WrappedKey, error) {
	out, err := p.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(p.keyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: encryptionContext(tenantID),
	})
	if err != nil {
		return nil, fmt.Errorf("generate data key for tenant %s: %w", tenantID, err)
	}
	wk := &WrappedKey{TenantID: tenantID, Version: 1, Ciphertext: out.CiphertextBlob}
	if err := p.store.Insert(ctx, wk); err != nil {
		if errors.Is(err, ErrWrappedKeyExists) {
			return p.store.Current(ctx, tenantID)
		}
		return nil, fmt.Errorf("store wrapped key: %w", err)
	}
	return wk, nil
}

func (p *KMSKeyProvider) unwrap(ctx context.Context, wk *WrappedKey) (*TenantKey, error) {
	out, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    wk.Ciphertext,
		KeyId:             aws.String(p.keyID),
		EncryptionContext: encryptionContext(wk.TenantID),
	})
	if err != nil {
		return nil, fmt.Errorf("unwrap data key for tenant %s: %w", wk.TenantID, err)
	}
	if len(out.Plaintext) != 32 {
		return nil, fmt.Errorf("unwrapped data key has length %d, want 32", len(out.Plaintext))
	}
	return &TenantKey{TenantID: wk.TenantID, Version: wk.Version, Material: out.Plaintext}, nil
}
