package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mentalspace/ehr/internal/platform/apperr"
)

// DefaultTokenTTL is the lifetime of session tokens.
const DefaultTokenTTL = 24 * time.Hour

type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	// IssuedAtMilli is iat at millisecond precision. The registered iat
	// is whole seconds, too coarse to order a token against a user-wide
	// revocation made in the same second.
	IssuedAtMilli int64 `json:"iat_ms,omitempty"`
}

type TokenConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// TokenIssuer signs and verifies HS256 session tokens carrying
// {sub: user id, tenant_id, role}.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token issuer: secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: cfg.Secret, issuer: cfg.Issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the user and returns it with the identity it encodes.
func (t *TokenIssuer) Issue(userID, tenantID uuid.UUID, role Role) (string, *Identity, error) {
	if !role.Valid() {
		return "", nil, fmt.Errorf("issue token: unknown role %q", role)
	}
	now := t.now().Truncate(time.Millisecond)
	id := &Identity{
		UserID:    userID,
		TenantID:  tenantID,
		Role:      role,
		TokenID:   uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(t.ttl),
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.TokenID,
			Subject:   userID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(id.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(id.ExpiresAt),
		},
		TenantID:      tenantID.String(),
		Role:          string(role),
		IssuedAtMilli: now.UnixMilli(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, id, nil
}

// Verify checks signature, algorithm, issuer and expiry and decodes the
// identity. Every failure wraps apperr.ErrInvalidToken.
func (t *TokenIssuer) Verify(tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", apperr.ErrInvalidToken)
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tenant claim", apperr.ErrInvalidToken)
	}
	role := Role(claims.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role", apperr.ErrInvalidToken)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", apperr.ErrInvalidToken)
	}

	id := &Identity{
		UserID:    userID,
		TenantID:  tenantID,
		Role:      role,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	switch {
	case claims.IssuedAtMilli > 0:
		id.IssuedAt = time.UnixMilli(claims.IssuedAtMilli)
	case claims.IssuedAt != nil:
		id.IssuedAt = claims.IssuedAt.Time
	}
	return id, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
