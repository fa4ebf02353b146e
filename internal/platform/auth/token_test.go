package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mentalspace/ehr/internal/platform/apperr"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	iss, err := NewTokenIssuer(TokenConfig{Secret: testSigningKey, Issuer: "test-issuer"})
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return iss
}

func TestNewTokenIssuer_RequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenConfig{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestNewTokenIssuer_DefaultTTL(t *testing.T) {
	iss := newTestIssuer(t)
	if iss.TTL() != 24*time.Hour {
		t.Errorf("expected 24h default TTL, got %s", iss.TTL())
	}
}

func TestIssueAndVerify_RoundTrip(t *testing.T) {
	iss := newTestIssuer(t)
	userID, tenantID := uuid.New(), uuid.New()

	tok, issued, err := iss.Issue(userID, tenantID, RoleTherapist)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.ExpiresAt.Sub(issued.IssuedAt) != 24*time.Hour {
		t.Errorf("expected 24h lifetime, got %s", issued.ExpiresAt.Sub(issued.IssuedAt))
	}

	id, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != userID || id.TenantID != tenantID {
		t.Errorf("unexpected identity %+v", id)
	}
	if id.Role != RoleTherapist {
		t.Errorf("expected THERAPIST, got %s", id.Role)
	}
	if id.TokenID == "" || id.TokenID != issued.TokenID {
		t.Errorf("expected jti %q, got %q", issued.TokenID, id.TokenID)
	}
}

func TestVerify_IssuedAtMillisecondPrecision(t *testing.T) {
	iss := newTestIssuer(t)
	at := time.Now().Truncate(time.Second).Add(734 * time.Millisecond)
	iss.now = func() time.Time { return at }

	tok, _, err := iss.Issue(uuid.New(), uuid.New(), RoleClient)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !id.IssuedAt.Equal(at) {
		t.Errorf("expected issued at %s, got %s", at, id.IssuedAt)
	}
}

func TestIssue_UniqueTokenIDs(t *testing.T) {
	iss := newTestIssuer(t)
	_, a, _ := iss.Issue(uuid.New(), uuid.New(), RoleAdmin)
	_, b, _ := iss.Issue(uuid.New(), uuid.New(), RoleAdmin)
	if a.TokenID == b.TokenID {
		t.Error("expected distinct jti per token")
	}
}

func TestIssue_UnknownRole(t *testing.T) {
	iss := newTestIssuer(t)
	if _, _, err := iss.Issue(uuid.New(), uuid.New(), Role("SUPERUSER")); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestVerify_Expired(t *testing.T) {
	iss := newTestIssuer(t)
	start := time.Now()
	iss.now = func() time.Time { return start }
	tok, _, err := iss.Issue(uuid.New(), uuid.New(), RoleClient)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	iss.now = func() time.Time { return start.Add(25 * time.Hour) }
	_, err = iss.Verify(tok)
	if !errors.Is(err, apperr.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	iss := newTestIssuer(t)
	tok, _, _ := iss.Issue(uuid.New(), uuid.New(), RoleAdmin)

	other, _ := NewTokenIssuer(TokenConfig{Secret: []byte("another-secret-entirely"), Issuer: "test-issuer"})
	if _, err := other.Verify(tok); !errors.Is(err, apperr.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongAlgorithm(t *testing.T) {
	iss := newTestIssuer(t)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			Subject:   uuid.NewString(),
			Issuer:    "test-issuer",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: uuid.NewString(),
		Role:     string(RoleAdmin),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := iss.Verify(tok); !errors.Is(err, apperr.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_BadClaims(t *testing.T) {
	iss := newTestIssuer(t)
	base := func() Claims {
		return Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        "jti-1",
				Subject:   uuid.NewString(),
				Issuer:    "test-issuer",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			TenantID: uuid.NewString(),
			Role:     string(RoleTherapist),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Claims)
	}{
		{"bad subject", func(c *Claims) { c.Subject = "not-a-uuid" }},
		{"missing tenant", func(c *Claims) { c.TenantID = "" }},
		{"unknown role", func(c *Claims) { c.Role = "ROOT" }},
		{"missing jti", func(c *Claims) { c.ID = "" }},
		{"missing expiry", func(c *Claims) { c.ExpiresAt = nil }},
		{"wrong issuer", func(c *Claims) { c.Issuer = "someone-else" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(testSigningKey)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := iss.Verify(tok); !errors.Is(err, apperr.ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestVerify_Garbage(t *testing.T) {
	iss := newTestIssuer(t)
	if _, err := iss.Verify("not.a.jwt"); !errors.Is(err, apperr.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
