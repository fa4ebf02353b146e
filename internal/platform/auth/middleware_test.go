package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/platform/db"
)

type failingRevocations struct{}

func (failingRevocations) Revoke(context.Context, string, time.Time) error { return nil }
func (failingRevocations) RevokeUser(context.Context, uuid.UUID, time.Time, time.Duration) error {
	return nil
}
func (failingRevocations) IsRevoked(context.Context, *Identity) (bool, error) {
	return false, errors.New("redis down")
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/patients")

	called := false
	h := JWTMiddleware(cfg)(func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})
	err := h(c)
	return c, called, err
}

func expectHTTPCode(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, called, err := runJWT(t, JWTConfig{Verifier: newTestIssuer(t)}, "")
	expectHTTPCode(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler should not run")
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runJWT(t, JWTConfig{Verifier: newTestIssuer(t)}, tt.header)
			expectHTTPCode(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_InvalidToken(t *testing.T) {
	_, _, err := runJWT(t, JWTConfig{Verifier: newTestIssuer(t)}, "Bearer garbage")
	expectHTTPCode(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	iss := newTestIssuer(t)
	userID, tenantID := uuid.New(), uuid.New()
	tok, _, _ := iss.Issue(userID, tenantID, RoleTherapist)

	c, called, err := runJWT(t, JWTConfig{Verifier: iss}, "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
	if got, _ := c.Get(db.JWTTenantKey).(uuid.UUID); got != tenantID {
		t.Errorf("expected jwt tenant %s, got %v", tenantID, c.Get(db.JWTTenantKey))
	}
	id := IdentityFromContext(c.Request().Context())
	if id == nil || id.UserID != userID || id.Role != RoleTherapist {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestJWTMiddleware_RevokedToken(t *testing.T) {
	iss := newTestIssuer(t)
	store := NewMemoryRevocationStore()
	defer store.Close()

	tok, id, _ := iss.Issue(uuid.New(), uuid.New(), RoleAdmin)
	if err := store.Revoke(context.Background(), id.TokenID, id.ExpiresAt); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, called, err := runJWT(t, JWTConfig{Verifier: iss, Revocations: store}, "Bearer "+tok)
	expectHTTPCode(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler should not run for revoked token")
	}
}

func TestJWTMiddleware_RevocationStoreDown(t *testing.T) {
	iss := newTestIssuer(t)
	tok, _, _ := iss.Issue(uuid.New(), uuid.New(), RoleAdmin)

	cfg := JWTConfig{Verifier: iss, Revocations: failingRevocations{}, Logger: zerolog.Nop()}
	_, called, err := runJWT(t, cfg, "Bearer "+tok)
	expectHTTPCode(t, err, http.StatusServiceUnavailable)
	if called {
		t.Error("handler should not run when revocation state is unknown")
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{Verifier: newTestIssuer(t), Skipper: func(echo.Context) bool { return true }}
	_, called, err := runJWT(t, cfg, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected skipped request to reach handler")
	}
}
